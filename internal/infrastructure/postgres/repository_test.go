//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlevkov/command-platform/internal/domain"
	"github.com/mlevkov/command-platform/internal/infrastructure/postgres"
)

// Helper: connect, apply the reference DDL and reset state.
func setupRepo(t *testing.T) (*postgres.Repository, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("Skipping integration test: TEST_DB_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	ddl, err := os.ReadFile("schema.sql")
	require.NoError(t, err)
	_, err = pool.Exec(context.Background(), string(ddl))
	require.NoError(t, err)

	_, err = pool.Exec(context.Background(), "TRUNCATE TABLE command, outbox, inbox, dlq, process_instance RESTART IDENTITY CASCADE")
	require.NoError(t, err)

	return postgres.New(pool), pool
}

// seedCommand inserts a PENDING command with its CommandRequested outbox row
// and returns both (the outbox id is filled in by the insert).
func seedCommand(t *testing.T, repo *postgres.Repository, name string) (*domain.Command, *domain.OutboxMessage) {
	t.Helper()
	cmd := &domain.Command{
		ID:             uuid.New(),
		Name:           name,
		BusinessKey:    "order-1",
		Payload:        []byte(`{"amount":10}`),
		IdempotencyKey: uuid.NewString(),
	}
	msg := &domain.OutboxMessage{
		MessageID: uuid.New(),
		Category:  domain.CategoryCommand,
		Topic:     "APP.CMD.CHARGECARD.Q",
		Type:      "CommandRequested",
		Payload:   []byte(`{}`),
		NextAt:    time.Now().UTC(),
	}
	require.NoError(t, repo.CreateCommand(context.Background(), cmd, msg))
	return cmd, msg
}

func TestCreateCommand_DuplicateIdempotencyKey(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	cmd, _ := seedCommand(t, repo, "ChargeCard")

	dup := &domain.Command{
		ID:             uuid.New(),
		Name:           "ChargeCard",
		BusinessKey:    "order-1",
		Payload:        []byte(`{}`),
		IdempotencyKey: cmd.IdempotencyKey,
	}
	msg := &domain.OutboxMessage{
		MessageID: uuid.New(),
		Category:  domain.CategoryCommand,
		Topic:     "APP.CMD.CHARGECARD.Q",
		Type:      "CommandRequested",
		NextAt:    time.Now().UTC(),
	}
	err := repo.CreateCommand(ctx, dup, msg)
	require.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)

	// the rejected insert must not leave an outbox row behind
	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM outbox").Scan(&count))
	assert.Equal(t, 1, count)
}

// TestAcquireLease_MutualExclusionAndFence covers the lease transitions that
// live entirely in SQL: only one delivery wins, a redelivery of the winning
// message is a duplicate, a losing attempt keeps no fence marker, and an
// expired lease is reclaimable.
func TestAcquireLease_MutualExclusionAndFence(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	cmd, _ := seedCommand(t, repo, "ChargeCard")

	until := time.Now().UTC().Add(time.Minute)
	got, decision, err := repo.AcquireLease(ctx, cmd.ID, "m-1", "worker:ChargeCard", until)
	require.NoError(t, err)
	require.Equal(t, domain.LeaseGranted, decision)
	require.Equal(t, domain.CommandRunning, got.Status)
	require.NotNil(t, got.LeaseUntil)

	// second worker, different delivery: the live lease blocks it
	_, decision, err = repo.AcquireLease(ctx, cmd.ID, "m-2", "worker:ChargeCard", until)
	require.NoError(t, err)
	assert.Equal(t, domain.LeaseRejected, decision)

	// the rejected attempt must not keep its fence marker
	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM inbox WHERE message_id = 'm-2'").Scan(&count))
	assert.Equal(t, 0, count)

	// redelivery of the winning message is fenced out
	_, decision, err = repo.AcquireLease(ctx, cmd.ID, "m-1", "worker:ChargeCard", until)
	require.NoError(t, err)
	assert.Equal(t, domain.LeaseDuplicate, decision)

	// expired lease: the previous owner is presumed dead, m-2 may retry
	_, err = pool.Exec(ctx, "UPDATE command SET processing_lease_until = NOW() - interval '1 minute' WHERE id = $1", cmd.ID)
	require.NoError(t, err)

	_, decision, err = repo.AcquireLease(ctx, cmd.ID, "m-2", "worker:ChargeCard", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.LeaseGranted, decision)
}

func TestCompleteCommand_StoresReplyAndBlocksFurtherLeases(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	cmd, _ := seedCommand(t, repo, "ChargeCard")

	_, decision, err := repo.AcquireLease(ctx, cmd.ID, "m-1", "worker:ChargeCard", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, domain.LeaseGranted, decision)

	reply := []byte(`{"charged":true}`)
	outbox := []*domain.OutboxMessage{
		{MessageID: uuid.New(), Category: domain.CategoryReply, Topic: "APP.CMD.REPLY.Q", Type: "CommandCompleted", NextAt: time.Now().UTC()},
		{MessageID: uuid.New(), Category: domain.CategoryEvent, Topic: "events.ChargeCard", Type: "CommandCompleted", NextAt: time.Now().UTC()},
	}
	require.NoError(t, repo.CompleteCommand(ctx, cmd.ID, reply, outbox))

	stored, err := repo.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandSucceeded, stored.Status)
	assert.JSONEq(t, `{"charged":true}`, string(stored.Reply))
	assert.Nil(t, stored.LeaseUntil)

	// terminal commands are not claimable
	_, decision, err = repo.AcquireLease(ctx, cmd.ID, "m-3", "worker:ChargeCard", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.LeaseRejected, decision)
}

func TestRetryCommand_BackToPendingWithDelayedOutbox(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	cmd, _ := seedCommand(t, repo, "ChargeCard")

	_, decision, err := repo.AcquireLease(ctx, cmd.ID, "m-1", "worker:ChargeCard", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, domain.LeaseGranted, decision)

	msg := &domain.OutboxMessage{
		MessageID: uuid.New(),
		Category:  domain.CategoryCommand,
		Topic:     "APP.CMD.CHARGECARD.Q",
		Type:      "CommandRequested",
		NextAt:    time.Now().UTC().Add(4 * time.Second),
	}
	require.NoError(t, repo.RetryCommand(ctx, cmd.ID, "gateway timeout", msg))

	stored, err := repo.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandPending, stored.Status)
	assert.Equal(t, 1, stored.Retries)
	assert.Nil(t, stored.LeaseUntil)

	// a fresh delivery of the re-published message can lease it again
	_, decision, err = repo.AcquireLease(ctx, cmd.ID, "m-2", "worker:ChargeCard", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.LeaseGranted, decision)
}

// TestClaimDue_MutualExclusionAndStuckReclaim covers the outbox claim SQL:
// FOR UPDATE SKIP LOCKED serializes sweepers, a claim pushes next_at to the
// lease end so others skip the row, and a CLAIMED row whose next_at has
// lapsed is stuck and reclaimable.
func TestClaimDue_MutualExclusionAndStuckReclaim(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	_, msg := seedCommand(t, repo, "ChargeCard")

	claimed, err := repo.ClaimDue(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, msg.ID, claimed[0].ID)
	assert.Equal(t, domain.OutboxClaimed, claimed[0].Status)
	require.NotNil(t, claimed[0].ClaimedBy)
	assert.Equal(t, "w1", *claimed[0].ClaimedBy)

	// the in-flight lease makes the row invisible to other sweepers
	again, err := repo.ClaimDue(ctx, "w2", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	// lapse the lease: w1 is presumed dead, w2 reclaims the stuck row
	_, err = pool.Exec(ctx, "UPDATE outbox SET next_at = NOW() - interval '1 second' WHERE id = $1", msg.ID)
	require.NoError(t, err)

	reclaimed, err := repo.ClaimDue(ctx, "w2", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.NotNil(t, reclaimed[0].ClaimedBy)
	assert.Equal(t, "w2", *reclaimed[0].ClaimedBy)
}

func TestClaimOne_LosingTheRaceIsQuiet(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	_, msg := seedCommand(t, repo, "ChargeCard")

	first, err := repo.ClaimOne(ctx, "w1", msg.ID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, domain.OutboxClaimed, first.Status)

	// already claimed: the fast path drops the hint without error
	second, err := repo.ClaimOne(ctx, "w2", msg.ID, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, repo.MarkPublished(ctx, msg.ID))

	// published rows are gone for good
	third, err := repo.ClaimOne(ctx, "w1", msg.ID, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, third)
	require.Error(t, repo.MarkPublished(ctx, msg.ID))
}
