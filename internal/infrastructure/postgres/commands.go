package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mlevkov/command-platform/internal/domain"
)

const commandColumns = `
id, name, business_key, payload, idempotency_key, status,
requested_at, updated_at, retries, processing_lease_until, last_error,
reply_routing, reply`

func scanCommand(row pgx.Row) (*domain.Command, error) {
	var c domain.Command
	var status string
	var routing []byte
	err := row.Scan(
		&c.ID, &c.Name, &c.BusinessKey, &c.Payload, &c.IdempotencyKey, &status,
		&c.RequestedAt, &c.UpdatedAt, &c.Retries, &c.LeaseUntil, &c.LastError,
		&routing, &c.Reply,
	)
	if err != nil {
		return nil, err
	}
	c.Status = domain.CommandStatus(status)
	if len(routing) > 0 {
		var rr domain.ReplyRouting
		if err := json.Unmarshal(routing, &rr); err == nil {
			c.ReplyRouting = &rr
		}
	}
	return &c, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateCommand inserts the command row and its CommandRequested outbox row in
// one transaction. The idempotency key uniqueness lives on the command table,
// so the dedup check and the insert cannot race.
func (r *Repository) CreateCommand(ctx context.Context, cmd *domain.Command, msg *domain.OutboxMessage) error {
	var routing []byte
	if cmd.ReplyRouting != nil {
		var err error
		routing, err = json.Marshal(cmd.ReplyRouting)
		if err != nil {
			return fmt.Errorf("marshal reply routing: %w", err)
		}
	}

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO command (
			  id, name, business_key, payload, idempotency_key, status,
			  requested_at, updated_at, retries, reply_routing
			) VALUES ($1, $2, $3, $4, $5, 'PENDING', NOW(), NOW(), 0, $6)
		`, cmd.ID, cmd.Name, cmd.BusinessKey, cmd.Payload, cmd.IdempotencyKey, routing)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("insert command: %w", err)
		}
		return insertOutboxTx(ctx, tx, msg)
	})
	if err != nil {
		return err
	}

	cmd.Status = domain.CommandPending
	r.afterCommit([]int64{msg.ID})
	return nil
}

func (r *Repository) GetCommand(ctx context.Context, id uuid.UUID) (*domain.Command, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+commandColumns+` FROM command WHERE id = $1`, id)
	c, err := scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCommandNotFound
	}
	return c, err
}

// errLeaseRejected forces the transaction to roll back so a rejected attempt
// does not keep its inbox marker.
var errLeaseRejected = errors.New("lease rejected")

// AcquireLease takes exclusive ownership for processing. A RUNNING command
// with an expired lease is fair game (previous owner is presumed dead). The
// inbox fence commits together with the lease: when the lease cannot be taken
// the fence marker rolls back too, so a redelivery of the same message is not
// mistaken for a duplicate.
func (r *Repository) AcquireLease(ctx context.Context, id uuid.UUID, messageID, handler string, leaseUntil time.Time) (*domain.Command, domain.LeaseDecision, error) {
	var (
		cmd      *domain.Command
		decision = domain.LeaseRejected
	)
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		first, err := markProcessedTx(ctx, tx, messageID, handler)
		if err != nil {
			return err
		}
		if !first {
			decision = domain.LeaseDuplicate
			return nil
		}

		row := tx.QueryRow(ctx, `
			UPDATE command
			SET status = 'RUNNING',
			    processing_lease_until = $2,
			    updated_at = NOW()
			WHERE id = $1
			  AND (status = 'PENDING'
			       OR (status = 'RUNNING' AND processing_lease_until <= NOW()))
			RETURNING `+commandColumns,
			id, leaseUntil.UTC())

		c, err := scanCommand(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return errLeaseRejected
		}
		if err != nil {
			return err
		}
		cmd = c
		decision = domain.LeaseGranted
		return nil
	})
	if errors.Is(err, errLeaseRejected) {
		return nil, domain.LeaseRejected, nil
	}
	if err != nil {
		return nil, domain.LeaseRejected, err
	}
	return cmd, decision, nil
}

func (r *Repository) CompleteCommand(ctx context.Context, id uuid.UUID, reply json.RawMessage, outbox []*domain.OutboxMessage) error {
	ids := make([]int64, 0, len(outbox))
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE command
			SET status = 'SUCCEEDED',
			    reply = $2,
			    processing_lease_until = NULL,
			    last_error = NULL,
			    updated_at = NOW()
			WHERE id = $1 AND status = 'RUNNING'
		`, id, reply)
		if err != nil {
			return fmt.Errorf("complete command: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("complete command %s: not RUNNING", id)
		}
		for _, msg := range outbox {
			if err := insertOutboxTx(ctx, tx, msg); err != nil {
				return err
			}
			ids = append(ids, msg.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.afterCommit(ids)
	return nil
}

func (r *Repository) FailCommand(ctx context.Context, id uuid.UUID, errClass, errMsg string, outbox []*domain.OutboxMessage, dlq *domain.DLQEntry) error {
	ids := make([]int64, 0, len(outbox))
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE command
			SET status = 'FAILED',
			    processing_lease_until = NULL,
			    last_error = $2,
			    updated_at = NOW()
			WHERE id = $1 AND status = 'RUNNING'
		`, id, errMsg)
		if err != nil {
			return fmt.Errorf("fail command: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("fail command %s: not RUNNING", id)
		}
		for _, msg := range outbox {
			if err := insertOutboxTx(ctx, tx, msg); err != nil {
				return err
			}
			ids = append(ids, msg.ID)
		}
		if dlq != nil {
			if err := insertDLQTx(ctx, tx, dlq); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.afterCommit(ids)
	return nil
}

// RetryCommand hands a transiently failed (or lease-expired) command back to
// PENDING and enqueues a delayed re-publish of the original command message.
func (r *Repository) RetryCommand(ctx context.Context, id uuid.UUID, errMsg string, msg *domain.OutboxMessage) error {
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE command
			SET status = 'PENDING',
			    retries = retries + 1,
			    processing_lease_until = NULL,
			    last_error = $2,
			    updated_at = NOW()
			WHERE id = $1 AND status = 'RUNNING'
		`, id, errMsg)
		if err != nil {
			return fmt.Errorf("retry command: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("retry command %s: not RUNNING", id)
		}
		return insertOutboxTx(ctx, tx, msg)
	})
	if err != nil {
		return err
	}
	r.afterCommit([]int64{msg.ID})
	return nil
}

func (r *Repository) ExpiredRunning(ctx context.Context, limit int) ([]*domain.Command, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+commandColumns+`
		FROM command
		WHERE status = 'RUNNING' AND processing_lease_until <= NOW()
		ORDER BY processing_lease_until ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) TimeoutCommand(ctx context.Context, id uuid.UUID, errMsg string, outbox []*domain.OutboxMessage, dlq *domain.DLQEntry) error {
	ids := make([]int64, 0, len(outbox))
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE command
			SET status = 'TIMED_OUT',
			    processing_lease_until = NULL,
			    last_error = $2,
			    updated_at = NOW()
			WHERE id = $1 AND status = 'RUNNING' AND processing_lease_until <= NOW()
		`, id, errMsg)
		if err != nil {
			return fmt.Errorf("timeout command: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else reclaimed or finished it in the meantime.
			return nil
		}
		for _, msg := range outbox {
			if err := insertOutboxTx(ctx, tx, msg); err != nil {
				return err
			}
			ids = append(ids, msg.ID)
		}
		if dlq != nil {
			if err := insertDLQTx(ctx, tx, dlq); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.afterCommit(ids)
	return nil
}
