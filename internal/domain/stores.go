package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ScheduledCommand pairs a command row with the outbox row that publishes it.
// Both are inserted in one transaction; when the command's idempotency key
// already exists the pair is silently collapsed (process replay safety).
type ScheduledCommand struct {
	Command *Command
	Outbox  *OutboxMessage
}

// CommandStore owns command rows and every transition after PENDING.
// All mutating calls run in a single DB transaction.
type CommandStore interface {
	// CreateCommand inserts the command plus its outbox row atomically.
	// Returns ErrDuplicateIdempotencyKey if the key is already taken.
	CreateCommand(ctx context.Context, cmd *Command, msg *OutboxMessage) error

	GetCommand(ctx context.Context, id uuid.UUID) (*Command, error)

	// AcquireLease records the delivery in the inbox fence and moves PENDING
	// (or RUNNING with an expired lease) to RUNNING, in one transaction. A
	// rejected or failed attempt leaves no fence marker behind, so the same
	// delivery can be retried.
	AcquireLease(ctx context.Context, id uuid.UUID, messageID, handler string, leaseUntil time.Time) (*Command, LeaseDecision, error)

	// CompleteCommand: RUNNING -> SUCCEEDED, stores the handler reply and
	// enqueues the reply/event outbox rows.
	CompleteCommand(ctx context.Context, id uuid.UUID, reply json.RawMessage, outbox []*OutboxMessage) error

	// FailCommand: RUNNING -> FAILED, enqueues the failure reply and parks a
	// DLQ snapshot.
	FailCommand(ctx context.Context, id uuid.UUID, errClass, errMsg string, outbox []*OutboxMessage, dlq *DLQEntry) error

	// RetryCommand: RUNNING -> PENDING with retries+1 and a delayed outbox row
	// that re-publishes the command.
	RetryCommand(ctx context.Context, id uuid.UUID, errMsg string, msg *OutboxMessage) error

	// ExpiredRunning lists RUNNING commands whose lease has passed.
	ExpiredRunning(ctx context.Context, limit int) ([]*Command, error)

	// TimeoutCommand: RUNNING -> TIMED_OUT after retry exhaustion, with the
	// CommandTimedOut reply and a DLQ snapshot.
	TimeoutCommand(ctx context.Context, id uuid.UUID, errMsg string, outbox []*OutboxMessage, dlq *DLQEntry) error
}

// OutboxStore is the relay's claim/publish surface. Claims are serialized by
// the database (FOR UPDATE SKIP LOCKED). A claim pushes next_at forward by the
// lease; a CLAIMED row whose next_at has passed is stuck and reclaimable.
type OutboxStore interface {
	ClaimDue(ctx context.Context, claimedBy string, limit int, lease time.Duration) ([]*OutboxMessage, error)

	// ClaimOne is the fast-path single-row claim. Returns nil when the row is
	// already owned or published.
	ClaimOne(ctx context.Context, claimedBy string, id int64, lease time.Duration) (*OutboxMessage, error)

	MarkPublished(ctx context.Context, id int64) error

	// ReleaseForRetry puts a claimed row back to NEW with backoff applied.
	ReleaseForRetry(ctx context.Context, id int64, attempts int, nextAt time.Time, lastErr string) error
}

// LeaseDecision is the outcome of an AcquireLease attempt.
type LeaseDecision int

const (
	// LeaseGranted: the caller owns the command until the lease passes.
	LeaseGranted LeaseDecision = iota
	// LeaseDuplicate: the (message_id, handler) pair was already processed.
	LeaseDuplicate
	// LeaseRejected: the command is owned elsewhere or already terminal.
	LeaseRejected
)

type DLQStore interface {
	ListParked(ctx context.Context, limit int) ([]*DLQEntry, error)
}

// ProcessStore persists process instances. UpdateProcess loads the row under
// FOR UPDATE, applies fn, and persists the mutated instance together with any
// commands fn scheduled — one transaction, so a crash can never separate
// "process advanced" from "command enqueued".
type ProcessStore interface {
	CreateProcess(ctx context.Context, p *ProcessInstance, scheduled []ScheduledCommand) error
	GetProcess(ctx context.Context, id uuid.UUID) (*ProcessInstance, error)
	UpdateProcess(ctx context.Context, id uuid.UUID, fn func(p *ProcessInstance) ([]ScheduledCommand, error)) error
	FindByTypeAndKey(ctx context.Context, processType, businessKey string) (*ProcessInstance, error)
}
