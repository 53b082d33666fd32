package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mlevkov/command-platform/internal/domain"
)

// Repository implements every store interface in internal/domain on top of a
// single pgx pool. Multi-row mutations run inside one transaction; methods
// that insert outbox rows fire the registered notify hook after commit so the
// relay can fast-path new rows.
type Repository struct {
	pool         *pgxpool.Pool
	notifyOutbox func(ids ...int64)
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// OnOutboxInsert registers the post-commit fast-path hook. Must be called
// before the repository is shared; the hook must not block.
func (r *Repository) OnOutboxInsert(fn func(ids ...int64)) {
	r.notifyOutbox = fn
}

func (r *Repository) afterCommit(ids []int64) {
	if r.notifyOutbox != nil && len(ids) > 0 {
		r.notifyOutbox(ids...)
	}
}

func (r *Repository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const insertOutboxSQL = `
INSERT INTO outbox (
  message_id, category, topic, key, type, payload, headers, status, attempts, next_at, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, 'NEW', $8, $9, NOW())
RETURNING id, created_at
`

// insertOutboxTx inserts one outbox row and fills in its generated id.
func insertOutboxTx(ctx context.Context, tx pgx.Tx, msg *domain.OutboxMessage) error {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("marshal outbox headers: %w", err)
	}
	err = tx.QueryRow(ctx, insertOutboxSQL,
		msg.MessageID,
		string(msg.Category),
		msg.Topic,
		msg.Key,
		msg.Type,
		msg.Payload,
		headers,
		msg.Attempts,
		msg.NextAt.UTC(),
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	msg.Status = domain.OutboxNew
	return nil
}
