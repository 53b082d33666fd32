package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mlevkov/command-platform/internal/domain"
)

const outboxColumns = `
id, message_id, category, topic, key, type, payload, headers, status,
attempts, next_at, claimed_by, created_at, published_at, last_error`

func scanOutbox(row pgx.Row) (*domain.OutboxMessage, error) {
	var m domain.OutboxMessage
	var category, status string
	var headers []byte
	err := row.Scan(
		&m.ID, &m.MessageID, &category, &m.Topic, &m.Key, &m.Type, &m.Payload,
		&headers, &status, &m.Attempts, &m.NextAt, &m.ClaimedBy, &m.CreatedAt,
		&m.PublishedAt, &m.LastError,
	)
	if err != nil {
		return nil, err
	}
	m.Category = domain.OutboxCategory(category)
	m.Status = domain.OutboxStatus(status)
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &m.Headers)
	}
	return &m, nil
}

// ClaimDue atomically claims the next batch of publishable rows: NEW rows that
// are due, plus CLAIMED rows whose in-flight lease has lapsed (stuck worker).
// Claiming pushes next_at to the lease end so other sweepers skip the row.
// Rows come back in id order, which keeps per-key publish order on transports
// that preserve it.
func (r *Repository) ClaimDue(ctx context.Context, claimedBy string, limit int, lease time.Duration) ([]*domain.OutboxMessage, error) {
	var claimed []*domain.OutboxMessage

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+outboxColumns+`
			FROM outbox
			WHERE (status = 'NEW' AND next_at <= NOW())
			   OR (status = 'CLAIMED' AND next_at <= NOW())
			ORDER BY id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanOutbox(rows)
			if err != nil {
				return err
			}
			claimed = append(claimed, m)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		until := time.Now().UTC().Add(lease)
		for _, m := range claimed {
			_, err := tx.Exec(ctx, `
				UPDATE outbox
				SET status = 'CLAIMED', claimed_by = $2, next_at = $3
				WHERE id = $1
			`, m.ID, claimedBy, until)
			if err != nil {
				return err
			}
			m.Status = domain.OutboxClaimed
			m.ClaimedBy = &claimedBy
			m.NextAt = until
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimOne is the fast-path claim by id. It is identical to the sweep claim
// but targeted; losing the race to another worker is not an error.
func (r *Repository) ClaimOne(ctx context.Context, claimedBy string, id int64, lease time.Duration) (*domain.OutboxMessage, error) {
	var claimed *domain.OutboxMessage

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+outboxColumns+`
			FROM outbox
			WHERE id = $1
			  AND ((status = 'NEW' AND next_at <= NOW())
			       OR (status = 'CLAIMED' AND next_at <= NOW()))
			FOR UPDATE SKIP LOCKED
		`, id)

		m, err := scanOutbox(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		until := time.Now().UTC().Add(lease)
		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET status = 'CLAIMED', claimed_by = $2, next_at = $3
			WHERE id = $1
		`, m.ID, claimedBy, until); err != nil {
			return err
		}
		m.Status = domain.OutboxClaimed
		m.ClaimedBy = &claimedBy
		m.NextAt = until
		claimed = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *Repository) MarkPublished(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'PUBLISHED',
		    published_at = NOW(),
		    claimed_by = NULL,
		    last_error = NULL
		WHERE id = $1 AND status = 'CLAIMED'
	`, id)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark outbox published: row %d not CLAIMED", id)
	}
	return nil
}

func (r *Repository) ReleaseForRetry(ctx context.Context, id int64, attempts int, nextAt time.Time, lastErr string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'NEW',
		    claimed_by = NULL,
		    attempts = $2,
		    next_at = $3,
		    last_error = $4
		WHERE id = $1
	`, id, attempts, nextAt.UTC(), lastErr)
	if err != nil {
		return fmt.Errorf("release outbox for retry: %w", err)
	}
	return nil
}
