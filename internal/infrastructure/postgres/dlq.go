package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mlevkov/command-platform/internal/domain"
)

func insertDLQTx(ctx context.Context, tx pgx.Tx, e *domain.DLQEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO dlq (
		  command_id, command_name, business_key, payload, failed_status,
		  error_class, error_message, attempts, parked_by, parked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING id, parked_at
	`, e.CommandID, e.CommandName, e.BusinessKey, e.Payload, string(e.FailedStatus),
		e.ErrorClass, e.ErrorMessage, e.Attempts, e.ParkedBy,
	).Scan(&e.ID, &e.ParkedAt)
	if err != nil {
		return fmt.Errorf("insert dlq entry: %w", err)
	}
	return nil
}

func (r *Repository) ListParked(ctx context.Context, limit int) ([]*domain.DLQEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, command_id, command_name, business_key, payload, failed_status,
		       error_class, error_message, attempts, parked_by, parked_at
		FROM dlq
		ORDER BY parked_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.DLQEntry
	for rows.Next() {
		var e domain.DLQEntry
		var status string
		if err := rows.Scan(
			&e.ID, &e.CommandID, &e.CommandName, &e.BusinessKey, &e.Payload,
			&status, &e.ErrorClass, &e.ErrorMessage, &e.Attempts, &e.ParkedBy, &e.ParkedAt,
		); err != nil {
			return nil, err
		}
		e.FailedStatus = domain.CommandStatus(status)
		out = append(out, &e)
	}
	return out, rows.Err()
}
