package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mlevkov/command-platform/internal/domain"
)

const processColumns = `
id, process_type, business_key, status, current_step,
data, history, pending_parallel, pending_commands, created_at, updated_at`

func scanProcess(row pgx.Row) (*domain.ProcessInstance, error) {
	var p domain.ProcessInstance
	var status string
	var data, history, parallel, pending []byte
	err := row.Scan(
		&p.ID, &p.Type, &p.BusinessKey, &status, &p.CurrentStep,
		&data, &history, &parallel, &pending, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = domain.ProcessStatus(status)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &p.Data)
	}
	if len(history) > 0 {
		_ = json.Unmarshal(history, &p.History)
	}
	if len(parallel) > 0 {
		_ = json.Unmarshal(parallel, &p.PendingParallel)
	}
	if len(pending) > 0 {
		_ = json.Unmarshal(pending, &p.PendingCommands)
	}
	if p.Data == nil {
		p.Data = map[string]any{}
	}
	if p.PendingParallel == nil {
		p.PendingParallel = map[string]*domain.ParallelState{}
	}
	if p.PendingCommands == nil {
		p.PendingCommands = map[uuid.UUID]string{}
	}
	return &p, nil
}

func marshalProcess(p *domain.ProcessInstance) (data, history, parallel, pending []byte, err error) {
	if data, err = json.Marshal(p.Data); err != nil {
		return
	}
	if history, err = json.Marshal(p.History); err != nil {
		return
	}
	if parallel, err = json.Marshal(p.PendingParallel); err != nil {
		return
	}
	pending, err = json.Marshal(p.PendingCommands)
	return
}

// insertScheduledTx inserts command+outbox pairs. A pair whose idempotency key
// already exists is collapsed entirely: the command was scheduled by a prior
// run of the same transition, so no second outbox row may appear.
func insertScheduledTx(ctx context.Context, tx pgx.Tx, scheduled []domain.ScheduledCommand) ([]int64, error) {
	var ids []int64
	for _, sc := range scheduled {
		var routing []byte
		if sc.Command.ReplyRouting != nil {
			var err error
			routing, err = json.Marshal(sc.Command.ReplyRouting)
			if err != nil {
				return nil, fmt.Errorf("marshal reply routing: %w", err)
			}
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO command (
			  id, name, business_key, payload, idempotency_key, status,
			  requested_at, updated_at, retries, reply_routing
			) VALUES ($1, $2, $3, $4, $5, 'PENDING', NOW(), NOW(), 0, $6)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, sc.Command.ID, sc.Command.Name, sc.Command.BusinessKey, sc.Command.Payload,
			sc.Command.IdempotencyKey, routing)
		if err != nil {
			return nil, fmt.Errorf("insert scheduled command: %w", err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if err := insertOutboxTx(ctx, tx, sc.Outbox); err != nil {
			return nil, err
		}
		ids = append(ids, sc.Outbox.ID)
	}
	return ids, nil
}

func (r *Repository) CreateProcess(ctx context.Context, p *domain.ProcessInstance, scheduled []domain.ScheduledCommand) error {
	data, history, parallel, pending, err := marshalProcess(p)
	if err != nil {
		return fmt.Errorf("marshal process: %w", err)
	}

	var outboxIDs []int64
	err = r.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO process_instance (
			  id, process_type, business_key, status, current_step,
			  data, history, pending_parallel, pending_commands, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		`, p.ID, p.Type, p.BusinessKey, string(p.Status), p.CurrentStep,
			data, history, parallel, pending)
		if err != nil {
			return fmt.Errorf("insert process: %w", err)
		}
		outboxIDs, err = insertScheduledTx(ctx, tx, scheduled)
		return err
	})
	if err != nil {
		return err
	}
	r.afterCommit(outboxIDs)
	return nil
}

func (r *Repository) GetProcess(ctx context.Context, id uuid.UUID) (*domain.ProcessInstance, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+processColumns+` FROM process_instance WHERE id = $1`, id)
	p, err := scanProcess(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrProcessNotFound
	}
	return p, err
}

func (r *Repository) FindByTypeAndKey(ctx context.Context, processType, businessKey string) (*domain.ProcessInstance, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+processColumns+`
		FROM process_instance
		WHERE process_type = $1 AND business_key = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, processType, businessKey)
	p, err := scanProcess(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrProcessNotFound
	}
	return p, err
}

// UpdateProcess serializes concurrent transitions on the same instance: the
// row is locked, fn mutates the instance and returns the commands the
// transition schedules, and everything lands in one commit.
func (r *Repository) UpdateProcess(ctx context.Context, id uuid.UUID, fn func(p *domain.ProcessInstance) ([]domain.ScheduledCommand, error)) error {
	var outboxIDs []int64
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+processColumns+` FROM process_instance WHERE id = $1 FOR UPDATE`, id)
		p, err := scanProcess(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrProcessNotFound
		}
		if err != nil {
			return err
		}

		scheduled, err := fn(p)
		if err != nil {
			return err
		}

		data, history, parallel, pending, err := marshalProcess(p)
		if err != nil {
			return fmt.Errorf("marshal process: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE process_instance
			SET status = $2, current_step = $3, data = $4, history = $5,
			    pending_parallel = $6, pending_commands = $7, updated_at = NOW()
			WHERE id = $1
		`, p.ID, string(p.Status), p.CurrentStep, data, history, parallel, pending); err != nil {
			return fmt.Errorf("update process: %w", err)
		}

		outboxIDs, err = insertScheduledTx(ctx, tx, scheduled)
		return err
	})
	if err != nil {
		return err
	}
	r.afterCommit(outboxIDs)
	return nil
}
