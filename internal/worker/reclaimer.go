package worker

import (
	"context"
	"time"

	"github.com/mlevkov/command-platform/internal/bus"
	"github.com/mlevkov/command-platform/internal/contracts/message"
	"github.com/mlevkov/command-platform/internal/domain"
	"github.com/mlevkov/command-platform/internal/pkg/logger"
)

const leaseExpiredReason = "processing lease expired"

// Reclaimer sweeps RUNNING commands whose lease has lapsed (worker crash,
// network partition, handler wedged past its lease). Each one is either put
// back on the queue for another attempt or timed out for good.
type Reclaimer struct {
	commands domain.CommandStore
	cfg      Config
	interval time.Duration
	batch    int
}

func NewReclaimer(commands domain.CommandStore, cfg Config, interval time.Duration, batch int) *Reclaimer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Reclaimer{commands: commands, cfg: cfg, interval: interval, batch: batch}
}

func (r *Reclaimer) Run(ctx context.Context) {
	log := logger.Logger.With().Str("component", "lease_reclaimer").Logger()
	log.Info().Dur("interval", r.interval).Msg("lease reclaimer started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("lease reclaimer stopped")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("reclaim sweep failed")
			}
		}
	}
}

// Sweep processes one batch of expired leases.
func (r *Reclaimer) Sweep(ctx context.Context) error {
	expired, err := r.commands.ExpiredRunning(ctx, r.batch)
	if err != nil {
		return err
	}

	for _, cmd := range expired {
		if err := r.reclaim(ctx, cmd); err != nil {
			logger.Logger.Error().Err(err).
				Str("component", "lease_reclaimer").
				Str("command_id", cmd.ID.String()).
				Msg("reclaim failed")
		}
	}
	return nil
}

func (r *Reclaimer) reclaim(ctx context.Context, cmd *domain.Command) error {
	log := logger.Logger.With().
		Str("component", "lease_reclaimer").
		Str("command_id", cmd.ID.String()).
		Str("command_name", cmd.Name).
		Int("retries", cmd.Retries).
		Logger()

	if cmd.Retries < r.cfg.MaxRetries {
		msg := bus.NewCommandMessage(r.cfg.Producer, r.cfg.Queues, cmd, time.Now().UTC())
		if err := r.commands.RetryCommand(ctx, cmd.ID, leaseExpiredReason, msg); err != nil {
			return err
		}
		leaseReclaims.WithLabelValues("requeued").Inc()
		log.Warn().Msg("expired lease; command requeued")
		return nil
	}

	outbox := []*domain.OutboxMessage{
		replyMessage(r.cfg.Producer, r.cfg.Queues, cmd, message.TypeCommandTimedOut, nil, leaseExpiredReason),
		eventMessage(r.cfg.Producer, r.cfg.Topics, cmd, message.TypeCommandTimedOut, nil, leaseExpiredReason),
	}
	dlq := dlqEntry(cmd, domain.CommandTimedOut, "LeaseExpired", leaseExpiredReason, r.cfg.WorkerID)
	if err := r.commands.TimeoutCommand(ctx, cmd.ID, leaseExpiredReason, outbox, dlq); err != nil {
		return err
	}
	leaseReclaims.WithLabelValues("timed_out").Inc()
	log.Error().Msg("expired lease with retries exhausted; command timed out")
	return nil
}
