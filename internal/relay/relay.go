package relay

import (
	"context"
	"time"

	"github.com/mlevkov/command-platform/internal/domain"
	"github.com/mlevkov/command-platform/internal/pkg/logger"
)

// Publisher delivers one claimed outbox row to an external system.
// Implementations must return an error on anything short of a confirmed
// hand-off; the relay owns the retry bookkeeping.
type Publisher interface {
	Publish(ctx context.Context, msg *domain.OutboxMessage) error
}

type Config struct {
	WorkerID      string
	SweepInterval time.Duration
	BatchSize     int
	// ClaimLease is how far next_at is pushed while a row is in flight.
	// A CLAIMED row past this window is stuck and gets reclaimed.
	ClaimLease time.Duration
	MaxBackoff time.Duration
}

// Relay drains the outbox: a periodic sweep claims due rows in bulk, and a
// fast path claims freshly committed rows the moment their transaction
// notifies. Both share one claim/publish path; the fast path only cuts
// latency, never adds deliveries.
type Relay struct {
	store    domain.OutboxStore
	queuePub Publisher // command + reply categories
	eventPub Publisher // event category
	cfg      Config
	hints    <-chan int64
}

func New(store domain.OutboxStore, queuePub, eventPub Publisher, cfg Config, hints <-chan int64) *Relay {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2000
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &Relay{store: store, queuePub: queuePub, eventPub: eventPub, cfg: cfg, hints: hints}
}

func (r *Relay) Run(ctx context.Context) {
	log := logger.Logger.With().Str("component", "outbox_relay").Str("worker", r.cfg.WorkerID).Logger()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	var lastErr string
	var lastAt time.Time

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopped")
			return
		case id := <-r.hints:
			r.fastPath(ctx, id)
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				// Collapse repeated failures so a broker outage doesn't flood the log.
				if err.Error() != lastErr || time.Since(lastAt) > 10*time.Second {
					log.Warn().Err(err).Msg("outbox sweep failed")
					lastErr = err.Error()
					lastAt = time.Now()
				}
			} else {
				lastErr = ""
			}
		}
	}
}

// Sweep claims one batch of due rows and publishes them.
func (r *Relay) Sweep(ctx context.Context) error {
	claimed, err := r.store.ClaimDue(ctx, r.cfg.WorkerID, r.cfg.BatchSize, r.cfg.ClaimLease)
	if err != nil {
		return err
	}
	sweepClaimed.Observe(float64(len(claimed)))

	for _, m := range claimed {
		r.publish(ctx, m)
	}
	return nil
}

func (r *Relay) fastPath(ctx context.Context, id int64) {
	m, err := r.store.ClaimOne(ctx, r.cfg.WorkerID, id, r.cfg.ClaimLease)
	if err != nil {
		logger.Logger.Warn().Err(err).Int64("outbox_id", id).Str("component", "outbox_relay").Msg("fast-path claim failed")
		return
	}
	if m == nil {
		// Another worker got there first, or the row is not due. Fine.
		return
	}
	r.publish(ctx, m)
}

func (r *Relay) publisherFor(category domain.OutboxCategory) Publisher {
	if category == domain.CategoryEvent {
		return r.eventPub
	}
	return r.queuePub
}

func (r *Relay) publish(ctx context.Context, m *domain.OutboxMessage) {
	log := logger.Logger.With().
		Str("component", "outbox_relay").
		Int64("outbox_id", m.ID).
		Str("message_id", m.MessageID.String()).
		Str("category", string(m.Category)).
		Str("topic", m.Topic).
		Logger()

	if err := r.publisherFor(m.Category).Publish(ctx, m); err != nil {
		publishFailures.WithLabelValues(string(m.Category)).Inc()

		attempts := m.Attempts + 1
		delay := nextBackoff(attempts, r.cfg.MaxBackoff)
		nextAt := time.Now().UTC().Add(delay)
		if dbErr := r.store.ReleaseForRetry(ctx, m.ID, attempts, nextAt, err.Error()); dbErr != nil {
			log.Error().Err(dbErr).Msg("release for retry failed; claim lease will expire")
		}
		log.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", delay).Msg("publish failed; scheduled retry")
		return
	}

	if err := r.store.MarkPublished(ctx, m.ID); err != nil {
		// The message went out but the row is still CLAIMED; after the lease it
		// will be republished. Consumers dedupe on message_id.
		log.Error().Err(err).Msg("mark published failed")
		return
	}

	publishedTotal.WithLabelValues(string(m.Category)).Inc()
	log.Info().Msg("published")
}
