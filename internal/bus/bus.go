package bus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mlevkov/command-platform/internal/contracts/message"
	"github.com/mlevkov/command-platform/internal/domain"
	"github.com/mlevkov/command-platform/internal/pkg/logger"
)

const replyPollInterval = 100 * time.Millisecond

type AcceptRequest struct {
	Name           string
	IdempotencyKey string
	BusinessKey    string
	Payload        json.RawMessage
	Reply          *domain.ReplyRouting
}

// Bus is the API-facing intake: validate, dedup, persist, enqueue — all
// inside the store's single transaction. Publication to the broker is the
// relay's job; by the time Accept returns the command can no longer be lost.
type Bus struct {
	store    domain.CommandStore
	queues   message.QueueNaming
	producer string
	syncWait time.Duration
}

func New(store domain.CommandStore, queues message.QueueNaming, producer string, syncWait time.Duration) *Bus {
	if store == nil {
		panic("bus.New: nil store")
	}
	return &Bus{store: store, queues: queues, producer: producer, syncWait: syncWait}
}

func (b *Bus) Accept(ctx context.Context, req AcceptRequest) (uuid.UUID, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.IdempotencyKey) == "" {
		return uuid.Nil, domain.ErrInvalidCommand
	}

	cmd := &domain.Command{
		ID:             uuid.New(),
		Name:           strings.TrimSpace(req.Name),
		BusinessKey:    strings.TrimSpace(req.BusinessKey),
		Payload:        req.Payload,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		Status:         domain.CommandPending,
		ReplyRouting:   req.Reply,
	}

	msg := NewCommandMessage(b.producer, b.queues, cmd, time.Now().UTC())

	if err := b.store.CreateCommand(ctx, cmd, msg); err != nil {
		return uuid.Nil, err
	}

	logger.WithCtx(ctx).Info().
		Str("component", "command_bus").
		Str("command_id", cmd.ID.String()).
		Str("command_name", cmd.Name).
		Str("business_key", cmd.BusinessKey).
		Str("queue", msg.Topic).
		Msg("command accepted")

	return cmd.ID, nil
}

// SyncWait reports the configured blocking-accept window (0 = async).
func (b *Bus) SyncWait() time.Duration {
	return b.syncWait
}

// WaitForReply polls the command row until it reaches a terminal status or the
// wait elapses. The command keeps running asynchronously either way.
func (b *Bus) WaitForReply(ctx context.Context, id uuid.UUID, wait time.Duration) (*domain.Command, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(replyPollInterval)
	defer tick.Stop()

	for {
		cmd, err := b.store.GetCommand(ctx, id)
		if err != nil {
			return nil, err
		}
		if cmd.Status.Terminal() {
			return cmd, nil
		}

		select {
		case <-ctx.Done():
			return cmd, nil
		case <-deadline.C:
			return cmd, nil
		case <-tick.C:
		}
	}
}

// NewCommandMessage builds the outbox row that publishes a command to its
// queue. Used at intake and again when the worker reschedules a transient
// failure (with a delayed `at`).
func NewCommandMessage(producer string, queues message.QueueNaming, cmd *domain.Command, at time.Time) *domain.OutboxMessage {
	env := message.NewEnvelope(producer, message.TypeCommandRequested, cmd.Payload)
	body, _ := json.Marshal(env)

	replyTo := queues.ReplyQueue
	headers := map[string]string{
		message.HeaderCommandID:     cmd.ID.String(),
		message.HeaderCommandName:   cmd.Name,
		message.HeaderBusinessKey:   cmd.BusinessKey,
		message.HeaderCorrelationID: cmd.ID.String(),
		message.HeaderEventType:     message.TypeCommandRequested,
	}
	if cmd.ReplyRouting != nil {
		if q := strings.TrimSpace(cmd.ReplyRouting.Queue); q != "" {
			replyTo = q
		}
		for k, v := range cmd.ReplyRouting.Headers {
			headers[k] = v
		}
	}
	headers[message.HeaderReplyTo] = replyTo

	return &domain.OutboxMessage{
		MessageID: uuid.MustParse(env.MessageID),
		Category:  domain.CategoryCommand,
		Topic:     queues.CommandQueue(cmd.Name),
		Key:       cmd.BusinessKey,
		Type:      message.TypeCommandRequested,
		Payload:   body,
		Headers:   headers,
		NextAt:    at,
	}
}
