package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mlevkov/command-platform/internal/bus"
	"github.com/mlevkov/command-platform/internal/contracts/message"
	"github.com/mlevkov/command-platform/internal/domain"
	"github.com/mlevkov/command-platform/internal/pkg/logger"
)

// Delivery is a transport-neutral inbound broker message.
type Delivery struct {
	MessageID string
	Headers   map[string]string
	Body      []byte
}

type Config struct {
	WorkerID   string
	Producer   string
	Lease      time.Duration
	MaxRetries int
	Queues     message.QueueNaming
	Topics     message.TopicNaming
}

// Runtime consumes command queues and drives the command lifecycle:
// inbox fence, lease, handler, then exactly one terminal (or retry)
// transition with its reply/event outbox rows in a single transaction.
type Runtime struct {
	commands domain.CommandStore
	registry *Registry
	cfg      Config
}

func NewRuntime(commands domain.CommandStore, registry *Registry, cfg Config) *Runtime {
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Runtime{commands: commands, registry: registry, cfg: cfg}
}

// Handle processes one delivery. A nil return means the message can be acked
// (including duplicates and poison messages); an error asks the transport to
// redeliver.
func (w *Runtime) Handle(ctx context.Context, d Delivery) error {
	commandName := strings.TrimSpace(d.Headers[message.HeaderCommandName])
	rawID := strings.TrimSpace(d.Headers[message.HeaderCommandID])

	log := logger.Logger.With().
		Str("component", "command_worker").
		Str("command_id", rawID).
		Str("command_name", commandName).
		Logger()

	commandID, err := uuid.Parse(rawID)
	if err != nil || commandName == "" {
		log.Warn().Msg("missing command headers; dropping")
		return nil // poison
	}

	msgID := strings.TrimSpace(d.MessageID)
	if msgID == "" {
		var env message.Envelope
		if jsonErr := json.Unmarshal(d.Body, &env); jsonErr == nil {
			msgID = strings.TrimSpace(env.MessageID)
		}
	}
	if msgID == "" {
		h := sha256.Sum256(append([]byte(rawID+"\n"), d.Body...))
		msgID = "hash:" + hex.EncodeToString(h[:])
	}

	// The dedup fence and the lease commit together: a redelivery of an
	// already-processed message must not touch the command, and a failed
	// attempt must not burn the fence marker.
	cmd, decision, err := w.commands.AcquireLease(ctx, commandID, msgID, "worker:"+commandName, time.Now().UTC().Add(w.cfg.Lease))
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	switch decision {
	case domain.LeaseDuplicate:
		log.Info().Str("message_id", msgID).Msg("duplicate delivery ignored")
		return nil
	case domain.LeaseRejected:
		// Terminal, or another worker holds a live lease.
		log.Info().Msg("command not claimable; ignoring")
		return nil
	}

	handler, found := w.registry.Get(cmd.Name)
	if !found {
		// Surface a terminal failure instead of a silent swallow: the caller
		// sees CommandFailed, operators see the DLQ row.
		log.Error().Msg("no handler registered")
		return w.fail(ctx, cmd, "UnknownCommandType", "no handler registered for "+cmd.Name)
	}

	// Handler runs outside any DB transaction; the lease is the watchdog.
	result, handlerErr := handler(ctx, cmd)

	switch {
	case handlerErr == nil:
		return w.complete(ctx, cmd, result)
	case domain.IsPermanent(handlerErr):
		return w.fail(ctx, cmd, "PermanentError", handlerErr.Error())
	default:
		return w.retry(ctx, cmd, handlerErr.Error())
	}
}

func (w *Runtime) complete(ctx context.Context, cmd *domain.Command, result json.RawMessage) error {
	outbox := []*domain.OutboxMessage{
		replyMessage(w.cfg.Producer, w.cfg.Queues, cmd, message.TypeCommandCompleted, result, ""),
		eventMessage(w.cfg.Producer, w.cfg.Topics, cmd, message.TypeCommandCompleted, result, ""),
	}
	if err := w.commands.CompleteCommand(ctx, cmd.ID, result, outbox); err != nil {
		return fmt.Errorf("complete command: %w", err)
	}
	commandsTotal.WithLabelValues("succeeded").Inc()
	logger.Logger.Info().
		Str("component", "command_worker").
		Str("command_id", cmd.ID.String()).
		Str("command_name", cmd.Name).
		Int("retries", cmd.Retries).
		Msg("command succeeded")
	return nil
}

func (w *Runtime) fail(ctx context.Context, cmd *domain.Command, errClass, errMsg string) error {
	outbox := []*domain.OutboxMessage{
		replyMessage(w.cfg.Producer, w.cfg.Queues, cmd, message.TypeCommandFailed, nil, errMsg),
		eventMessage(w.cfg.Producer, w.cfg.Topics, cmd, message.TypeCommandFailed, nil, errMsg),
	}
	dlq := dlqEntry(cmd, domain.CommandFailed, errClass, errMsg, w.cfg.WorkerID)
	if err := w.commands.FailCommand(ctx, cmd.ID, errClass, errMsg, outbox, dlq); err != nil {
		return fmt.Errorf("fail command: %w", err)
	}
	commandsTotal.WithLabelValues("failed").Inc()
	logger.Logger.Warn().
		Str("component", "command_worker").
		Str("command_id", cmd.ID.String()).
		Str("command_name", cmd.Name).
		Str("error_class", errClass).
		Str("error", errMsg).
		Msg("command failed permanently")
	return nil
}

func (w *Runtime) retry(ctx context.Context, cmd *domain.Command, errMsg string) error {
	if cmd.Retries >= w.cfg.MaxRetries {
		return w.fail(ctx, cmd, "RetriesExhausted", errMsg)
	}

	delay := retryDelay(cmd.Retries + 1)
	msg := bus.NewCommandMessage(w.cfg.Producer, w.cfg.Queues, cmd, time.Now().UTC().Add(delay))
	if err := w.commands.RetryCommand(ctx, cmd.ID, errMsg, msg); err != nil {
		return fmt.Errorf("retry command: %w", err)
	}
	commandsTotal.WithLabelValues("retried").Inc()
	logger.Logger.Warn().
		Str("component", "command_worker").
		Str("command_id", cmd.ID.String()).
		Str("command_name", cmd.Name).
		Int("retry", cmd.Retries+1).
		Dur("retry_in", delay).
		Str("error", errMsg).
		Msg("transient failure; rescheduled")
	return nil
}

// retryDelay: exponential, capped at 5 minutes.
func retryDelay(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	d := time.Duration(1<<uint(retries)) * time.Second
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}
