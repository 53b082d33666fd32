package rabbitmq

import (
	"context"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mlevkov/command-platform/internal/pkg/logger"
)

// Handler processes one delivery. nil acks the message (including decisions to
// drop it); an error nacks with requeue.
type Handler func(ctx context.Context, messageID string, headers map[string]string, body []byte) error

// Consumer owns one connection's worth of consume loops. Each loop gets its
// own channel so a Qos or a channel-level error cannot stall the others.
type Consumer struct {
	conn *amqp.Connection
	tag  string
}

func NewConsumer(conn *amqp.Connection, consumerTag string) *Consumer {
	return &Consumer{conn: conn, tag: strings.TrimSpace(consumerTag)}
}

// ConsumeQueue declares a durable queue and feeds its deliveries to handle
// until ctx ends.
func (c *Consumer) ConsumeQueue(ctx context.Context, queue string, prefetch int, handle Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return err
	}

	return c.run(ctx, ch, queue, prefetch, handle)
}

// ConsumeTopic declares a durable queue bound to a topic exchange under the
// given binding keys.
func (c *Consumer) ConsumeTopic(ctx context.Context, exchange, queue string, bindingKeys []string, prefetch int, handle Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	for _, rk := range bindingKeys {
		if err := ch.QueueBind(queue, rk, exchange, false, nil); err != nil {
			_ = ch.Close()
			return err
		}
	}

	return c.run(ctx, ch, queue, prefetch, handle)
}

func (c *Consumer) run(ctx context.Context, ch *amqp.Channel, queue string, prefetch int, handle Handler) error {
	log := logger.Logger.With().Str("component", "rabbitmq_consumer").Str("queue", queue).Logger()

	if prefetch <= 0 {
		prefetch = 10
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return err
	}

	deliveries, err := ch.Consume(queue, c.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}

	go func() {
		defer func() { _ = ch.Close() }()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					log.Warn().Msg("delivery channel closed")
					return
				}

				if err := handle(ctx, d.MessageId, tableToHeaders(d.Headers), d.Body); err != nil {
					log.Warn().Err(err).Str("message_id", d.MessageId).Msg("handler failed; requeueing")
					_ = d.Nack(false, true)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	log.Info().Int("prefetch", prefetch).Msg("consumer started")
	return nil
}

func tableToHeaders(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}
	out := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
