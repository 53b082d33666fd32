package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mlevkov/command-platform/internal/domain"
)

const confirmWait = 300 * time.Millisecond

// Dial opens the single connection the process shares across channels.
func Dial(url string) (*amqp.Connection, error) {
	return amqp.Dial(strings.TrimSpace(url))
}

// Publisher pushes outbox rows to the broker with publisher confirms and
// mandatory returns, so an unroutable or unconfirmed message surfaces as an
// error instead of vanishing. With an empty exchange it publishes straight to
// queues (declaring them on first use); with a topic exchange it publishes by
// routing key.
type Publisher struct {
	appID    string
	exchange string

	mu        sync.Mutex
	ch        *amqp.Channel
	confirmCh <-chan amqp.Confirmation
	returnCh  <-chan amqp.Return
	declared  map[string]bool
}

// NewQueuePublisher targets the default exchange: routing key is the queue
// name. Used for command and reply categories.
func NewQueuePublisher(conn *amqp.Connection, appID string) (*Publisher, error) {
	return newPublisher(conn, appID, "")
}

// NewEventPublisher targets a durable topic exchange. Used for the event
// category.
func NewEventPublisher(conn *amqp.Connection, appID, exchange string) (*Publisher, error) {
	p, err := newPublisher(conn, appID, exchange)
	if err != nil {
		return nil, err
	}
	if err := p.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = p.ch.Close()
		return nil, fmt.Errorf("exchange declare %q: %w", exchange, err)
	}
	return p, nil
}

func newPublisher(conn *amqp.Connection, appID, exchange string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("publisher confirm enable: %w", err)
	}
	return &Publisher{
		appID:     appID,
		exchange:  exchange,
		ch:        ch,
		confirmCh: ch.NotifyPublish(make(chan amqp.Confirmation, 100)),
		returnCh:  ch.NotifyReturn(make(chan amqp.Return, 100)),
		declared:  map[string]bool{},
	}, nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}

func (p *Publisher) Publish(ctx context.Context, m *domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exchange == "" && !p.declared[m.Topic] {
		if _, err := p.ch.QueueDeclare(m.Topic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %q: %w", m.Topic, err)
		}
		p.declared[m.Topic] = true
	}

	// Drain stale notifications from earlier publishes.
DrainLoop:
	for {
		select {
		case <-p.returnCh:
		case <-p.confirmCh:
		default:
			break DrainLoop
		}
	}

	headers := amqp.Table{}
	for k, v := range m.Headers {
		headers[k] = v
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         m.Payload,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    m.MessageID.String(),
		Type:         m.Type,
		AppId:        p.appID,
		Headers:      headers,
	}

	if err := p.ch.PublishWithContext(ctx, p.exchange, m.Topic, true, false, pub); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	// Wait for Confirm AND possible Return (mandatory). Return usually
	// arrives before the confirm.
	deadline := time.After(confirmWait * 2)
	for {
		select {
		case ret := <-p.returnCh:
			return fmt.Errorf("NO_ROUTE: code=%d text=%s exchange=%s rk=%s",
				ret.ReplyCode, ret.ReplyText, ret.Exchange, ret.RoutingKey)
		case conf := <-p.confirmCh:
			if !conf.Ack {
				return fmt.Errorf("NACK: delivery_tag=%d", conf.DeliveryTag)
			}
			return nil
		case <-deadline:
			return fmt.Errorf("confirm/return timeout")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
