package fanout

import (
	"context"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultExchange = "chat.rooms"

// AMQPBroker fans out through a RabbitMQ topic exchange. The routing key is
// the room topic; each subscription binds its own exclusive queue.
type AMQPBroker struct {
	conn     *amqp.Connection
	exchange string

	mu      sync.Mutex
	channel *amqp.Channel
}

// NewAMQPBroker dials url and declares the exchange.
func NewAMQPBroker(url, exchange string) (*AMQPBroker, error) {
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = defaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare exchange: %w", err)
	}
	return &AMQPBroker{conn: conn, exchange: exchange, channel: ch}, nil
}

// Publish is fire-and-forget: no confirms, no mandatory flag.
func (b *AMQPBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.channel.PublishWithContext(ctx, b.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", topic, err)
	}
	return nil
}

func (b *AMQPBroker) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("amqp declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, topic, b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("amqp bind %s: %w", topic, err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("amqp consume: %w", err)
	}

	out := make(chan []byte, SubscriberBuffer)
	go func() {
		defer close(out)
		for d := range deliveries {
			select {
			case out <- d.Body:
			default:
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = ch.Close() })
	}
	return out, cancel, nil
}

func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.channel.Close()
	return b.conn.Close()
}
