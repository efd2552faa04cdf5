package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroker fans out over Redis PUBLISH/SUBSCRIBE so every instance sees
// every room event.
type RedisBroker struct {
	client *redis.Client
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	pubsub := b.client.Subscribe(ctx, topic)
	// wait for the subscription confirmation so no publish after return is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	out := make(chan []byte, SubscriberBuffer)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)
		in := pubsub.Channel()
		for {
			select {
			case <-stop:
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			_ = pubsub.Close()
			wg.Wait()
		})
	}
	return out, cancel, nil
}

// Close is a no-op; the client is owned by the caller.
func (b *RedisBroker) Close() error { return nil }
