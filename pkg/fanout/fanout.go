// Package fanout delivers live room events to subscribers. Delivery is
// at-most-once: a publish that fails or finds no listener is simply lost.
package fanout

import "context"

// SubscriberBuffer is the per-subscription channel size. A subscriber that
// falls this far behind has further events dropped.
const SubscriberBuffer = 64

// Publisher hands a payload to every current subscriber of topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber opens a live subscription. The returned cancel func releases it
// and closes the channel.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)
}

// Broker is both ends of the fan-out.
type Broker interface {
	Publisher
	Subscriber
	Close() error
}
