package fanout

import (
	"context"
	"sync"
)

type localSub struct {
	ch chan []byte
}

// LocalBroker fans out within the process. It serves single-instance
// deployments and tests.
type LocalBroker struct {
	mu     sync.Mutex
	topics map[string]map[*localSub]struct{}
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{topics: make(map[string]map[*localSub]struct{})}
}

func (b *LocalBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.topics[topic] {
		// never block the publisher on a slow reader
		select {
		case sub.ch <- payload:
		default:
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context, topic string) (<-chan []byte, func(), error) {
	sub := &localSub{ch: make(chan []byte, SubscriberBuffer)}
	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*localSub]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.topics[topic], sub)
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
			close(sub.ch)
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel, nil
}

func (b *LocalBroker) Close() error { return nil }
