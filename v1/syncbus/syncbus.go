package syncbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	dlerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

// Bus carries lock release notifications between processes. Notifications
// carry no payload: a waiter that receives one simply retries its
// acquisition, so a lost or duplicated notification only costs latency.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// transportError maps a broker failure onto errors.ErrTimeout or
// errors.ErrConnectionClosed, keeping the original error in the chain.
func transportError(err error) error {
	var netErr net.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout),
		errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", dlerrors.ErrTimeout, err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, redis.ErrClosed),
		errors.Is(err, sarama.ErrClosedClient), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %w", dlerrors.ErrConnectionClosed, err)
	}
	return err
}

// Metrics reports bus throughput.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout tracks local subscriber channels per topic. Deliveries never block:
// a subscriber with a pending notification does not need a second one.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]chan struct{})}
}

// add registers a new channel and reports whether it is the first one for
// topic.
func (f *fanout) add(topic string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	first := len(f.subs[topic]) == 0
	f.subs[topic] = append(f.subs[topic], ch)
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether topic has no subscribers left. found
// is false when ch was already removed.
func (f *fanout) remove(topic string, ch chan struct{}) (last, found bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, topic)
		return found, found
	}
	f.subs[topic] = subs
	return false, found
}

func (f *fanout) deliver(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[topic] {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for topic, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subs, topic)
	}
}

func (f *fanout) metrics() Metrics {
	return Metrics{Published: f.published.Load(), Delivered: f.delivered.Load()}
}

// InMemoryBus is a process local Bus, used when every participant shares
// one process and for testing.
type InMemoryBus struct {
	f *fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{f: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	b.f.published.Add(1)
	b.f.deliver(topic)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch, _ := b.f.add(topic)
	context.AfterFunc(ctx, func() {
		_ = b.Unsubscribe(context.Background(), topic, ch)
	})
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.f.remove(topic, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics { return b.f.metrics() }
