package syncbus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-dlock/v1/syncbus")

// RedisBus implements Bus using Redis pub/sub. Each topic with local
// subscribers holds one Redis subscription.
type RedisBus struct {
	client redis.UniversalClient
	f      *fanout

	mu      sync.Mutex
	pubsubs map[string]*redis.PubSub
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client:  client,
		f:       newFanout(),
		pubsubs: make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("dlock.bus.topic", topic)))
	defer span.End()
	if err := b.client.Publish(ctx, topic, "1").Err(); err != nil {
		err = transportError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis confirmed the
// subscription, so a publish issued afterwards is not missed.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.f.add(topic)
	if first {
		ps := b.client.Subscribe(ctx, topic)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.f.remove(topic, ch)
			return nil, transportError(err)
		}
		b.pubsubs[topic] = ps
		go b.dispatch(ps, topic)
	}
	context.AfterFunc(ctx, func() {
		_ = b.Unsubscribe(context.Background(), topic, ch)
	})
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub, topic string) {
	for range ps.Channel() {
		b.f.deliver(topic)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	last, _ := b.f.remove(topic, ch)
	if !last {
		return nil
	}
	ps := b.pubsubs[topic]
	delete(b.pubsubs, topic)
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Close drops every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, ps := range b.pubsubs {
		_ = ps.Close()
		delete(b.pubsubs, topic)
	}
	b.f.closeAll()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics { return b.f.metrics() }
