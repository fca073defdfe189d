package syncbus

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"

	dlerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

func newNATSBus(t *testing.T) (*NATSBus, context.Context) {
	t.Helper()
	addr := os.Getenv("DLOCK_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error

	if addr != "" {
		t.Logf("TestNATSBus: using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return NewNATSBus(conn), context.Background()
}

func TestNATSBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, ctx := newNATSBus(t)
	ch, err := bus.Subscribe(ctx, "dlock.release.k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "dlock.release.k"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestNATSBusContextBasedUnsubscribe(t *testing.T) {
	bus, _ := newNATSBus(t)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["key"]; ok {
		t.Fatal("nats subscription still present after context cancel")
	}
}

func TestNATSBusClosedConnection(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	t.Cleanup(s.Shutdown)
	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	bus := NewNATSBus(conn)
	conn.Close()

	err = bus.Publish(context.Background(), "dlock.release.k")
	if !errors.Is(err, dlerrors.ErrConnectionClosed) || !errors.Is(err, nats.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), "dlock.release.k"); !errors.Is(err, dlerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed on subscribe, got %v", err)
	}
}

func TestNATSBusEncodedTopics(t *testing.T) {
	bus, ctx := newNATSBus(t)
	// subjects as produced for keys holding spaces and wildcards
	wild, err := bus.Subscribe(ctx, "dlock.release.b3JkZXJzICo-")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	plain, err := bus.Subscribe(ctx, "dlock.release.b3JkZXJz")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "dlock.release.b3JkZXJz"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-plain:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	select {
	case <-wild:
		t.Fatal("notification leaked to another key")
	case <-time.After(50 * time.Millisecond):
	}
}
