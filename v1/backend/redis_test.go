package backend_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-dlock/v1/backend"
	"github.com/mirkobrombin/go-dlock/v1/backend/nodetest"
	dlerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

func newRedisNode(t *testing.T) (*backend.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return backend.NewRedis(client, backend.RedisOptions{}), mr
}

func TestRedisNode(t *testing.T) {
	nodetest.Run(t, "Redis", func(t *testing.T) (backend.Node, func(time.Duration)) {
		n, mr := newRedisNode(t)
		return n, mr.FastForward
	})
}

func TestRedisNodeKeyLayout(t *testing.T) {
	n, mr := newRedisNode(t)
	ctx := context.Background()
	if _, err := n.Acquire(ctx, backend.Request{Key: "order:42", Owner: "a", Lease: time.Minute}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !mr.Exists("dlock:{order:42}") {
		t.Fatalf("expected record under hash tagged key, keys: %v", mr.Keys())
	}
	if got := mr.HGet("dlock:{order:42}", "o:a"); got != "1" {
		t.Fatalf("expected hold count 1, got %q", got)
	}
	if ttl := mr.TTL("dlock:{order:42}"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
}

func TestRedisNodeUnavailable(t *testing.T) {
	n, mr := newRedisNode(t)
	mr.Close()
	_, err := n.Acquire(context.Background(), backend.Request{Key: "k", Owner: "a", Lease: time.Second})
	if !errors.Is(err, dlerrors.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestRedisNodeDefaultName(t *testing.T) {
	n, mr := newRedisNode(t)
	if n.Name() != "redis://"+mr.Addr() {
		t.Fatalf("unexpected name %q", n.Name())
	}
}

func TestRedisNodeRejectsSubMillisecondLease(t *testing.T) {
	n, mr := newRedisNode(t)
	ctx := context.Background()
	_, err := n.Acquire(ctx, backend.Request{Key: "k", Owner: "a", Lease: 500 * time.Microsecond})
	if !errors.Is(err, backend.ErrInvalidLease) {
		t.Fatalf("expected ErrInvalidLease, got %v", err)
	}
	if mr.Exists("dlock:{k}") {
		t.Fatal("rejected acquisition must not write a record")
	}
	if _, err := n.Acquire(ctx, backend.Request{Key: "k", Owner: "a", Lease: time.Minute}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := n.Renew(ctx, "k", "a", 500*time.Microsecond); !errors.Is(err, backend.ErrInvalidLease) {
		t.Fatalf("expected ErrInvalidLease on renew, got %v", err)
	}
	if !mr.Exists("dlock:{k}") {
		t.Fatal("rejected renewal must keep the record")
	}
}

func TestRedisNodeInspectSkipsStaleWaiters(t *testing.T) {
	n, _ := newRedisNode(t)
	ctx := context.Background()
	if _, err := n.Acquire(ctx, backend.Request{Key: "k", Owner: "holder", Lease: time.Minute}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := n.Acquire(ctx, backend.Request{Key: "k", Owner: "crashed", Lease: time.Minute, Queue: 30 * time.Millisecond}); err != nil {
		t.Fatalf("queue crashed: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := n.Acquire(ctx, backend.Request{Key: "k", Owner: "live", Lease: time.Minute, Queue: time.Minute}); err != nil {
		t.Fatalf("queue live: %v", err)
	}
	rec, ok, err := n.Inspect(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("inspect: ok %v err %v", ok, err)
	}
	if len(rec.Queue) != 1 || rec.Queue[0] != "live" {
		t.Fatalf("expected only the live waiter, got %v", rec.Queue)
	}
}

func TestRedisNodeWriteReleaseDowngrades(t *testing.T) {
	n, mr := newRedisNode(t)
	ctx := context.Background()
	if _, err := n.Acquire(ctx, backend.Request{Key: "k", Owner: "w", Lease: time.Minute}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := n.Acquire(ctx, backend.Request{Key: "k", Owner: "w", Lease: time.Minute, Mode: backend.ModeShared}); err != nil {
		t.Fatalf("nested read: %v", err)
	}
	if got := mr.HGet("dlock:{k}", "w:w"); got != "1" {
		t.Fatalf("expected exclusive count 1, got %q", got)
	}
	rel, err := n.Release(ctx, "k", "w", backend.ModeExclusive)
	if err != nil || !rel.Downgraded || rel.Freed {
		t.Fatalf("unexpected release %+v err %v", rel, err)
	}
	if got := mr.HGet("dlock:{k}", "mode"); got != "s" {
		t.Fatalf("expected shared mode, got %q", got)
	}
}
