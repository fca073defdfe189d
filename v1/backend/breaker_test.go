package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	dlerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

type flakyNode struct {
	*Memory
	down  bool
	calls int
}

func (f *flakyNode) Acquire(ctx context.Context, req Request) (Result, error) {
	f.calls++
	if f.down {
		return Result{}, fmt.Errorf("%w: flaky", dlerrors.ErrBackendUnavailable)
	}
	return f.Memory.Acquire(ctx, req)
}

func TestBreakerStateTransitions(t *testing.T) {
	node := &flakyNode{Memory: NewMemory("flaky"), down: true}
	timeout := 50 * time.Millisecond
	b := NewBreaker(node, 2, timeout)
	ctx := context.Background()
	req := Request{Key: "k", Owner: "a", Lease: time.Minute}

	if !b.IsHealthy() {
		t.Fatal("expected healthy initially")
	}
	for i := 0; i < 2; i++ {
		if _, err := b.Acquire(ctx, req); !errors.Is(err, dlerrors.ErrBackendUnavailable) {
			t.Fatalf("expected backend error, got %v", err)
		}
	}
	if b.IsHealthy() {
		t.Fatal("expected open after threshold reached")
	}
	if _, err := b.Acquire(ctx, req); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if node.calls != 2 {
		t.Fatalf("open circuit must not reach the node, calls %d", node.calls)
	}

	time.Sleep(timeout + 10*time.Millisecond)
	node.down = false
	res, err := b.Acquire(ctx, req)
	if err != nil || !res.Acquired {
		t.Fatalf("trial call should succeed, res %+v err %v", res, err)
	}
	if !b.IsHealthy() || b.failures != 0 {
		t.Fatalf("expected closed circuit, failures %d", b.failures)
	}
}

func TestBreakerIgnoresContention(t *testing.T) {
	b := NewBreaker(NewMemory("m"), 1, time.Minute)
	ctx := context.Background()
	if _, err := b.Acquire(ctx, Request{Key: "k", Owner: "a", Lease: time.Minute}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for i := 0; i < 3; i++ {
		res, err := b.Acquire(ctx, Request{Key: "k", Owner: "b", Lease: time.Minute})
		if err != nil || res.Acquired {
			t.Fatalf("expected plain contention, res %+v err %v", res, err)
		}
	}
	if !b.IsHealthy() {
		t.Fatal("contention must not open the circuit")
	}
}

func TestBreakerAlwaysReleases(t *testing.T) {
	node := &flakyNode{Memory: NewMemory("flaky")}
	b := NewBreaker(node, 1, time.Minute)
	ctx := context.Background()
	if _, err := b.Acquire(ctx, Request{Key: "k", Owner: "a", Lease: time.Minute}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	node.down = true
	_, _ = b.Acquire(ctx, Request{Key: "other", Owner: "a", Lease: time.Minute})
	if b.IsHealthy() {
		t.Fatal("expected open circuit")
	}
	rel, err := b.Release(ctx, "k", "a", ModeExclusive)
	if err != nil || !rel.Freed {
		t.Fatalf("release must pass through an open circuit, rel %+v err %v", rel, err)
	}
}
