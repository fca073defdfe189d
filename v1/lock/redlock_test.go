package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mirkobrombin/go-dlock/v1/backend"
	dlerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

// downNode fails every call as an unreachable store would.
type downNode struct{ name string }

func (d downNode) Name() string { return d.name }

func (d downNode) err() error {
	return dlerrors.ErrBackendUnavailable
}

func (d downNode) Acquire(context.Context, backend.Request) (backend.Result, error) {
	return backend.Result{}, d.err()
}

func (d downNode) Renew(context.Context, string, string, time.Duration) (bool, error) {
	return false, d.err()
}

func (d downNode) Release(context.Context, string, string, backend.Mode) (backend.Release, error) {
	return backend.Release{}, d.err()
}

func (d downNode) Leave(context.Context, string, string) error { return d.err() }

func (d downNode) Inspect(context.Context, string) (backend.Record, bool, error) {
	return backend.Record{}, false, d.err()
}

func newCluster(t *testing.T, nodes ...backend.Node) ([]*Manager, *RedLock) {
	t.Helper()
	managers := make([]*Manager, len(nodes))
	locks := make([]Lock, len(nodes))
	for i, n := range nodes {
		managers[i] = newTestManager(t, n, WithNodeTimeout(100*time.Millisecond))
		locks[i] = managers[i].GetLock("res", Reentrant)
	}
	return managers, managers[0].RedLock(locks...)
}

func memoryNodes(n int) []backend.Node {
	nodes := make([]backend.Node, n)
	for i := range nodes {
		nodes[i] = backend.NewMemory(string(rune('a' + i)))
	}
	return nodes
}

func TestRedLockQuorumReached(t *testing.T) {
	managers, rl := newCluster(t, memoryNodes(5)...)
	other := WithOwner(context.Background(), "other")
	a := WithOwner(context.Background(), "a")
	for _, m := range managers[:2] {
		if err := m.Lock(other, "res", Reentrant, time.Minute); err != nil {
			t.Fatalf("lock: %v", err)
		}
	}

	ok, err := rl.TryLock(a, 0, time.Second)
	if err != nil || !ok {
		t.Fatalf("expected quorum with 3 of 5, ok %v err %v", ok, err)
	}
	if v := rl.Validity(a); v <= 0 || v > time.Second {
		t.Fatalf("unexpected validity %v", v)
	}
	if !rl.IsHeldBy(a) {
		t.Fatal("caller should hold the red lock")
	}
	if err := rl.Unlock(a); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	for i, m := range managers[2:] {
		if locked, _ := m.IsLocked(a, "res", Reentrant); locked {
			t.Fatalf("node %d still locked after unlock", i+2)
		}
	}
	if rl.Validity(a) != 0 {
		t.Fatal("validity should reset after unlock")
	}
}

func TestRedLockQuorumMissedReleases(t *testing.T) {
	managers, rl := newCluster(t, memoryNodes(5)...)
	other := WithOwner(context.Background(), "other")
	a := WithOwner(context.Background(), "a")
	for _, m := range managers[:3] {
		if err := m.Lock(other, "res", Reentrant, time.Minute); err != nil {
			t.Fatalf("lock: %v", err)
		}
	}

	ok, err := rl.TryLock(a, 0, time.Second)
	if err != nil || ok {
		t.Fatalf("expected failure with 2 of 5, ok %v err %v", ok, err)
	}
	for i, m := range managers[3:] {
		if locked, _ := m.IsLocked(a, "res", Reentrant); locked {
			t.Fatalf("node %d kept a partial acquisition", i+3)
		}
	}
}

func TestRedLockUnreachableNodes(t *testing.T) {
	nodes := memoryNodes(2)
	nodes = append(nodes, downNode{"x"}, downNode{"y"}, downNode{"z"})
	managers, rl := newCluster(t, nodes...)
	a := WithOwner(context.Background(), "a")

	ok, err := rl.TryLock(a, 30*time.Millisecond, time.Second)
	if ok {
		t.Fatal("red lock must not succeed with 2 reachable nodes of 5")
	}
	if !errors.Is(err, dlerrors.ErrQuorumNotAchieved) || !errors.Is(err, dlerrors.ErrBackendUnavailable) {
		t.Fatalf("expected ErrQuorumNotAchieved wrapping ErrBackendUnavailable, got %v", err)
	}
	for i, m := range managers[:2] {
		if locked, _ := m.IsLocked(a, "res", Reentrant); locked {
			t.Fatalf("node %d kept a partial acquisition", i)
		}
	}
}

func TestRedLockToleratesMinorityFailure(t *testing.T) {
	nodes := memoryNodes(3)
	nodes = append(nodes, downNode{"x"}, downNode{"y"})
	_, rl := newCluster(t, nodes...)
	a := WithOwner(context.Background(), "a")

	if err := rl.Lock(a, time.Second); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if locked, err := rl.IsLocked(a); err != nil || !locked {
		t.Fatalf("expected locked, got %v err %v", locked, err)
	}
	if err := rl.Unlock(a); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if rl.IsHeldBy(a) {
		t.Fatal("caller should not hold the red lock after unlock")
	}
}

func TestRedLockValidityExhausted(t *testing.T) {
	_, rl := newCluster(t, memoryNodes(3)...)
	rl.cfg.ClockDrift = time.Second
	a := WithOwner(context.Background(), "a")
	ok, err := rl.TryLock(a, 0, 500*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("a lease shorter than the drift budget must fail, ok %v err %v", ok, err)
	}
	if rl.IsHeldBy(a) {
		t.Fatal("failed round left holds behind")
	}
}
