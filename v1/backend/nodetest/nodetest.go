// Package nodetest provides a conformance suite for backend.Node
// implementations.
package nodetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-dlock/v1/backend"
	dlerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

// Factory creates a fresh node. advance moves the store's clock forward by
// at least d, so lease expiry can be observed.
type Factory func(t *testing.T) (node backend.Node, advance func(d time.Duration))

// Run runs the conformance suite against the nodes produced by factory.
func Run(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("AcquireRelease", func(t *testing.T) { testAcquireRelease(t, factory) })
		t.Run("Reentrant", func(t *testing.T) { testReentrant(t, factory) })
		t.Run("ForeignRelease", func(t *testing.T) { testForeignRelease(t, factory) })
		t.Run("Expiry", func(t *testing.T) { testExpiry(t, factory) })
		t.Run("Renew", func(t *testing.T) { testRenew(t, factory) })
		t.Run("Shared", func(t *testing.T) { testShared(t, factory) })
		t.Run("Upgrade", func(t *testing.T) { testUpgrade(t, factory) })
		t.Run("Downgrade", func(t *testing.T) { testDowngrade(t, factory) })
		t.Run("FairQueue", func(t *testing.T) { testFairQueue(t, factory) })
		t.Run("StaleWaiter", func(t *testing.T) { testStaleWaiter(t, factory) })
		t.Run("InvalidLease", func(t *testing.T) { testInvalidLease(t, factory) })
		t.Run("Contention", func(t *testing.T) { testContention(t, factory) })
	})
}

func acquire(t *testing.T, n backend.Node, req backend.Request) backend.Result {
	t.Helper()
	res, err := n.Acquire(context.Background(), req)
	if err != nil {
		t.Fatalf("acquire %s by %s: %v", req.Key, req.Owner, err)
	}
	return res
}

func release(t *testing.T, n backend.Node, key, owner string) backend.Release {
	t.Helper()
	return releaseMode(t, n, key, owner, backend.ModeExclusive)
}

func releaseMode(t *testing.T, n backend.Node, key, owner string, mode backend.Mode) backend.Release {
	t.Helper()
	rel, err := n.Release(context.Background(), key, owner, mode)
	if err != nil {
		t.Fatalf("release %s by %s: %v", key, owner, err)
	}
	return rel
}

func locked(t *testing.T, n backend.Node, key string) (backend.Record, bool) {
	t.Helper()
	rec, ok, err := n.Inspect(context.Background(), key)
	if err != nil {
		t.Fatalf("inspect %s: %v", key, err)
	}
	return rec, ok
}

func testAcquireRelease(t *testing.T, factory Factory) {
	n, _ := factory(t)
	req := backend.Request{Key: "k", Owner: "a", Lease: time.Minute}
	if res := acquire(t, n, req); !res.Acquired {
		t.Fatal("expected first acquire to succeed")
	}
	res := acquire(t, n, backend.Request{Key: "k", Owner: "b", Lease: time.Minute})
	if res.Acquired {
		t.Fatal("expected acquire by other owner to fail")
	}
	if res.TTL <= 0 || res.TTL > time.Minute {
		t.Fatalf("unexpected blocking ttl %v", res.TTL)
	}
	rec, ok := locked(t, n, "k")
	if !ok || rec.Holders["a"] != 1 || rec.Mode != backend.ModeExclusive {
		t.Fatalf("unexpected record %+v ok %v", rec, ok)
	}
	if rel := release(t, n, "k", "a"); !rel.Owned || !rel.Freed {
		t.Fatalf("unexpected release %+v", rel)
	}
	if _, ok := locked(t, n, "k"); ok {
		t.Fatal("record should be deleted")
	}
	if res := acquire(t, n, backend.Request{Key: "k", Owner: "b", Lease: time.Minute}); !res.Acquired {
		t.Fatal("expected acquire after release to succeed")
	}
}

func testReentrant(t *testing.T, factory Factory) {
	n, _ := factory(t)
	req := backend.Request{Key: "k", Owner: "a", Lease: time.Minute}
	for i := 0; i < 3; i++ {
		if res := acquire(t, n, req); !res.Acquired {
			t.Fatalf("re-entry %d failed", i)
		}
	}
	rec, _ := locked(t, n, "k")
	if rec.Holders["a"] != 3 {
		t.Fatalf("expected hold count 3, got %d", rec.Holders["a"])
	}
	for i := 0; i < 2; i++ {
		if rel := release(t, n, "k", "a"); !rel.Owned || rel.Freed {
			t.Fatalf("release %d: unexpected %+v", i, rel)
		}
	}
	if rel := release(t, n, "k", "a"); !rel.Freed {
		t.Fatalf("last release should free the record, got %+v", rel)
	}
	if rel := release(t, n, "k", "a"); rel.Owned {
		t.Fatal("extra release must be a no-op")
	}
}

func testForeignRelease(t *testing.T, factory Factory) {
	n, _ := factory(t)
	acquire(t, n, backend.Request{Key: "k", Owner: "a", Lease: time.Minute})
	if rel := release(t, n, "k", "b"); rel.Owned || rel.Freed {
		t.Fatalf("foreign release must be a no-op, got %+v", rel)
	}
	if ok, err := n.Renew(context.Background(), "k", "b", time.Minute); err != nil || ok {
		t.Fatalf("foreign renew must fail, ok %v err %v", ok, err)
	}
	rec, ok := locked(t, n, "k")
	if !ok || rec.Holders["a"] != 1 {
		t.Fatalf("record modified by foreign caller: %+v", rec)
	}
}

func testExpiry(t *testing.T, factory Factory) {
	n, advance := factory(t)
	acquire(t, n, backend.Request{Key: "k", Owner: "a", Lease: 50 * time.Millisecond})
	advance(100 * time.Millisecond)
	if _, ok := locked(t, n, "k"); ok {
		t.Fatal("record should expire")
	}
	if res := acquire(t, n, backend.Request{Key: "k", Owner: "b", Lease: time.Minute}); !res.Acquired {
		t.Fatal("expected acquire after expiry to succeed")
	}
}

func testRenew(t *testing.T, factory Factory) {
	n, advance := factory(t)
	acquire(t, n, backend.Request{Key: "k", Owner: "a", Lease: 100 * time.Millisecond})
	advance(60 * time.Millisecond)
	ok, err := n.Renew(context.Background(), "k", "a", 200*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("renew: ok %v err %v", ok, err)
	}
	advance(60 * time.Millisecond)
	if _, ok := locked(t, n, "k"); !ok {
		t.Fatal("renewed record expired early")
	}
}

func testShared(t *testing.T, factory Factory) {
	n, _ := factory(t)
	for _, o := range []string{"r1", "r2"} {
		res := acquire(t, n, backend.Request{Key: "k", Owner: o, Lease: time.Minute, Mode: backend.ModeShared})
		if !res.Acquired {
			t.Fatalf("reader %s should join", o)
		}
	}
	if res := acquire(t, n, backend.Request{Key: "k", Owner: "w", Lease: time.Minute}); res.Acquired {
		t.Fatal("writer must wait for readers")
	}
	if rel := release(t, n, "k", "r1"); rel.Owned {
		t.Fatal("exclusive release of a read hold must be a no-op")
	}
	if rel := releaseMode(t, n, "k", "r1", backend.ModeShared); rel.Freed {
		t.Fatal("record must survive while a reader remains")
	}
	if rel := releaseMode(t, n, "k", "r2", backend.ModeShared); !rel.Freed {
		t.Fatal("last reader should free the record")
	}
	if res := acquire(t, n, backend.Request{Key: "k", Owner: "w", Lease: time.Minute}); !res.Acquired {
		t.Fatal("writer should acquire once readers left")
	}
	if res := acquire(t, n, backend.Request{Key: "k", Owner: "r1", Lease: time.Minute, Mode: backend.ModeShared}); res.Acquired {
		t.Fatal("reader must wait for the writer")
	}
	if res := acquire(t, n, backend.Request{Key: "k", Owner: "w", Lease: time.Minute, Mode: backend.ModeShared}); !res.Acquired {
		t.Fatal("writer should be able to take a read hold")
	}
	rec, _ := locked(t, n, "k")
	if rec.Mode != backend.ModeExclusive || rec.Holders["w"] != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func testUpgrade(t *testing.T, factory Factory) {
	n, _ := factory(t)
	acquire(t, n, backend.Request{Key: "k", Owner: "a", Lease: time.Minute, Mode: backend.ModeShared})
	_, err := n.Acquire(context.Background(), backend.Request{Key: "k", Owner: "a", Lease: time.Minute})
	if !errors.Is(err, dlerrors.ErrUpgrade) {
		t.Fatalf("expected ErrUpgrade, got %v", err)
	}
	rec, _ := locked(t, n, "k")
	if rec.Holders["a"] != 1 {
		t.Fatalf("upgrade attempt modified record: %+v", rec)
	}
}

func testDowngrade(t *testing.T, factory Factory) {
	n, _ := factory(t)
	acquire(t, n, backend.Request{Key: "k", Owner: "w", Lease: time.Minute})
	acquire(t, n, backend.Request{Key: "k", Owner: "w", Lease: time.Minute, Mode: backend.ModeShared})
	if res := acquire(t, n, backend.Request{Key: "k", Owner: "r", Lease: time.Minute, Mode: backend.ModeShared}); res.Acquired {
		t.Fatal("reader must wait while the write hold remains")
	}
	rel := release(t, n, "k", "w")
	if !rel.Owned || !rel.Downgraded || rel.Freed {
		t.Fatalf("write release with a nested read should downgrade, got %+v", rel)
	}
	rec, ok := locked(t, n, "k")
	if !ok || rec.Mode != backend.ModeShared || rec.Holders["w"] != 1 || rec.Writers["w"] != 0 {
		t.Fatalf("unexpected record after downgrade %+v ok %v", rec, ok)
	}
	if rel := release(t, n, "k", "w"); rel.Owned {
		t.Fatalf("second write release must be a no-op, got %+v", rel)
	}
	if res := acquire(t, n, backend.Request{Key: "k", Owner: "r", Lease: time.Minute, Mode: backend.ModeShared}); !res.Acquired {
		t.Fatal("reader should join the downgraded record")
	}
	if res := acquire(t, n, backend.Request{Key: "k", Owner: "x", Lease: time.Minute}); res.Acquired {
		t.Fatal("writer must wait for the remaining readers")
	}
	releaseMode(t, n, "k", "w", backend.ModeShared)
	if rel := releaseMode(t, n, "k", "r", backend.ModeShared); !rel.Freed {
		t.Fatalf("last reader should free the record, got %+v", rel)
	}
}

func testFairQueue(t *testing.T, factory Factory) {
	n, _ := factory(t)
	queue := time.Minute
	req := func(o string) backend.Request {
		return backend.Request{Key: "k", Owner: o, Lease: time.Minute, Queue: queue}
	}
	acquire(t, n, req("holder"))
	for _, o := range []string{"a", "b", "c"} {
		if res := acquire(t, n, req(o)); res.Acquired {
			t.Fatalf("%s should queue", o)
		}
	}
	rec, _ := locked(t, n, "k")
	if len(rec.Queue) != 3 || rec.Queue[0] != "a" || rec.Queue[2] != "c" {
		t.Fatalf("unexpected queue %v", rec.Queue)
	}
	release(t, n, "k", "holder")
	if res := acquire(t, n, req("b")); res.Acquired {
		t.Fatal("b must not overtake a")
	}
	if res := acquire(t, n, req("a")); !res.Acquired {
		t.Fatal("a should acquire at the head of the queue")
	}
	release(t, n, "k", "a")
	if err := n.Leave(context.Background(), "k", "b"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if res := acquire(t, n, req("c")); !res.Acquired {
		t.Fatal("c should acquire once b left the queue")
	}
	rec, _ = locked(t, n, "k")
	if len(rec.Queue) != 0 {
		t.Fatalf("queue should be empty, got %v", rec.Queue)
	}
}

func testStaleWaiter(t *testing.T, factory Factory) {
	n, _ := factory(t)
	acquire(t, n, backend.Request{Key: "k", Owner: "x", Lease: time.Minute})
	acquire(t, n, backend.Request{Key: "k", Owner: "crashed", Lease: time.Minute, Queue: 30 * time.Millisecond})
	release(t, n, "k", "x")
	time.Sleep(60 * time.Millisecond)
	res := acquire(t, n, backend.Request{Key: "k", Owner: "live", Lease: time.Minute, Queue: 30 * time.Millisecond})
	if !res.Acquired {
		t.Fatal("stale waiter should have been dropped")
	}
}

func testInvalidLease(t *testing.T, factory Factory) {
	n, _ := factory(t)
	for _, lease := range []time.Duration{0, -time.Second, 999 * time.Microsecond} {
		_, err := n.Acquire(context.Background(), backend.Request{Key: "k", Owner: "a", Lease: lease})
		if !errors.Is(err, backend.ErrInvalidLease) {
			t.Fatalf("lease %v: expected ErrInvalidLease, got %v", lease, err)
		}
	}
	if _, ok := locked(t, n, "k"); ok {
		t.Fatal("rejected acquisitions must not create a record")
	}
	acquire(t, n, backend.Request{Key: "k", Owner: "a", Lease: backend.MinLease})
	acquire(t, n, backend.Request{Key: "k2", Owner: "a", Lease: time.Minute})
	if _, err := n.Renew(context.Background(), "k2", "a", 999*time.Microsecond); !errors.Is(err, backend.ErrInvalidLease) {
		t.Fatalf("expected ErrInvalidLease on renew, got %v", err)
	}
}

func testContention(t *testing.T, factory Factory) {
	n, _ := factory(t)
	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		owner := string(rune('a' + i))
		go func() {
			defer wg.Done()
			res, err := n.Acquire(context.Background(), backend.Request{Key: "k", Owner: owner, Lease: time.Minute})
			if err == nil && res.Acquired {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}
