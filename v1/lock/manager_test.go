package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	dlerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

func TestManagerCachesHandles(t *testing.T) {
	m := newTestManager(t, nil)
	if m.GetLock("k", Reentrant) != m.GetLock("k", Reentrant) {
		t.Fatal("expected the same handle for the same key and discipline")
	}
	if m.GetLock("k", Reentrant) == m.GetLock("k", Fair) {
		t.Fatal("disciplines must not share handles")
	}
	rw := m.ReadWrite("k")
	if m.GetLock("k", Read) != rw.ReadLock() || m.GetLock("k", Write) != rw.WriteLock() {
		t.Fatal("read and write handles should come from the read/write pair")
	}
}

func TestManagerOperations(t *testing.T) {
	m := newTestManager(t, nil)
	a := WithOwner(context.Background(), "a")
	b := WithOwner(context.Background(), "b")

	if err := m.Lock(a, "k", Reentrant, time.Minute); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !m.IsHeldByCaller(a, "k", Reentrant) || m.IsHeldByCaller(b, "k", Reentrant) {
		t.Fatal("unexpected holder")
	}
	if ok, err := m.TryLock(b, "k", Reentrant, 0, time.Minute); err != nil || ok {
		t.Fatalf("b must not acquire, ok %v err %v", ok, err)
	}
	if err := m.Unlock(b, "k", Reentrant); err != nil {
		t.Fatalf("unlock by non-holder: %v", err)
	}
	if locked, err := m.IsLocked(b, "k", Reentrant); err != nil || !locked {
		t.Fatalf("expected locked, got %v err %v", locked, err)
	}
	if err := m.Unlock(a, "k", Reentrant); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if locked, _ := m.IsLocked(a, "k", Reentrant); locked {
		t.Fatal("expected free")
	}
	if m.IsHeldByCaller(a, "missing", Write) {
		t.Fatal("unknown key cannot be held")
	}
}

func TestManagerClose(t *testing.T) {
	m := newTestManager(t, nil, WithWatchdogTimeout(60*time.Millisecond))
	a := WithOwner(context.Background(), "a")
	if err := m.Lock(a, "k", Reentrant, 0); err != nil {
		t.Fatalf("lock: %v", err)
	}
	m.Close()
	if err := m.Lock(a, "other", Reentrant, 0); !errors.Is(err, dlerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if locked, _ := m.IsLocked(a, "k", Reentrant); locked {
		t.Fatal("lock should expire once the watchdog stopped")
	}
}
