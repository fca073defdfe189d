package presets

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-dlock/v1/lock"
)

func TestNewInMemoryStandalone(t *testing.T) {
	m := NewInMemoryStandalone()
	defer m.Close()
	ctx := lock.WithOwner(context.Background(), "a")

	if err := m.Lock(ctx, "foo", lock.Reentrant, time.Minute); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if !m.IsHeldByCaller(ctx, "foo", lock.Reentrant) {
		t.Fatal("expected caller to hold foo")
	}
	if err := m.Unlock(ctx, "foo", lock.Reentrant); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	m := NewRedis(RedisOptions{Addr: mr.Addr()})
	defer m.Close()
	a := lock.WithOwner(context.Background(), "a")
	b := lock.WithOwner(context.Background(), "b")

	if err := m.Lock(a, "foo", lock.Fair, time.Minute); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if ok, err := m.TryLock(b, "foo", lock.Fair, 0, time.Minute); err != nil || ok {
		t.Fatalf("expected busy, ok %v err %v", ok, err)
	}
	if err := m.Unlock(a, "foo", lock.Fair); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if ok, err := m.TryLock(b, "foo", lock.Fair, time.Second, time.Minute); err != nil || !ok {
		t.Fatalf("expected b to acquire, ok %v err %v", ok, err)
	}
}

func TestNewRedisCluster(t *testing.T) {
	var opts []RedisOptions
	for i := 0; i < 3; i++ {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run: %v", err)
		}
		defer mr.Close()
		opts = append(opts, RedisOptions{Addr: mr.Addr()})
	}
	c := NewRedisCluster(opts)
	defer c.Close()

	ctx := lock.WithOwner(context.Background(), "a")
	rl := c.RedLock("job")
	if rl.Quorum() != 2 {
		t.Fatalf("expected quorum 2, got %d", rl.Quorum())
	}
	if ok, err := rl.TryLock(ctx, 0, 10*time.Second); err != nil || !ok {
		t.Fatalf("red lock: ok %v err %v", ok, err)
	}
	if err := rl.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}
