package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	dlerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

// ErrCircuitOpen is returned while a Breaker rejects calls.
var ErrCircuitOpen = errors.New("dlock: circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker decorates a Node with circuit breaker logic. Only transport
// failures count; contention is a normal outcome. While open, calls fail
// immediately with ErrBackendUnavailable so a red lock does not spend its
// validity window on a node that is known to be down.
type Breaker struct {
	node      Node
	threshold int
	timeout   time.Duration

	mu       sync.Mutex
	state    state
	failures int
	lastFail time.Time
}

// NewBreaker wraps node. The circuit opens after threshold consecutive
// failures and lets a single trial call through once timeout has elapsed.
func NewBreaker(node Node, threshold int, timeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{node: node, threshold: threshold, timeout: timeout}
}

// IsHealthy reports whether calls are currently let through.
func (b *Breaker) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen {
		return time.Since(b.lastFail) > b.timeout
	}
	return true
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if time.Since(b.lastFail) > b.timeout {
			b.state = stateHalfOpen
			return nil
		}
	}
	return fmt.Errorf("%w: %s: %w", dlerrors.ErrBackendUnavailable, b.node.Name(), ErrCircuitOpen)
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil || !errors.Is(err, dlerrors.ErrBackendUnavailable) {
		b.state = stateClosed
		b.failures = 0
		return
	}
	b.lastFail = time.Now()
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.threshold {
		b.state = stateOpen
	}
}

// Name implements Node.Name.
func (b *Breaker) Name() string { return b.node.Name() }

// Acquire implements Node.Acquire.
func (b *Breaker) Acquire(ctx context.Context, req Request) (Result, error) {
	if err := b.allow(); err != nil {
		return Result{}, err
	}
	res, err := b.node.Acquire(ctx, req)
	b.record(err)
	return res, err
}

// Renew implements Node.Renew.
func (b *Breaker) Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	if err := b.allow(); err != nil {
		return false, err
	}
	ok, err := b.node.Renew(ctx, key, owner, lease)
	b.record(err)
	return ok, err
}

// Release implements Node.Release. Releases are always attempted, even with
// an open circuit, so cleanup paths never skip a node that came back.
func (b *Breaker) Release(ctx context.Context, key, owner string, mode Mode) (Release, error) {
	rel, err := b.node.Release(ctx, key, owner, mode)
	b.record(err)
	return rel, err
}

// Leave implements Node.Leave.
func (b *Breaker) Leave(ctx context.Context, key, owner string) error {
	err := b.node.Leave(ctx, key, owner)
	b.record(err)
	return err
}

// Inspect implements Node.Inspect.
func (b *Breaker) Inspect(ctx context.Context, key string) (Record, bool, error) {
	if err := b.allow(); err != nil {
		return Record{}, false, err
	}
	rec, ok, err := b.node.Inspect(ctx, key)
	b.record(err)
	return rec, ok, err
}
