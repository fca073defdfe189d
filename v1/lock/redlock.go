package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	dlerrors "github.com/mirkobrombin/go-dlock/v1/errors"
	"github.com/mirkobrombin/go-dlock/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-dlock/v1/lock")

// Red lock round outcomes.
const (
	quorumAchieved = "achieved"
	quorumFailed   = "failed"
	quorumExpired  = "expired"
)

// RedLock is held once a majority of independent nodes granted it. Each
// constituent is expected to live on a different store.
type RedLock struct {
	locks  []Lock
	cfg    *Config
	name   string
	quorum int

	mu       sync.Mutex
	validity map[string]time.Time
}

// NewRedLock returns a quorum lock over locks.
func NewRedLock(locks []Lock, opts ...Option) *RedLock {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	cfg.normalize()
	return newRedLock(&cfg, locks)
}

func newRedLock(cfg *Config, locks []Lock) *RedLock {
	names := make([]string, len(locks))
	for i, l := range locks {
		names[i] = l.Name()
	}
	return &RedLock{
		locks:    append([]Lock(nil), locks...),
		cfg:      cfg,
		name:     "redlock(" + strings.Join(names, ",") + ")",
		quorum:   len(locks)/2 + 1,
		validity: make(map[string]time.Time),
	}
}

// Name implements Lock.Name.
func (r *RedLock) Name() string { return r.name }

// Quorum returns the number of nodes that must grant the lock.
func (r *RedLock) Quorum() int { return r.quorum }

// Validity returns how long the caller's hold is still guaranteed, or zero
// when the caller does not hold the lock.
func (r *RedLock) Validity(ctx context.Context) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.validity[OwnerFrom(ctx)]
	if !ok {
		return 0
	}
	return max(time.Until(until), 0)
}

// round makes one acquisition attempt on every node in parallel. It
// reports false with a nil error when the quorum was missed only because
// the lock is busy.
func (r *RedLock) round(ctx context.Context, lease time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "RedLock.round", trace.WithAttributes(
		attribute.String("dlock.lock", r.name),
		attribute.Int("dlock.quorum", r.quorum),
	))
	defer span.End()

	effective := lease
	if effective <= 0 {
		effective = r.cfg.WatchdogTimeout
	}
	start := time.Now()
	granted := make([]bool, len(r.locks))
	errs := make([]error, len(r.locks))
	var g errgroup.Group
	for i, l := range r.locks {
		g.Go(func() error {
			nctx, cancel := context.WithTimeout(ctx, r.cfg.NodeTimeout)
			defer cancel()
			ok, err := l.TryLock(nctx, 0, lease)
			granted[i] = ok
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", l.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range granted {
		if ok {
			n++
		}
	}
	validity := effective - time.Since(start) - r.cfg.drift(effective)
	span.SetAttributes(attribute.Int("dlock.granted", n))
	if n >= r.quorum && validity > 0 {
		r.mu.Lock()
		r.validity[OwnerFrom(ctx)] = time.Now().Add(validity)
		r.mu.Unlock()
		metrics.QuorumCounter.WithLabelValues(quorumAchieved).Inc()
		return true, nil
	}

	if n >= r.quorum {
		metrics.QuorumCounter.WithLabelValues(quorumExpired).Inc()
		r.cfg.Logger.Warn("dlock: red lock validity exhausted during acquisition", "lock", r.name, "elapsed", time.Since(start))
	} else {
		metrics.QuorumCounter.WithLabelValues(quorumFailed).Inc()
	}
	r.release(ctx, granted)

	err := errors.Join(errs...)
	for _, e := range errs {
		if permanent(e) {
			err = e
			break
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return false, err
}

// release undoes a failed round on the nodes that granted it.
func (r *RedLock) release(ctx context.Context, granted []bool) {
	cctx := context.WithoutCancel(ctx)
	for i, ok := range granted {
		if !ok {
			continue
		}
		if err := r.locks[i].Unlock(cctx); err != nil {
			r.cfg.Logger.Warn("dlock: red lock rollback failed", "node", r.locks[i].Name(), "error", err)
		}
	}
}

func (r *RedLock) quorumError(err error) error {
	return fmt.Errorf("%w: %s: %w", dlerrors.ErrQuorumNotAchieved, r.name, err)
}

// Lock implements Lock.Lock.
func (r *RedLock) Lock(ctx context.Context, lease time.Duration) error {
	var last error
	for {
		ok, err := r.round(ctx, lease)
		if ok {
			return nil
		}
		if permanent(err) {
			return err
		}
		if err != nil {
			last = err
		}
		if serr := sleep(ctx, jitter(r.cfg.RetryInterval)); serr != nil {
			if last != nil {
				return fmt.Errorf("%w: %s: %w", dlerrors.ErrAcquireTimeout, r.name, errors.Join(serr, r.quorumError(last)))
			}
			return fmt.Errorf("%w: %s: %w", dlerrors.ErrAcquireTimeout, r.name, serr)
		}
	}
}

// TryLock implements Lock.TryLock. Rounds are repeated until the quorum is
// reached or wait elapses. When the last round failed because nodes were
// unreachable the error wraps errors.ErrQuorumNotAchieved.
func (r *RedLock) TryLock(ctx context.Context, wait, lease time.Duration) (bool, error) {
	deadline := time.Now().Add(max(wait, 0))
	for {
		ok, err := r.round(ctx, lease)
		if ok {
			return true, nil
		}
		if permanent(err) {
			return false, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if err != nil {
				return false, r.quorumError(err)
			}
			return false, nil
		}
		if serr := sleep(ctx, min(jitter(r.cfg.RetryInterval), remaining)); serr != nil {
			return false, serr
		}
	}
}

// Unlock implements Lock.Unlock. It releases the caller's hold on every
// node, including those that did not grant it.
func (r *RedLock) Unlock(ctx context.Context) error {
	r.mu.Lock()
	delete(r.validity, OwnerFrom(ctx))
	r.mu.Unlock()

	var errs []error
	for _, l := range r.locks {
		if err := l.Unlock(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// IsLocked implements Lock.IsLocked. It reports true when a quorum of nodes
// has the key locked.
func (r *RedLock) IsLocked(ctx context.Context) (bool, error) {
	var (
		n    int
		errs []error
	)
	for _, l := range r.locks {
		ok, err := l.IsLocked(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.Name(), err))
			continue
		}
		if ok {
			n++
		}
	}
	if n >= r.quorum {
		return true, nil
	}
	if len(errs) > 0 && len(r.locks)-len(errs) < r.quorum {
		return false, r.quorumError(errors.Join(errs...))
	}
	return false, nil
}

// holders returns the owners holding the lock on a quorum of nodes.
func (r *RedLock) holders(ctx context.Context) (map[string]struct{}, error) {
	votes := make(map[string]int)
	var errs []error
	for _, l := range r.locks {
		set, err := l.holders(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.Name(), err))
			continue
		}
		for o := range set {
			votes[o]++
		}
	}
	out := make(map[string]struct{})
	for o, n := range votes {
		if n >= r.quorum {
			out[o] = struct{}{}
		}
	}
	if len(out) == 0 && len(errs) > 0 && len(r.locks)-len(errs) < r.quorum {
		return nil, r.quorumError(errors.Join(errs...))
	}
	return out, nil
}

// IsHeldBy implements Lock.IsHeldBy.
func (r *RedLock) IsHeldBy(ctx context.Context) bool {
	n := 0
	for _, l := range r.locks {
		if l.IsHeldBy(ctx) {
			n++
		}
	}
	return n >= r.quorum
}

func (r *RedLock) abandon(ctx context.Context) {
	for _, l := range r.locks {
		l.abandon(ctx)
	}
}
