package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mirkobrombin/go-dlock/v1/backend"
	dlerrors "github.com/mirkobrombin/go-dlock/v1/errors"
	"github.com/mirkobrombin/go-dlock/v1/metrics"
)

type hold struct {
	count int
	wd    *watchdog
}

// Handle is the client side of one key under one discipline. It keeps the
// local hold count of every owner that acquired it through this handle;
// the store stays the only arbiter of who holds the key.
type Handle struct {
	key  string
	disc Discipline
	node backend.Node
	cfg  *Config
	// rw links the read and write handles of one key.
	rw *ReadWrite

	mu    sync.Mutex
	holds map[string]*hold
}

func newHandle(key string, d Discipline, node backend.Node, cfg *Config) *Handle {
	return &Handle{
		key:   key,
		disc:  d,
		node:  node,
		cfg:   cfg,
		holds: make(map[string]*hold),
	}
}

// Name implements Lock.Name.
func (h *Handle) Name() string {
	return h.node.Name() + "/" + h.disc.String() + "/" + h.key
}

// Key returns the protected key.
func (h *Handle) Key() string { return h.key }

// Discipline returns the handle's discipline.
func (h *Handle) Discipline() Discipline { return h.disc }

// caller returns the owner carried by ctx.
func (h *Handle) caller(ctx context.Context) (string, error) {
	owner, ok := ownerOf(ctx)
	if !ok && h.cfg.RequireOwner {
		return "", fmt.Errorf("%w: %s", dlerrors.ErrOwnerRequired, h.Name())
	}
	return owner, nil
}

// HoldCount returns the number of unmatched acquisitions of the caller.
func (h *Handle) HoldCount(ctx context.Context) int {
	return h.holdCount(OwnerFrom(ctx))
}

func (h *Handle) holdCount(owner string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hd := h.holds[owner]; hd != nil {
		return hd.count
	}
	return 0
}

// IsHeldBy implements Lock.IsHeldBy.
func (h *Handle) IsHeldBy(ctx context.Context) bool {
	return h.HoldCount(ctx) > 0
}

// IsLocked implements Lock.IsLocked.
func (h *Handle) IsLocked(ctx context.Context) (bool, error) {
	_, ok, err := h.node.Inspect(ctx, h.key)
	return ok, err
}

func (h *Handle) holders(ctx context.Context) (map[string]struct{}, error) {
	rec, ok, err := h.node.Inspect(ctx, h.key)
	if err != nil || !ok {
		return nil, err
	}
	set := make(map[string]struct{}, len(rec.Holders))
	for o := range rec.Holders {
		set[o] = struct{}{}
	}
	return set, nil
}

func (h *Handle) request(owner string, lease time.Duration) backend.Request {
	if lease <= 0 {
		lease = h.cfg.WatchdogTimeout
	}
	req := backend.Request{Key: h.key, Owner: owner, Lease: lease, Mode: h.disc.mode()}
	if h.disc == Fair {
		req.Queue = h.cfg.FairWaitTimeout
	}
	return req
}

// attempt performs one acquisition against the store and records a success
// locally.
func (h *Handle) attempt(ctx context.Context, owner string, lease time.Duration) (backend.Result, error) {
	if h.disc == Write && h.rw != nil && h.rw.read.holdCount(owner) > 0 && h.holdCount(owner) == 0 {
		return backend.Result{}, dlerrors.ErrUpgrade
	}
	res, err := h.node.Acquire(ctx, h.request(owner, lease))
	if err != nil || !res.Acquired {
		return res, err
	}
	h.mu.Lock()
	hd := h.holds[owner]
	if hd == nil {
		hd = &hold{}
		h.holds[owner] = hd
		metrics.HeldGauge.WithLabelValues(h.disc.String()).Inc()
	}
	hd.count++
	if lease <= 0 && hd.wd == nil {
		hd.wd = h.startWatchdog(owner)
	}
	h.mu.Unlock()
	return res, nil
}

// pollInterval returns the pause before the next attempt given the
// remaining lease of the current holder.
func (h *Handle) pollInterval(lease, ttl time.Duration) time.Duration {
	d := h.cfg.RetryInterval
	if lease <= 0 {
		lease = h.cfg.WatchdogTimeout
	}
	if c := lease / 3; c > 0 && c < d {
		d = c
	}
	if ttl > 0 && ttl < d {
		d = ttl
	}
	if h.disc == Fair {
		if c := h.cfg.FairWaitTimeout / 3; c > 0 && c < d {
			d = c
		}
	}
	return jitter(d)
}

// acquire tries until it succeeds, wait elapses or ctx is done. A negative
// wait never elapses.
func (h *Handle) acquire(ctx context.Context, wait, lease time.Duration) (bool, error) {
	owner, err := h.caller(ctx)
	if err != nil {
		return false, err
	}
	start := time.Now()
	disc := h.disc.String()

	res, err := h.attempt(ctx, owner, lease)
	if err != nil {
		metrics.ObserveAcquire(disc, metrics.ResultError, start)
		h.cleanup(ctx, owner, err)
		return false, err
	}
	if res.Acquired {
		metrics.ObserveAcquire(disc, metrics.ResultAcquired, start)
		return true, nil
	}
	if wait == 0 {
		metrics.ObserveAcquire(disc, metrics.ResultBusy, start)
		h.cleanup(ctx, owner, nil)
		return false, nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	released, err := h.cfg.Bus.Subscribe(subCtx, releaseTopic(h.key))
	if err != nil {
		h.cfg.Logger.Warn("dlock: release subscription failed, polling only", "key", h.key, "error", err)
		released = nil
	}
	var deadline <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		deadline = t.C
	}

	for {
		poll := time.NewTimer(h.pollInterval(lease, res.TTL))
		select {
		case _, ok := <-released:
			if !ok {
				released = nil
			}
		case <-poll.C:
		case <-deadline:
			poll.Stop()
			metrics.ObserveAcquire(disc, metrics.ResultTimeout, start)
			h.cleanup(ctx, owner, nil)
			return false, nil
		case <-ctx.Done():
			poll.Stop()
			metrics.ObserveAcquire(disc, metrics.ResultTimeout, start)
			h.cleanup(ctx, owner, ctx.Err())
			return false, ctx.Err()
		}
		poll.Stop()

		res, err = h.attempt(ctx, owner, lease)
		if err != nil {
			metrics.ObserveAcquire(disc, metrics.ResultError, start)
			h.cleanup(ctx, owner, err)
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, err
		}
		if res.Acquired {
			metrics.ObserveAcquire(disc, metrics.ResultAcquired, start)
			return true, nil
		}
	}
}

// cleanup runs on every failed exit of acquire. Fair waiters give up their
// queue slot; an attempt cut short by a transport error or cancellation may
// have landed on the store and is released again.
func (h *Handle) cleanup(ctx context.Context, owner string, cause error) {
	cctx := context.WithoutCancel(ctx)
	if h.disc == Fair {
		if err := h.node.Leave(cctx, h.key, owner); err != nil {
			h.cfg.Logger.Warn("dlock: leaving fair queue failed", "key", h.key, "owner", owner, "error", err)
		}
	}
	if cause == nil || errors.Is(cause, dlerrors.ErrUpgrade) || errors.Is(cause, backend.ErrInvalidLease) {
		return
	}
	h.abandonOwner(cctx, owner)
}

// abandon implements Lock.abandon.
func (h *Handle) abandon(ctx context.Context) {
	h.abandonOwner(context.WithoutCancel(ctx), OwnerFrom(ctx))
}

// abandonOwner brings the store's count of the owner's holds in this
// handle's mode back to the local count. An attempt that failed with a
// transport error may have been applied anyway, whether or not the owner
// already held the key.
func (h *Handle) abandonOwner(ctx context.Context, owner string) {
	rec, ok, err := h.node.Inspect(ctx, h.key)
	if err != nil {
		h.cfg.Logger.Warn("dlock: abandon inspect failed", "key", h.key, "owner", owner, "error", err)
		return
	}
	if !ok {
		return
	}
	stored := rec.Writers[owner]
	if h.disc.mode() == backend.ModeShared {
		stored = rec.Holders[owner] - rec.Writers[owner]
	}
	for excess := stored - h.holdCount(owner); excess > 0; excess-- {
		rel, err := h.node.Release(ctx, h.key, owner, h.disc.mode())
		if err != nil {
			h.cfg.Logger.Warn("dlock: abandon release failed", "key", h.key, "owner", owner, "error", err)
			return
		}
		if !rel.Owned {
			return
		}
		if rel.Freed || rel.Downgraded {
			h.publishRelease(ctx)
		}
	}
}

// Lock implements Lock.Lock.
func (h *Handle) Lock(ctx context.Context, lease time.Duration) error {
	ok, err := h.acquire(ctx, -1, lease)
	if ok {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %s: %w", dlerrors.ErrAcquireTimeout, h.key, err)
	}
	return err
}

// TryLock implements Lock.TryLock.
func (h *Handle) TryLock(ctx context.Context, wait, lease time.Duration) (bool, error) {
	if wait < 0 {
		wait = 0
	}
	return h.acquire(ctx, wait, lease)
}

// Unlock implements Lock.Unlock.
func (h *Handle) Unlock(ctx context.Context) error {
	owner, err := h.caller(ctx)
	if err != nil {
		return err
	}
	disc := h.disc.String()
	h.mu.Lock()
	hd := h.holds[owner]
	if hd == nil || hd.count == 0 {
		h.mu.Unlock()
		metrics.ReleaseCounter.WithLabelValues(disc, "false").Inc()
		h.cfg.Logger.Debug("dlock: unlock by non-holder ignored", "key", h.key, "owner", owner, "error", dlerrors.ErrNotOwner)
		return nil
	}
	hd.count--
	if hd.count == 0 {
		if hd.wd != nil {
			hd.wd.halt()
		}
		delete(h.holds, owner)
		metrics.HeldGauge.WithLabelValues(disc).Dec()
	}
	h.mu.Unlock()

	rel, err := h.node.Release(ctx, h.key, owner, h.disc.mode())
	if err != nil {
		return err
	}
	metrics.ReleaseCounter.WithLabelValues(disc, "true").Inc()
	if !rel.Owned {
		h.cfg.Logger.Warn("dlock: lock expired before unlock", "key", h.key, "owner", owner)
		return nil
	}
	// a downgraded record admits the readers that were waiting
	if rel.Freed || rel.Downgraded {
		h.publishRelease(ctx)
	}
	return nil
}

// Renew extends the caller's lease. It reports false when the caller no
// longer holds the lock.
func (h *Handle) Renew(ctx context.Context, lease time.Duration) (bool, error) {
	owner, err := h.caller(ctx)
	if err != nil {
		return false, err
	}
	if h.holdCount(owner) == 0 {
		h.cfg.Logger.Debug("dlock: renew by non-holder ignored", "key", h.key, "owner", owner, "error", dlerrors.ErrNotOwner)
		return false, nil
	}
	return h.node.Renew(ctx, h.key, owner, lease)
}

func (h *Handle) publishRelease(ctx context.Context) {
	if err := h.cfg.Bus.Publish(ctx, releaseTopic(h.key)); err != nil {
		h.cfg.Logger.Warn("dlock: release notification failed", "key", h.key, "error", err)
	}
}

// forget drops the caller's local state after the store lost the record.
func (h *Handle) forget(owner string, wd *watchdog) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hd := h.holds[owner]; hd != nil && hd.wd == wd {
		delete(h.holds, owner)
		metrics.HeldGauge.WithLabelValues(h.disc.String()).Dec()
	}
}

// stop halts every watchdog of the handle without releasing anything.
func (h *Handle) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, hd := range h.holds {
		if hd.wd != nil {
			hd.wd.halt()
			hd.wd = nil
		}
	}
}
