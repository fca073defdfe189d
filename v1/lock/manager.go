package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-dlock/v1/backend"
	dlerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

type handleKey struct {
	key  string
	disc Discipline
}

// Manager hands out lock handles bound to one node and one configuration.
// Handles are cached: every call for the same key and discipline returns the
// same handle, so local hold counts stay consistent.
type Manager struct {
	node backend.Node
	cfg  Config

	handles *xsync.MapOf[handleKey, *Handle]
	rws     *xsync.MapOf[string, *ReadWrite]
	closed  atomic.Bool
}

// NewManager returns a manager acquiring locks on node.
func NewManager(node backend.Node, opts ...Option) *Manager {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	cfg.normalize()
	return &Manager{
		node:    node,
		cfg:     cfg,
		handles: xsync.NewMapOf[handleKey, *Handle](),
		rws:     xsync.NewMapOf[string, *ReadWrite](),
	}
}

// Node returns the node the manager acquires locks on.
func (m *Manager) Node() backend.Node { return m.node }

// Config returns a copy of the manager configuration.
func (m *Manager) Config() Config { return m.cfg }

// GetLock returns the handle for key under discipline d.
func (m *Manager) GetLock(key string, d Discipline) *Handle {
	switch d {
	case Read:
		return m.ReadWrite(key).read
	case Write:
		return m.ReadWrite(key).write
	}
	h, _ := m.handles.LoadOrCompute(handleKey{key, d}, func() *Handle {
		return newHandle(key, d, m.node, &m.cfg)
	})
	return h
}

// ReadWrite returns the read/write pair for key.
func (m *Manager) ReadWrite(key string) *ReadWrite {
	rw, _ := m.rws.LoadOrCompute(key, func() *ReadWrite {
		return newReadWrite(key, m.node, &m.cfg)
	})
	return rw
}

// MultiLock groups locks into an all-or-nothing lock.
func (m *Manager) MultiLock(locks ...Lock) *MultiLock {
	ml := NewMultiLock(locks...)
	ml.retry = m.cfg.RetryInterval
	return ml
}

// RedLock groups locks living on independent nodes into a quorum lock
// sharing the manager configuration.
func (m *Manager) RedLock(locks ...Lock) *RedLock {
	return newRedLock(&m.cfg, locks)
}

func (m *Manager) span(ctx context.Context, op, key string, d Discipline) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Manager."+op, trace.WithAttributes(
		attribute.String("dlock.key", key),
		attribute.String("dlock.discipline", d.String()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Lock blocks until the caller holds key under discipline d. The caller is
// the owner carried by ctx; see OwnerFrom for contexts without one.
func (m *Manager) Lock(ctx context.Context, key string, d Discipline, lease time.Duration) (err error) {
	ctx, span := m.span(ctx, "Lock", key, d)
	defer func() { endSpan(span, err) }()
	if m.closed.Load() {
		return dlerrors.ErrConnectionClosed
	}
	return m.GetLock(key, d).Lock(ctx, lease)
}

// TryLock tries to acquire key under discipline d within wait.
func (m *Manager) TryLock(ctx context.Context, key string, d Discipline, wait, lease time.Duration) (ok bool, err error) {
	ctx, span := m.span(ctx, "TryLock", key, d)
	defer func() {
		span.SetAttributes(attribute.Bool("dlock.acquired", ok))
		endSpan(span, err)
	}()
	if m.closed.Load() {
		return false, dlerrors.ErrConnectionClosed
	}
	return m.GetLock(key, d).TryLock(ctx, wait, lease)
}

// Unlock releases one hold of the caller. It does nothing when the caller
// does not hold key under d.
func (m *Manager) Unlock(ctx context.Context, key string, d Discipline) (err error) {
	if !m.IsHeldByCaller(ctx, key, d) {
		m.cfg.Logger.Debug("dlock: unlock by non-holder ignored", "key", key, "discipline", d.String(), "owner", OwnerFrom(ctx))
		return nil
	}
	ctx, span := m.span(ctx, "Unlock", key, d)
	defer func() { endSpan(span, err) }()
	return m.GetLock(key, d).Unlock(ctx)
}

// IsLocked reports whether anyone holds key.
func (m *Manager) IsLocked(ctx context.Context, key string, d Discipline) (bool, error) {
	return m.GetLock(key, d).IsLocked(ctx)
}

// IsHeldByCaller reports whether the caller in ctx holds key under d.
func (m *Manager) IsHeldByCaller(ctx context.Context, key string, d Discipline) bool {
	var h *Handle
	switch d {
	case Read, Write:
		rw, ok := m.rws.Load(key)
		if !ok {
			return false
		}
		h = rw.read
		if d == Write {
			h = rw.write
		}
	default:
		var ok bool
		if h, ok = m.handles.Load(handleKey{key, d}); !ok {
			return false
		}
	}
	return h.IsHeldBy(ctx)
}

// Close stops every watchdog without releasing the locks, which then expire
// on their own. Further Lock and TryLock calls fail with
// errors.ErrConnectionClosed.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.handles.Range(func(_ handleKey, h *Handle) bool {
		h.stop()
		return true
	})
	m.rws.Range(func(_ string, rw *ReadWrite) bool {
		rw.read.stop()
		rw.write.stop()
		return true
	})
}
