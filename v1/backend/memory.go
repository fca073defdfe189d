package backend

import (
	"context"
	"sync"
	"time"

	dlerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

type record struct {
	mode    Mode
	holders map[string]int
	// writes holds the exclusive part of each holder's count.
	writes map[string]int
	expiry time.Time
}

type waiter struct {
	owner    string
	deadline time.Time
}

// Memory implements Node in process memory. It is the store for single
// process deployments and for tests; its mutex plays the role of the
// store's own atomicity.
type Memory struct {
	name string

	mu      sync.Mutex
	records map[string]*record
	queues  map[string][]waiter
}

// NewMemory returns an empty in-memory node.
func NewMemory(name string) *Memory {
	if name == "" {
		name = "memory"
	}
	return &Memory{
		name:    name,
		records: make(map[string]*record),
		queues:  make(map[string][]waiter),
	}
}

// Name implements Node.Name.
func (m *Memory) Name() string { return m.name }

// live returns the record for key, dropping it if expired. Callers hold mu.
func (m *Memory) live(key string, now time.Time) *record {
	r, ok := m.records[key]
	if !ok {
		return nil
	}
	if !now.Before(r.expiry) {
		delete(m.records, key)
		return nil
	}
	return r
}

func (m *Memory) pruneQueue(key string, now time.Time) {
	q := m.queues[key]
	kept := q[:0]
	for _, w := range q {
		if now.Before(w.deadline) {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		delete(m.queues, key)
		return
	}
	m.queues[key] = kept
}

func (m *Memory) headOK(req Request) bool {
	if req.Queue <= 0 {
		return true
	}
	q := m.queues[req.Key]
	return len(q) == 0 || q[0].owner == req.Owner
}

func (m *Memory) enqueue(req Request, now time.Time) {
	q := m.queues[req.Key]
	for i := range q {
		if q[i].owner == req.Owner {
			q[i].deadline = now.Add(req.Queue)
			return
		}
	}
	m.queues[req.Key] = append(q, waiter{owner: req.Owner, deadline: now.Add(req.Queue)})
}

func (m *Memory) dequeue(key, owner string) {
	q := m.queues[key]
	for i, w := range q {
		if w.owner == owner {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(m.queues, key)
		return
	}
	m.queues[key] = q
}

func extend(r *record, now time.Time, lease time.Duration) {
	if exp := now.Add(lease); exp.After(r.expiry) {
		r.expiry = exp
	}
}

// Acquire implements Node.Acquire.
func (m *Memory) Acquire(ctx context.Context, req Request) (Result, error) {
	if req.Lease < MinLease {
		return Result{}, ErrInvalidLease
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Queue > 0 {
		m.pruneQueue(req.Key, now)
	}
	blocked := func(r *record) (Result, error) {
		if req.Queue > 0 {
			m.enqueue(req, now)
		}
		var ttl time.Duration
		if r != nil {
			ttl = r.expiry.Sub(now)
		}
		return Result{TTL: ttl}, nil
	}

	r := m.live(req.Key, now)
	if r != nil {
		if r.holders[req.Owner] > 0 {
			if req.Mode == ModeExclusive {
				if r.mode == ModeShared {
					return Result{}, dlerrors.ErrUpgrade
				}
				r.writes[req.Owner]++
			}
			r.holders[req.Owner]++
			extend(r, now, req.Lease)
			m.dequeue(req.Key, req.Owner)
			return Result{Acquired: true}, nil
		}
		if r.mode == ModeShared && req.Mode == ModeShared && m.headOK(req) {
			r.holders[req.Owner] = 1
			extend(r, now, req.Lease)
			m.dequeue(req.Key, req.Owner)
			return Result{Acquired: true}, nil
		}
		return blocked(r)
	}
	if !m.headOK(req) {
		return blocked(nil)
	}
	r = &record{
		mode:    req.Mode,
		holders: map[string]int{req.Owner: 1},
		writes:  make(map[string]int),
		expiry:  now.Add(req.Lease),
	}
	if req.Mode == ModeExclusive {
		r.writes[req.Owner] = 1
	}
	m.records[req.Key] = r
	m.dequeue(req.Key, req.Owner)
	return Result{Acquired: true}, nil
}

// Renew implements Node.Renew.
func (m *Memory) Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	if lease < MinLease {
		return false, ErrInvalidLease
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.live(key, now)
	if r == nil || r.holders[owner] == 0 {
		return false, nil
	}
	if r.mode == ModeShared {
		extend(r, now, lease)
	} else {
		r.expiry = now.Add(lease)
	}
	return true, nil
}

// Release implements Node.Release.
func (m *Memory) Release(ctx context.Context, key, owner string, mode Mode) (Release, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.live(key, now)
	if r == nil {
		return Release{}, nil
	}
	w := r.writes[owner]
	switch {
	case mode == ModeExclusive && w == 0:
		return Release{}, nil
	case mode == ModeShared && r.holders[owner]-w == 0:
		return Release{}, nil
	}
	var downgraded bool
	if mode == ModeExclusive {
		if w == 1 {
			delete(r.writes, owner)
			r.mode = ModeShared
			downgraded = true
		} else {
			r.writes[owner] = w - 1
		}
	}
	r.holders[owner]--
	if r.holders[owner] > 0 {
		return Release{Owned: true, Downgraded: downgraded}, nil
	}
	delete(r.holders, owner)
	if len(r.holders) > 0 {
		return Release{Owned: true}, nil
	}
	delete(m.records, key)
	return Release{Owned: true, Freed: true}, nil
}

// Leave implements Node.Leave.
func (m *Memory) Leave(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	m.dequeue(key, owner)
	m.mu.Unlock()
	return nil
}

// Inspect implements Node.Inspect.
func (m *Memory) Inspect(ctx context.Context, key string) (Record, bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneQueue(key, now)
	var queue []string
	for _, w := range m.queues[key] {
		queue = append(queue, w.owner)
	}
	r := m.live(key, now)
	if r == nil {
		return Record{Key: key, Queue: queue}, false, nil
	}
	holders := make(map[string]int, len(r.holders))
	for o, n := range r.holders {
		holders[o] = n
	}
	writers := make(map[string]int, len(r.writes))
	for o, n := range r.writes {
		writers[o] = n
	}
	return Record{
		Key:     key,
		Mode:    r.mode,
		Holders: holders,
		Writers: writers,
		TTL:     r.expiry.Sub(now),
		Queue:   queue,
	}, true, nil
}
