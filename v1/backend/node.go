package backend

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidLease is returned when a lease shorter than MinLease is
// provided.
var ErrInvalidLease = errors.New("dlock: lease must be at least one millisecond")

// MinLease is the shortest lease a node accepts. Stores keep expiries at
// millisecond resolution.
const MinLease = time.Millisecond

// Mode is the holding mode of a lock record.
type Mode int

const (
	// ModeExclusive admits a single owner (reentrant, fair and write locks).
	ModeExclusive Mode = iota
	// ModeShared admits any number of owners (read locks).
	ModeShared
)

func (m Mode) String() string {
	if m == ModeShared {
		return "shared"
	}
	return "exclusive"
}

// Request describes a single acquisition attempt against a node.
type Request struct {
	Key   string
	Owner string
	Lease time.Duration
	Mode  Mode
	// Queue enables FIFO queueing when positive. The owner keeps a slot in
	// the key's wait queue that expires after Queue unless refreshed by a
	// later attempt.
	Queue time.Duration
}

// Result is the outcome of an acquisition attempt.
type Result struct {
	Acquired bool
	// TTL is the remaining lease of the current holders when the attempt
	// did not succeed. Zero when unknown.
	TTL time.Duration
}

// Release is the outcome of a release.
type Release struct {
	// Owned reports whether the caller held the record.
	Owned bool
	// Freed reports whether the record was deleted.
	Freed bool
	// Downgraded reports that the last exclusive hold went away while
	// nested shared holds kept the record, which is now shared.
	Downgraded bool
}

// Record is a read-only snapshot of a lock record.
type Record struct {
	Key  string
	Mode Mode
	// Holders maps every owner to its total hold count.
	Holders map[string]int
	// Writers maps the exclusive holder to the exclusive part of its count;
	// the rest are read holds nested inside it.
	Writers map[string]int
	TTL     time.Duration
	Queue   []string
}

// Node is a client of one coordination store endpoint. Every method is a
// single atomic step against the store.
type Node interface {
	// Name identifies the node, used for ordering and logging.
	Name() string
	// Acquire creates the record, re-enters it for an existing owner or
	// joins a shared record. It has no side effects on failure other than
	// fair queue bookkeeping.
	Acquire(ctx context.Context, req Request) (Result, error)
	// Renew extends the record's expiry if owner still holds it.
	Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error)
	// Release drops one hold of owner taken in mode, deleting the record
	// when no holder remains. Dropping the last exclusive hold of an owner
	// that still has nested shared holds turns the record shared. A release
	// by a caller without a hold in mode is a no-op.
	Release(ctx context.Context, key, owner string, mode Mode) (Release, error)
	// Leave removes owner from the key's wait queue.
	Leave(ctx context.Context, key, owner string) error
	// Inspect returns the current record. The boolean is false when the key
	// is not locked.
	Inspect(ctx context.Context, key string) (Record, bool, error)
}
