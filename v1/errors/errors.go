package errors

import "errors"

var (
	// ErrTimeout wraps a release bus operation that ran out of time.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionClosed is returned by a closed Manager and wraps bus
	// operations on a closed broker connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrAcquireTimeout is returned when the wait budget is exhausted without
	// obtaining the lock. Nothing is held when it is returned.
	ErrAcquireTimeout = errors.New("dlock: acquire timeout")
	// ErrNotOwner reports an unlock or renew by a caller that does not hold
	// the lock. Callers log it and move on.
	ErrNotOwner = errors.New("dlock: not lock owner")
	// ErrQuorumNotAchieved is returned by the red lock when a majority could
	// not be reached within the validity window.
	ErrQuorumNotAchieved = errors.New("dlock: quorum not achieved")
	// ErrBackendUnavailable wraps transport failures of a coordination node.
	ErrBackendUnavailable = errors.New("dlock: backend unavailable")
	// ErrUpgrade is returned when a read holder asks for the write lock.
	ErrUpgrade = errors.New("dlock: read lock cannot be upgraded to write lock")
	// ErrOwnerRequired is returned by managers built with WithRequireOwner
	// when the context carries no owner.
	ErrOwnerRequired = errors.New("dlock: context carries no owner")
)
