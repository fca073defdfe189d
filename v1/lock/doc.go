// Package lock implements distributed locks on top of a backend.Node.
//
// A Manager resolves a key and a Discipline to a Handle:
//
//   - Reentrant: exclusive, re-enterable by the same owner.
//   - Fair: exclusive, waiters are served in arrival order.
//   - Read / Write: shared readers or a single writer on the same key.
//
// Handles can be combined into a MultiLock, which succeeds only when every
// constituent is acquired, or a RedLock, which succeeds when a strict
// majority of independent nodes is acquired within the lease's validity.
//
// Ownership is carried by the context: WithOwner attaches a caller identity
// and contexts without one act on behalf of the whole process. Release
// notifications travel over a syncbus.Bus so blocked waiters retry as soon
// as a lock is freed.
package lock
