// Package backend contains the coordination store clients used by the lock
// package. A Node exposes the atomic acquire, renew and release primitives
// for one store endpoint. Memory keeps records in process and Redis stores
// them in a Redis hash driven by Lua scripts, so that no primitive needs a
// check-then-act sequence spanning two round trips.
package backend
