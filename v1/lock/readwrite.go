package lock

import (
	"github.com/mirkobrombin/go-dlock/v1/backend"
)

// ReadWrite pairs the read and write handles of one key. Any number of
// owners may hold the read lock while nobody holds the write lock. The
// write holder may also take read holds; a read holder asking for the write
// lock fails with errors.ErrUpgrade.
type ReadWrite struct {
	read  *Handle
	write *Handle
}

func newReadWrite(key string, node backend.Node, cfg *Config) *ReadWrite {
	rw := &ReadWrite{
		read:  newHandle(key, Read, node, cfg),
		write: newHandle(key, Write, node, cfg),
	}
	rw.read.rw = rw
	rw.write.rw = rw
	return rw
}

// ReadLock returns the shared handle.
func (rw *ReadWrite) ReadLock() *Handle { return rw.read }

// WriteLock returns the exclusive handle.
func (rw *ReadWrite) WriteLock() *Handle { return rw.write }

func (rw *ReadWrite) sibling(h *Handle) *Handle {
	if h == rw.read {
		return rw.write
	}
	return rw.read
}
