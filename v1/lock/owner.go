package lock

import (
	"context"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
	hcuuid "github.com/hashicorp/go-uuid"
)

type ownerKey struct{}

// processID identifies this process instance in every owner token.
var processID = sync.OnceValue(func() string {
	id, err := hcuuid.GenerateUUID()
	if err != nil {
		id = uuid.NewString()
	}
	return id + ":" + strconv.Itoa(os.Getpid())
})

// ProcessID returns the identity of the running process.
func ProcessID() string { return processID() }

// WithOwner returns a context acting on behalf of the named caller. Two
// contexts carrying the same name are the same owner: locks taken through
// one can be re-entered and released through the other.
func WithOwner(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ownerKey{}, processID()+":"+name)
}

// WithNewOwner returns a context carrying a fresh, unique owner.
func WithNewOwner(ctx context.Context) context.Context {
	return WithOwner(ctx, uuid.NewString())
}

// OwnerFrom returns the owner token carried by ctx. Contexts without an
// owner act for the whole process: every goroutine using such a context is
// the same owner, so they re-enter each other's locks instead of excluding
// each other. Use WithNewOwner per worker, or WithRequireOwner to reject
// such contexts.
func OwnerFrom(ctx context.Context) string {
	o, _ := ownerOf(ctx)
	return o
}

func ownerOf(ctx context.Context) (string, bool) {
	if o, ok := ctx.Value(ownerKey{}).(string); ok {
		return o, true
	}
	return processID() + ":process", false
}
