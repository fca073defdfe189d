package lock

import (
	"context"
	"encoding/base64"
	"errors"
	"math/rand/v2"
	"time"

	dlerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

// Lock is implemented by handles and composite locks. The caller identity
// is taken from the context, see WithOwner.
type Lock interface {
	// Name identifies the lock. Composites order constituents by name.
	Name() string
	// Lock blocks until the lock is acquired or ctx is done. A lease of
	// zero or less holds the lock until Unlock, renewing it in the
	// background; a positive lease lets it expire unattended.
	Lock(ctx context.Context, lease time.Duration) error
	// TryLock attempts to acquire the lock, waiting at most wait. A zero
	// wait makes a single attempt. It reports false with a nil error when
	// the lock stayed busy.
	TryLock(ctx context.Context, wait, lease time.Duration) (bool, error)
	// Unlock releases one hold of the caller. Unlocking a lock the caller
	// does not hold is a no-op.
	Unlock(ctx context.Context) error
	// IsLocked reports whether anyone holds the lock.
	IsLocked(ctx context.Context) (bool, error)
	// IsHeldBy reports whether the caller in ctx holds the lock.
	IsHeldBy(ctx context.Context) bool

	// abandon releases whatever the store may hold for the caller after an
	// attempt that failed without a clear outcome.
	abandon(ctx context.Context)
	// holders returns the owners currently holding the lock.
	holders(ctx context.Context) (map[string]struct{}, error)
}

// releaseTopic encodes the key so that any key yields a single, valid
// subject token on every bus. No encoded key is a lone underscore.
func releaseTopic(key string) string {
	token := base64.RawURLEncoding.EncodeToString([]byte(key))
	if token == "" {
		token = "_"
	}
	return "dlock.release." + token
}

// permanent reports errors that no retry can overcome.
func permanent(err error) bool {
	return errors.Is(err, dlerrors.ErrUpgrade) || errors.Is(err, dlerrors.ErrOwnerRequired)
}

// jitter spreads retries of competing waiters.
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	return d/2 + rand.N(d/2)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
