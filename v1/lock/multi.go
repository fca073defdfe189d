package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	dlerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

// MultiLock holds a set of locks together: acquiring it acquires every
// constituent or none. Constituents are taken in name order so two multi
// locks over overlapping sets cannot deadlock each other.
type MultiLock struct {
	locks []Lock
	name  string
	retry time.Duration
}

// NewMultiLock groups locks into a single all-or-nothing lock.
func NewMultiLock(locks ...Lock) *MultiLock {
	sorted := slices.Clone(locks)
	slices.SortStableFunc(sorted, func(a, b Lock) int {
		return strings.Compare(a.Name(), b.Name())
	})
	names := make([]string, len(sorted))
	for i, l := range sorted {
		names[i] = l.Name()
	}
	return &MultiLock{
		locks: sorted,
		name:  "multi(" + strings.Join(names, ",") + ")",
		retry: DefaultConfig().RetryInterval,
	}
}

// Name implements Lock.Name.
func (m *MultiLock) Name() string { return m.name }

// Locks returns the constituents in acquisition order.
func (m *MultiLock) Locks() []Lock { return slices.Clone(m.locks) }

// Lock implements Lock.Lock. It makes bounded passes over the constituents,
// releasing everything between passes, until one pass acquires them all.
func (m *MultiLock) Lock(ctx context.Context, lease time.Duration) error {
	pass := m.retry * time.Duration(max(len(m.locks), 1))
	for {
		ok, err := m.TryLock(ctx, pass, lease)
		if ok {
			return nil
		}
		if err == nil {
			err = sleep(ctx, jitter(m.retry))
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, dlerrors.ErrAcquireTimeout) {
				return fmt.Errorf("%w: %s: %w", dlerrors.ErrAcquireTimeout, m.name, err)
			}
			return err
		}
	}
}

// TryLock implements Lock.TryLock. The wait budget is shared by all
// constituents.
func (m *MultiLock) TryLock(ctx context.Context, wait, lease time.Duration) (bool, error) {
	if wait < 0 {
		wait = 0
	}
	deadline := time.Now().Add(wait)
	for i, l := range m.locks {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		ok, err := l.TryLock(ctx, remaining, lease)
		if err != nil || !ok {
			m.rollback(ctx, m.locks[:i])
			return false, err
		}
	}
	return true, nil
}

// rollback releases the constituents acquired by a failed attempt.
func (m *MultiLock) rollback(ctx context.Context, acquired []Lock) {
	cctx := context.WithoutCancel(ctx)
	for i := len(acquired) - 1; i >= 0; i-- {
		if err := acquired[i].Unlock(cctx); err != nil {
			acquired[i].abandon(cctx)
		}
	}
}

// Unlock implements Lock.Unlock. Every constituent is released even if some
// of them fail.
func (m *MultiLock) Unlock(ctx context.Context) error {
	var errs []error
	for i := len(m.locks) - 1; i >= 0; i-- {
		if err := m.locks[i].Unlock(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.locks[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// IsLocked implements Lock.IsLocked. It reports true only when one owner
// holds every constituent; constituents locked by different owners do not
// make the multi lock held.
func (m *MultiLock) IsLocked(ctx context.Context) (bool, error) {
	common, err := m.holders(ctx)
	return len(common) > 0, err
}

// holders returns the owners holding every constituent.
func (m *MultiLock) holders(ctx context.Context) (map[string]struct{}, error) {
	var common map[string]struct{}
	for i, l := range m.locks {
		set, err := l.holders(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.Name(), err)
		}
		if i == 0 {
			common = set
			continue
		}
		for o := range common {
			if _, ok := set[o]; !ok {
				delete(common, o)
			}
		}
		if len(common) == 0 {
			return nil, nil
		}
	}
	return common, nil
}

// IsHeldBy implements Lock.IsHeldBy.
func (m *MultiLock) IsHeldBy(ctx context.Context) bool {
	for _, l := range m.locks {
		if !l.IsHeldBy(ctx) {
			return false
		}
	}
	return len(m.locks) > 0
}

func (m *MultiLock) abandon(ctx context.Context) {
	for _, l := range m.locks {
		l.abandon(ctx)
	}
}
