package lock

import (
	"fmt"
	"strings"

	"github.com/mirkobrombin/go-dlock/v1/backend"
)

// Discipline selects the locking semantics applied to a key.
type Discipline int

const (
	// Reentrant is an exclusive lock the holder may acquire repeatedly.
	Reentrant Discipline = iota
	// Fair is a reentrant lock granting waiters in arrival order.
	Fair
	// Read is the shared side of a read/write lock.
	Read
	// Write is the exclusive side of a read/write lock.
	Write
)

var disciplineNames = [...]string{"reentrant", "fair", "read", "write"}

func (d Discipline) String() string {
	if d < 0 || int(d) >= len(disciplineNames) {
		return fmt.Sprintf("Discipline(%d)", int(d))
	}
	return disciplineNames[d]
}

// ParseDiscipline parses the name of a discipline, case-insensitively.
func ParseDiscipline(s string) (Discipline, error) {
	for i, n := range disciplineNames {
		if strings.EqualFold(s, n) {
			return Discipline(i), nil
		}
	}
	return Reentrant, fmt.Errorf("dlock: unknown discipline %q", s)
}

func (d Discipline) mode() backend.Mode {
	if d == Read {
		return backend.ModeShared
	}
	return backend.ModeExclusive
}
