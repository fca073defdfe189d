package backend_test

import (
	"testing"
	"time"

	"github.com/mirkobrombin/go-dlock/v1/backend"
	"github.com/mirkobrombin/go-dlock/v1/backend/nodetest"
)

func TestMemoryNode(t *testing.T) {
	nodetest.Run(t, "Memory", func(t *testing.T) (backend.Node, func(time.Duration)) {
		return backend.NewMemory("mem"), time.Sleep
	})
}

func TestMemoryNodeName(t *testing.T) {
	if n := backend.NewMemory(""); n.Name() != "memory" {
		t.Fatalf("expected default name, got %q", n.Name())
	}
}
