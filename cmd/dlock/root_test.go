package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-dlock/v1/lock"
	"github.com/mirkobrombin/go-dlock/v1/presets"
)

func TestExitCode(t *testing.T) {
	if exitCode(errNotAcquired) != 3 {
		t.Fatal("busy lock should exit with 3")
	}
	if exitCode(fmt.Errorf("wrapped: %w", errors.New("boom"))) != 1 {
		t.Fatal("generic failures should exit with 1")
	}
	err := exec.Command("sh", "-c", "exit 7").Run()
	if exitCode(err) != 7 {
		t.Fatalf("expected command status 7, got %d", exitCode(err))
	}
}

func TestStatus(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	m := presets.NewRedis(presets.RedisOptions{Addr: mr.Addr()})
	defer m.Close()
	ctx := lock.WithOwner(context.Background(), "worker")
	if err := m.Lock(ctx, "job", lock.Reentrant, time.Minute); err != nil {
		t.Fatalf("lock: %v", err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"status", "job", "--endpoints", mr.Addr()})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "job: exclusive") || !strings.Contains(out.String(), lock.OwnerFrom(ctx)+" x1") {
		t.Fatalf("unexpected status output:\n%s", out.String())
	}
}
