package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterLockMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterLockMetrics(reg)
	ObserveAcquire("reentrant", ResultAcquired, time.Now())
	ReleaseCounter.WithLabelValues("reentrant", "true").Inc()
	RenewCounter.WithLabelValues("renewed").Inc()
	HeldGauge.WithLabelValues("reentrant").Set(1)
	QuorumCounter.WithLabelValues("achieved").Inc()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 6 {
		t.Fatalf("expected 6 metric families, got %d", len(mfs))
	}
	if got := testutil.ToFloat64(AcquireCounter.WithLabelValues("reentrant", ResultAcquired)); got < 1 {
		t.Fatalf("expected acquire counter incremented, got %v", got)
	}
}

func TestRegisterLockMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterLockMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterLockMetrics(reg)
}
