package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Acquisition results.
const (
	ResultAcquired = "acquired"
	ResultBusy     = "busy"
	ResultTimeout  = "timeout"
	ResultError    = "error"
)

var (
	// AcquireCounter counts acquisition attempts by discipline and result.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_acquire_total",
		Help: "Total number of lock acquisitions by discipline and result",
	}, []string{"discipline", "result"})
	// ReleaseCounter counts releases; owned is false for no-op releases by
	// callers that did not hold the lock.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_release_total",
		Help: "Total number of lock releases by discipline",
	}, []string{"discipline", "owned"})
	// RenewCounter counts watchdog renewals by outcome.
	RenewCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_renew_total",
		Help: "Total number of lease renewals by outcome",
	}, []string{"outcome"})
	// WaitHistogram tracks how long blocking acquisitions waited.
	WaitHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dlock_wait_seconds",
		Help:    "Time spent waiting for a lock",
		Buckets: prometheus.DefBuckets,
	}, []string{"discipline"})
	// HeldGauge reports the number of locks held by this process.
	HeldGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dlock_held",
		Help: "Current number of locks held by this process",
	}, []string{"discipline"})
	// QuorumCounter counts red lock rounds by outcome.
	QuorumCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_redlock_rounds_total",
		Help: "Total number of red lock acquisition rounds by outcome",
	}, []string{"outcome"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, RenewCounter, WaitHistogram, HeldGauge, QuorumCounter)
}

// ObserveAcquire records the outcome of an acquisition that started at start.
func ObserveAcquire(discipline, result string, start time.Time) {
	AcquireCounter.WithLabelValues(discipline, result).Inc()
	WaitHistogram.WithLabelValues(discipline).Observe(time.Since(start).Seconds())
}
