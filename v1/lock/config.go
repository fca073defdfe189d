package lock

import (
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-dlock/v1/syncbus"
)

// Config holds the tunables shared by handles and composites.
type Config struct {
	// WatchdogTimeout is the lease used when a caller asks to hold a lock
	// until it is unlocked. A watchdog renews it every third of its value.
	WatchdogTimeout time.Duration
	// RetryInterval bounds the pause between acquisition attempts of a
	// waiting caller. It is further capped at a third of the lease.
	RetryInterval time.Duration
	// FairWaitTimeout is how long a fair waiter keeps its queue slot
	// without refreshing it. Stale slots of crashed waiters are dropped.
	FairWaitTimeout time.Duration
	// NodeTimeout bounds a single red lock attempt on one node.
	NodeTimeout time.Duration
	// ClockDrift is the drift budget subtracted from a red lock's validity.
	// When zero it is derived from ClockDriftFactor.
	ClockDrift time.Duration
	// ClockDriftFactor is the fraction of the lease assumed lost to clock
	// skew between nodes, plus two milliseconds.
	ClockDriftFactor float64
	// RequireOwner rejects acquisitions, unlocks and renewals through a
	// context without an owner instead of acting for the whole process.
	RequireOwner bool

	Logger *slog.Logger
	Bus    syncbus.Bus
}

// DefaultConfig returns the configuration used by NewManager.
func DefaultConfig() Config {
	return Config{
		WatchdogTimeout:  30 * time.Second,
		RetryInterval:    100 * time.Millisecond,
		FairWaitTimeout:  5 * time.Second,
		NodeTimeout:      50 * time.Millisecond,
		ClockDriftFactor: 0.01,
	}
}

// Option configures a Manager.
type Option func(*Config)

// WithBus sets the bus used to propagate release notifications.
func WithBus(bus syncbus.Bus) Option {
	return func(c *Config) { c.Bus = bus }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithWatchdogTimeout sets the lease used for locks held until unlocked.
func WithWatchdogTimeout(d time.Duration) Option {
	return func(c *Config) { c.WatchdogTimeout = d }
}

// WithRetryInterval sets the maximum pause between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Config) { c.RetryInterval = d }
}

// WithFairWaitTimeout sets the fair queue slot timeout.
func WithFairWaitTimeout(d time.Duration) Option {
	return func(c *Config) { c.FairWaitTimeout = d }
}

// WithNodeTimeout sets the per-node timeout of red lock attempts.
func WithNodeTimeout(d time.Duration) Option {
	return func(c *Config) { c.NodeTimeout = d }
}

// WithClockDrift sets a fixed clock drift budget for red locks.
func WithClockDrift(d time.Duration) Option {
	return func(c *Config) { c.ClockDrift = d }
}

// WithClockDriftFactor sets the drift budget as a fraction of the lease.
func WithClockDriftFactor(f float64) Option {
	return func(c *Config) { c.ClockDriftFactor = f }
}

// WithRequireOwner makes handles fail with errors.ErrOwnerRequired when
// the context was not built with WithOwner or WithNewOwner.
func WithRequireOwner() Option {
	return func(c *Config) { c.RequireOwner = true }
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = def.WatchdogTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.FairWaitTimeout <= 0 {
		c.FairWaitTimeout = def.FairWaitTimeout
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = def.NodeTimeout
	}
	if c.ClockDriftFactor < 0 {
		c.ClockDriftFactor = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Bus == nil {
		c.Bus = syncbus.NewInMemoryBus()
	}
}

// drift returns the clock drift budget for lease.
func (c *Config) drift(lease time.Duration) time.Duration {
	if c.ClockDrift > 0 {
		return c.ClockDrift
	}
	return time.Duration(float64(lease)*c.ClockDriftFactor) + 2*time.Millisecond
}
