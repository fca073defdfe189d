package lock

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/go-dlock/v1/metrics"
)

// watchdog renews a lease held until unlock.
type watchdog struct {
	stopCh chan struct{}
	once   sync.Once
}

func (w *watchdog) halt() {
	w.once.Do(func() { close(w.stopCh) })
}

// startWatchdog renews owner's record every third of the watchdog timeout
// until halted or until the store reports the record lost. Callers hold
// h.mu.
func (h *Handle) startWatchdog(owner string) *watchdog {
	w := &watchdog{stopCh: make(chan struct{})}
	lease := h.cfg.WatchdogTimeout
	interval := lease / 3
	if interval <= 0 {
		interval = lease
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				ok, err := h.node.Renew(ctx, h.key, owner, lease)
				cancel()
				switch {
				case err != nil:
					metrics.RenewCounter.WithLabelValues("error").Inc()
					h.cfg.Logger.Warn("dlock: lease renewal failed", "key", h.key, "owner", owner, "error", err)
				case !ok:
					metrics.RenewCounter.WithLabelValues("lost").Inc()
					h.cfg.Logger.Warn("dlock: lock lost before renewal", "key", h.key, "owner", owner)
					h.forget(owner, w)
					return
				default:
					metrics.RenewCounter.WithLabelValues("renewed").Inc()
				}
			case <-w.stopCh:
				return
			}
		}
	}()
	return w
}
