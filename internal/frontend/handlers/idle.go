package handlers

import (
	"sync"
	"sync/atomic"
	"time"
)

// IdleMonitorConfig configures StartIdleMonitor.
type IdleMonitorConfig struct {
	// LastInput holds the unix-nanosecond time of the last inbound frame.
	LastInput *atomic.Int64
	// IdleTimeout is the silence after which OnWarning fires.
	IdleTimeout time.Duration
	// GracePeriod is the additional silence after which OnDisconnect fires.
	GracePeriod time.Duration
	// TickInterval is how often LastInput is sampled. Defaults to IdleTimeout/10.
	TickInterval time.Duration
	OnWarning    func()
	OnDisconnect func()
}

// StartIdleMonitor watches cfg.LastInput in a goroutine. OnWarning fires once
// per idle stretch; input arriving after a warning re-arms it. OnDisconnect
// fires at most once, after which the monitor exits.
//
// Precondition: cfg.LastInput, cfg.OnWarning, and cfg.OnDisconnect must be non-nil; cfg.IdleTimeout > 0.
// Postcondition: The returned stop function is idempotent; once it returns no callback runs.
func StartIdleMonitor(cfg IdleMonitorConfig) (stop func()) {
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = cfg.IdleTimeout / 10
		if tick <= 0 {
			tick = time.Millisecond
		}
	}

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		warned := false
		for {
			select {
			case <-quit:
				return
			case now := <-ticker.C:
				idle := now.Sub(time.Unix(0, cfg.LastInput.Load()))
				switch {
				case idle < cfg.IdleTimeout:
					warned = false
				case idle >= cfg.IdleTimeout+cfg.GracePeriod && warned:
					cfg.OnDisconnect()
					return
				case !warned:
					warned = true
					cfg.OnWarning()
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(quit) })
		<-done
	}
}
