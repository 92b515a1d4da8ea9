// Package server runs the gambit process: it starts the listeners, waits for
// a reason to stop, and tears them down in reverse start order.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultStopTimeout bounds how long a single service may take to stop.
const DefaultStopTimeout = 10 * time.Second

// Service is a blocking listener owned by the Lifecycle.
type Service interface {
	// Start serves until Stop is called or serving fails. A nil return means
	// the service was stopped on request.
	Start() error
	// Stop asks a running Start to return. It may block while in-flight work drains.
	Stop()
}

// FuncService builds a Service from a start and a stop function.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls StartFn.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls StopFn.
func (f *FuncService) Stop() { f.StopFn() }

type unit struct {
	name string
	svc  Service
}

// Lifecycle owns the process's services and shutdown hooks.
type Lifecycle struct {
	logger      *zap.Logger
	stopTimeout time.Duration

	mu    sync.Mutex
	units []unit
	hooks []func()
}

// NewLifecycle creates an empty Lifecycle.
//
// Precondition: logger must be non-nil.
// Postcondition: stopTimeout <= 0 is replaced with DefaultStopTimeout.
func NewLifecycle(logger *zap.Logger, stopTimeout time.Duration) *Lifecycle {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Lifecycle{logger: logger, stopTimeout: stopTimeout}
}

// Add registers svc under name. Services start in registration order and stop
// in reverse.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.units = append(l.units, unit{name: name, svc: svc})
}

// OnShutdown registers fn to run once every service has stopped. Hooks run in
// registration order.
func (l *Lifecycle) OnShutdown(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// Run starts every registered service and blocks until SIGINT or SIGTERM
// arrives, ctx is done, or a service's Start returns an error.
//
// Postcondition: Every service has been stopped (or timed out stopping) and
// every hook has run. Returns the failing service's error, or nil.
func (l *Lifecycle) Run(ctx context.Context) error {
	begin := time.Now()
	units, hooks := l.snapshot()

	failures := make(chan error, len(units))
	for _, u := range units {
		go l.serve(u, failures)
	}
	l.logger.Info("services launched",
		zap.Int("count", len(units)),
		zap.Duration("startup", time.Since(begin)),
	)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	var err error
	select {
	case sig := <-signals:
		l.logger.Info("shutting down", zap.String("reason", "signal"), zap.Stringer("signal", sig))
	case <-ctx.Done():
		l.logger.Info("shutting down", zap.String("reason", "context"), zap.Error(ctx.Err()))
	case err = <-failures:
		l.logger.Error("shutting down", zap.String("reason", "service failure"), zap.Error(err))
	}

	drainStart := time.Now()
	for i := len(units) - 1; i >= 0; i-- {
		l.stop(units[i])
	}
	for _, fn := range hooks {
		fn()
	}
	l.logger.Info("shutdown complete",
		zap.Duration("drain", time.Since(drainStart)),
		zap.Duration("uptime", time.Since(begin)),
	)
	return err
}

func (l *Lifecycle) snapshot() ([]unit, []func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]unit(nil), l.units...), append([]func(){}, l.hooks...)
}

func (l *Lifecycle) serve(u unit, failures chan<- error) {
	l.logger.Info("starting service", zap.String("service", u.name))
	since := time.Now()
	if err := u.svc.Start(); err != nil {
		l.logger.Error("service failed",
			zap.String("service", u.name),
			zap.Duration("uptime", time.Since(since)),
			zap.Error(err),
		)
		failures <- fmt.Errorf("service %s: %w", u.name, err)
	}
}

// stop calls u's Stop and gives up waiting after stopTimeout. A service that
// overruns keeps stopping in the background.
func (l *Lifecycle) stop(u unit) {
	since := time.Now()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		u.svc.Stop()
	}()

	timer := time.NewTimer(l.stopTimeout)
	defer timer.Stop()
	select {
	case <-stopped:
		l.logger.Info("service stopped",
			zap.String("service", u.name),
			zap.Duration("elapsed", time.Since(since)),
		)
	case <-timer.C:
		l.logger.Warn("service stop timed out",
			zap.String("service", u.name),
			zap.Duration("timeout", l.stopTimeout),
		)
	}
}
