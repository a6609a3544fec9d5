// Package connwatch monitors the health of the broker link. A Watcher
// probes in two phases:
//  1. Startup: exponential backoff (1s, 2s, 4s, ... capped at 30s)
//  2. Background: periodic polling with state-transition callbacks
//
// Transitions are logged, handed to optional callbacks and published
// on the event bus so the dashboard can show connectivity.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/homesim/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Awaiter is satisfied by anything that can block until a connection is
// established, such as an MQTT connection.
type Awaiter interface {
	AwaitConnection(ctx context.Context) error
}

// AwaitProbe turns an Awaiter into a ProbeFunc. The probe succeeds
// when the connection is up before the probe timeout expires.
func AwaitProbe(a Awaiter) ProbeFunc {
	return func(ctx context.Context) error {
		return a.AwaitConnection(ctx)
	}
}

// BackoffConfig controls startup retries and background polling.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 1s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of startup probe attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval (default: 5s).
	PollInterval time.Duration

	// ProbeTimeout bounds a single probe call (default: 2s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the schedule used for the broker link.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 5 * time.Second,
		ProbeTimeout: 2 * time.Second,
	}
}

// withDefaults fills zero-value fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a single watcher.
type WatcherConfig struct {
	// Name identifies the watched service in logs and events
	// (e.g. "mqtt-dashboard").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnReady runs in its own goroutine on every not-ready to ready
	// transition, including the first. Optional.
	OnReady func()

	// Bus receives connection_up and connection_down events. Optional.
	Bus *events.Bus

	Logger *slog.Logger
}

// ServiceStatus is the health of a watched service, shaped for the
// /health endpoint.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			logger.Info("service connected", "service", w.config.Name, "after_attempts", attempt)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == cfg.MaxRetries {
			logger.Info("startup connection failed, entering background polling",
				"service", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.check(ctx); err != nil && ctx.Err() == nil {
				logger.Debug("service still unreachable", "service", w.config.Name, "error", err)
			}
		}
	}
}

// check probes once, records the result and fires transition hooks.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	err := w.config.Probe(probeCtx)
	cancel()

	if ctx.Err() != nil {
		// Shutdown, not an outage.
		return ctx.Err()
	}

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	switch wasReady := w.ready.Load(); {
	case !wasReady && err == nil:
		w.ready.Store(true)
		w.publish(events.KindConnectionUp, nil)
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case wasReady && err != nil:
		w.ready.Store(false)
		w.config.Logger.Warn("service became unreachable", "service", w.config.Name, "error", err)
		w.publish(events.KindConnectionDown, err)
	}
	return err
}

func (w *Watcher) publish(kind string, err error) {
	data := map[string]any{"service": w.config.Name}
	if err != nil {
		data["error"] = err.Error()
	}
	w.config.Bus.Publish(events.NewEvent(events.SourceMQTT, kind, data))
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
