// Package gc runs periodic maintenance over the entry cache: expired entries
// are purged on a fixed interval.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/entry-cache/cache"
	"go.opentelemetry.io/otel/metric"
)

// Purger removes expired entries. *cache.Service implements it.
type Purger interface {
	PurgeExpired(ctx context.Context) (cache.PurgeResult, error)
}

// Config configures the GC manager.
type Config struct {
	Interval     time.Duration // How often to run (default: 1h)
	StartupDelay time.Duration // Delay before first run (default: 5m)
}

// DefaultConfig returns the default GC configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     1 * time.Hour,
		StartupDelay: 5 * time.Minute,
	}
}

// Result contains the results of a GC run.
type Result struct {
	StartedAt             time.Time     `json:"started_at"`
	Duration              time.Duration `json:"duration"`
	ExpiredEntriesDeleted int           `json:"expired_entries_deleted"`
	BytesReclaimed        int64         `json:"bytes_reclaimed"`
	Errors                []string      `json:"errors,omitempty"`
}

// Manager runs expiry passes in the background.
type Manager struct {
	purger  Purger
	config  Config
	metrics *Metrics
	logger  *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// New creates a new GC manager. Zero config fields take their defaults.
func New(purger Purger, config Config, opts ...ManagerOption) *Manager {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.StartupDelay < 0 {
		config.StartupDelay = 0
	}
	m := &Manager{
		purger: purger,
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the background GC goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.run(ctx, stopCh, doneCh)
}

// Stop gracefully stops the GC manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	doneCh := m.doneCh
	m.mu.Unlock()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate GC run.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	result := m.runGC(ctx)
	return result, nil
}

// Status returns the last GC run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
	)

	// Wait for startup delay
	select {
	case <-time.After(m.config.StartupDelay):
	case <-stopCh:
		m.logger.Info("gc manager stopped during startup delay")
		return
	case <-ctx.Done():
		m.logger.Info("gc manager context cancelled during startup delay")
		m.setRunning(false)
		return
	}

	m.runGC(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(ctx)
		case <-stopCh:
			m.logger.Info("gc manager stopped")
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runGC(ctx context.Context) *Result {
	result := &Result{
		StartedAt: time.Now(),
	}

	m.logger.Debug("starting gc run")

	purged, err := m.purger.PurgeExpired(ctx)
	result.ExpiredEntriesDeleted = purged.Removed
	result.BytesReclaimed = purged.BytesReclaimed
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		m.logger.Warn("expiry pass failed", "error", err)
	}

	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	m.logger.Info("gc run completed",
		"duration", result.Duration,
		"expired_entries_deleted", result.ExpiredEntriesDeleted,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)

	return result
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.expiredEntriesDeleted.Add(ctx, int64(result.ExpiredEntriesDeleted))
	m.metrics.bytesReclaimed.Add(ctx, result.BytesReclaimed)
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics for the manager.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create gc metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}
