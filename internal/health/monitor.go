// Package health probes remote entry locations on a schedule. The loader
// consults the latest probe result to fail fast on remotes that are known
// unreachable instead of burning its retry budget.
package health

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mosaicfe/mosaic/internal/descriptor"
	"github.com/mosaicfe/mosaic/internal/telemetry"
)

const defaultSchedule = "@every 30s"

// Prober issues one existence check.
type Prober interface {
	Probe(ctx context.Context, u *url.URL) error
}

// Recorder is the metrics surface the monitor reports to.
type Recorder interface {
	SetRemoteAvailable(scope string, available bool)
	ObserveProbeFailure(scope string)
}

// Options configures a monitor.
type Options struct {
	// Schedule is a cron expression; defaults to every 30 seconds.
	Schedule string

	// ProbeTimeout bounds one full sweep.
	ProbeTimeout time.Duration

	Events  telemetry.Log
	Metrics Recorder
	Logger  telemetry.Logger
}

// Status is the latest probe result for one scope.
type Status struct {
	Scope     string    `json:"scope"`
	Available bool      `json:"available"`
	CheckedAt time.Time `json:"checkedAt"`
	Error     string    `json:"error,omitempty"`
}

// Monitor periodically probes every scope in the resolver table.
type Monitor struct {
	resolver *descriptor.Resolver
	prober   Prober
	schedule string
	timeout  time.Duration
	events   telemetry.Log
	metrics  Recorder
	log      telemetry.Logger

	cron *cron.Cron

	mu      sync.Mutex
	results map[string]Status
}

// New creates a monitor over the resolver's scopes.
func New(resolver *descriptor.Resolver, prober Prober, opts Options) *Monitor {
	schedule := opts.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ev := opts.Events
	if ev == nil {
		ev = telemetry.NoOpLog{}
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Monitor{
		resolver: resolver,
		prober:   prober,
		schedule: schedule,
		timeout:  timeout,
		events:   ev,
		metrics:  opts.Metrics,
		log:      log,
		cron:     cron.New(),
		results:  make(map[string]Status),
	}
}

// Start runs one immediate sweep, then probes on the configured schedule
// until Stop.
func (m *Monitor) Start(ctx context.Context) error {
	m.Sweep(ctx)
	_, err := m.cron.AddFunc(m.schedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		m.Sweep(sweepCtx)
	})
	if err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts scheduled probing. Outstanding probes finish.
func (m *Monitor) Stop() {
	m.cron.Stop()
}

// Sweep probes every registered scope once.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, scope := range m.resolver.Scopes() {
		m.probeOne(ctx, scope)
	}
}

func (m *Monitor) probeOne(ctx context.Context, scope string) {
	d, err := m.resolver.Resolve(scope)
	if err == nil {
		err = m.prober.Probe(ctx, d.EntryURL)
	}

	status := Status{
		Scope:     scope,
		Available: err == nil,
		CheckedAt: time.Now(),
	}
	if err != nil {
		status.Error = err.Error()
	}

	m.mu.Lock()
	prev, known := m.results[scope]
	m.results[scope] = status
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetRemoteAvailable(scope, status.Available)
		if err != nil {
			m.metrics.ObserveProbeFailure(scope)
		}
	}
	if err != nil {
		m.events.Record(telemetry.Event{
			Type:     telemetry.EventProbeFailed,
			Severity: telemetry.SeverityWarning,
			Scope:    scope,
			Error:    err.Error(),
		})
		m.log.Warn("remote probe failed", "scope", scope, "error", err)
		return
	}
	if known && !prev.Available {
		m.log.Info("remote recovered", "scope", scope)
	}
}

// Available reports whether scope's last probe succeeded. Scopes never
// probed are assumed reachable so a fresh monitor does not block loads.
func (m *Monitor) Available(scope string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.results[scope]
	if !ok {
		return true
	}
	return status.Available
}

// Snapshot returns the latest result per scope.
func (m *Monitor) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.results))
	for _, s := range m.results {
		out = append(out, s)
	}
	return out
}
