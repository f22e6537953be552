// Package host assembles the composition runtime: it bootstraps the
// singleton registry, owns the platform context and event bus, and mounts
// each registered region through its own fault isolation boundary.
package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mosaicfe/mosaic/internal/boundary"
	"github.com/mosaicfe/mosaic/internal/container"
	"github.com/mosaicfe/mosaic/internal/descriptor"
	"github.com/mosaicfe/mosaic/internal/eventbus"
	"github.com/mosaicfe/mosaic/internal/health"
	"github.com/mosaicfe/mosaic/internal/loader"
	"github.com/mosaicfe/mosaic/internal/platformctx"
	"github.com/mosaicfe/mosaic/internal/shared"
	"github.com/mosaicfe/mosaic/internal/state"
	"github.com/mosaicfe/mosaic/internal/telemetry"
)

// State is the host runtime lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string form.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// RegionDefinition binds a named shell region to a remote module.
type RegionDefinition struct {
	// Name identifies the region (for example "sidebar" or "main").
	Name string

	// Scope names the remote serving this region.
	Scope string

	// Member selects the exposed member; empty uses the resolver table's
	// default for the scope.
	Member string

	// Fallback overrides the placeholder shown while the region's boundary
	// is tripped.
	Fallback boundary.FallbackFunc
}

// Recorder is the metrics surface the host reports to. The boundary and
// loader carry their own recorder interfaces; this covers host-level gauges.
type Recorder interface {
	loader.Recorder
	boundary.Recorder
	SetSlotsPopulated(n int)
	UpdateUptime()
}

// Options wires the host runtime's collaborators. Resolver, Loader,
// Registry, Bus, and Platform are required; Monitor is optional.
type Options struct {
	Resolver *descriptor.Resolver
	Loader   *loader.Loader
	Registry *shared.Registry
	Bus      *eventbus.Bus
	Platform *platformctx.Root
	Monitor  *health.Monitor

	Events  telemetry.Log
	Metrics Recorder
	Logger  telemetry.Logger
}

type region struct {
	def      RegionDefinition
	boundary *boundary.Boundary
	busScope *eventbus.Scope
	module   *container.Module
	mounted  bool
	active   bool
}

// Runtime is the composition host.
type Runtime struct {
	resolver *descriptor.Resolver
	loader   *loader.Loader
	registry *shared.Registry
	bus      *eventbus.Bus
	platform *platformctx.Root
	monitor  *health.Monitor
	events   telemetry.Log
	metrics  Recorder
	log      telemetry.Logger

	mu            sync.Mutex
	state         State
	regions       map[string]*region
	order         []string
	startedAt     time.Time
	onStateChange []func(from, to State)
}

// New creates a host runtime in the created state.
func New(opts Options) (*Runtime, error) {
	switch {
	case opts.Resolver == nil:
		return nil, errors.New("host: resolver is required")
	case opts.Loader == nil:
		return nil, errors.New("host: loader is required")
	case opts.Registry == nil:
		return nil, errors.New("host: registry is required")
	case opts.Bus == nil:
		return nil, errors.New("host: bus is required")
	case opts.Platform == nil:
		return nil, errors.New("host: platform context is required")
	}

	ev := opts.Events
	if ev == nil {
		ev = telemetry.NoOpLog{}
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Runtime{
		resolver: opts.Resolver,
		loader:   opts.Loader,
		registry: opts.Registry,
		bus:      opts.Bus,
		platform: opts.Platform,
		monitor:  opts.Monitor,
		events:   ev,
		metrics:  opts.Metrics,
		log:      log,
		state:    StateCreated,
		regions:  make(map[string]*region),
	}, nil
}

// State returns the current lifecycle state.
func (h *Runtime) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// OnStateChange registers a callback invoked after each state transition.
// Must be called before Start.
func (h *Runtime) OnStateChange(fn func(from, to State)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onStateChange = append(h.onStateChange, fn)
}

func (h *Runtime) transition(to State) {
	h.mu.Lock()
	from := h.state
	h.state = to
	callbacks := append([]func(State, State){}, h.onStateChange...)
	h.mu.Unlock()

	for _, fn := range callbacks {
		fn(from, to)
	}
}

// RegisterRegion adds a region to be mounted at start. Only valid before
// Start; region names must be unique.
func (h *Runtime) RegisterRegion(def RegionDefinition) error {
	if def.Name == "" {
		return errors.New("host: region name is required")
	}
	if def.Scope == "" {
		return fmt.Errorf("host: region %s: scope is required", def.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateCreated {
		return fmt.Errorf("host: cannot register region %s in state %s", def.Name, h.state)
	}
	if _, dup := h.regions[def.Name]; dup {
		return fmt.Errorf("host: duplicate region %s", def.Name)
	}

	h.regions[def.Name] = &region{
		def:      def,
		boundary: h.newBoundary(def),
	}
	h.order = append(h.order, def.Name)
	return nil
}

func (h *Runtime) newBoundary(def RegionDefinition) *boundary.Boundary {
	var rec boundary.Recorder
	if h.metrics != nil {
		rec = h.metrics
	}
	return boundary.New(def.Name, boundary.Options{
		Fallback: def.Fallback,
		Events:   h.events,
		Metrics:  rec,
		Logger:   h.log,
		LoaderReset: func(cause error) {
			// Only a load failure warrants refetching; a mount fault
			// keeps the loaded module for the next attempt.
			var loadErr *loader.RemoteLoadError
			if errors.As(cause, &loadErr) {
				h.loader.Reset(def.Scope, h.memberFor(def))
			}
		},
	})
}

func (h *Runtime) memberFor(def RegionDefinition) string {
	if def.Member != "" {
		return def.Member
	}
	d, err := h.resolver.Resolve(def.Scope)
	if err != nil {
		return def.Member
	}
	return d.Member
}

// Start bootstraps the singleton registry and mounts every registered
// region. A singleton conflict aborts startup; a fault inside one region is
// contained by its boundary and leaves the other regions running.
func (h *Runtime) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateCreated {
		s := h.state
		h.mu.Unlock()
		return fmt.Errorf("host: cannot start from state %s", s)
	}
	h.mu.Unlock()

	h.transition(StateStarting)
	h.events.Record(telemetry.Event{Type: telemetry.EventHostStarting})
	h.log.Info("host starting", "regions", len(h.regions))

	if err := h.registry.Bootstrap(); err != nil {
		h.transition(StateStopped)
		h.events.Record(telemetry.Event{
			Type:     telemetry.EventHostStopped,
			Severity: telemetry.SeverityError,
			Error:    err.Error(),
		})
		return fmt.Errorf("host: bootstrap: %w", err)
	}
	if h.metrics != nil {
		h.metrics.SetSlotsPopulated(h.registry.PopulatedCount())
	}

	if h.monitor != nil {
		if err := h.monitor.Start(ctx); err != nil {
			h.transition(StateStopped)
			return fmt.Errorf("host: health monitor: %w", err)
		}
	}

	for _, name := range h.regionOrder() {
		if err := h.MountRegion(ctx, name); err != nil {
			// Contained by the region's boundary; the host keeps going.
			h.log.Warn("region failed to mount", "region", name, "error", err)
		}
	}

	h.mu.Lock()
	h.startedAt = time.Now()
	h.mu.Unlock()
	h.transition(StateRunning)
	h.events.Record(telemetry.Event{Type: telemetry.EventHostStarted})
	h.log.Info("host running")
	return nil
}

func (h *Runtime) regionOrder() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string{}, h.order...)
}

func (h *Runtime) region(name string) (*region, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.regions[name]
	if !ok {
		return nil, fmt.Errorf("host: unknown region %s", name)
	}
	return r, nil
}

// MountRegion loads the region's module and mounts it through the region's
// boundary. Any panic or error ends up contained there.
func (h *Runtime) MountRegion(ctx context.Context, name string) error {
	r, err := h.region(name)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if r.mounted {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	return r.boundary.Guard(func() error {
		member := h.memberFor(r.def)
		mod, err := h.loader.Load(ctx, r.def.Scope, member)
		if err != nil {
			return err
		}

		busScope := h.bus.ScopeFor(name)
		mc := container.MountContext{
			Region:   name,
			Platform: h.platform,
			Bus:      busScope,
		}
		if err := mod.Mount(mc); err != nil {
			busScope.Release()
			return err
		}

		h.mu.Lock()
		r.module = mod
		r.busScope = busScope
		r.mounted = true
		h.mu.Unlock()

		h.events.Record(telemetry.Event{
			Type:   telemetry.EventRegionMounted,
			Region: name,
			Scope:  r.def.Scope,
		})
		h.log.Info("region mounted", "region", name, "scope", r.def.Scope)
		return nil
	})
}

// UnmountRegion unmounts the region's module and releases its bus scope, so
// every subscription the module made through that scope is dropped.
func (h *Runtime) UnmountRegion(name string) error {
	r, err := h.region(name)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if !r.mounted {
		h.mu.Unlock()
		return nil
	}
	mod := r.module
	busScope := r.busScope
	r.module = nil
	r.busScope = nil
	r.mounted = false
	r.active = false
	h.mu.Unlock()

	// Teardown rather than Guard: the unmount hook runs even when the
	// boundary is tripped, otherwise the module never releases what it
	// set up during mount.
	guardErr := r.boundary.Teardown(func() error {
		return mod.Unmount()
	})
	if busScope != nil {
		busScope.Release()
	}

	h.events.Record(telemetry.Event{
		Type:   telemetry.EventRegionUnmounted,
		Region: name,
		Scope:  r.def.Scope,
	})
	h.log.Info("region unmounted", "region", name)
	return guardErr
}

// ActivateRegion notifies the region's module it became visible.
func (h *Runtime) ActivateRegion(name string) error {
	return h.lifecycleHook(name, true)
}

// DeactivateRegion notifies the region's module it was hidden.
func (h *Runtime) DeactivateRegion(name string) error {
	return h.lifecycleHook(name, false)
}

func (h *Runtime) lifecycleHook(name string, activate bool) error {
	r, err := h.region(name)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if !r.mounted || r.active == activate {
		h.mu.Unlock()
		return nil
	}
	mod := r.module
	r.active = activate
	h.mu.Unlock()

	return r.boundary.Guard(func() error {
		if activate {
			return mod.OnActivate()
		}
		return mod.OnDeactivate()
	})
}

// RetryRegion resets a tripped region and mounts it again. When the trip was
// caused by a load failure the reset reaches the loader, so the retry
// re-fetches the entry.
func (h *Runtime) RetryRegion(ctx context.Context, name string) error {
	r, err := h.region(name)
	if err != nil {
		return err
	}
	r.boundary.Reset()
	return h.MountRegion(ctx, name)
}

// Stop unmounts every region in reverse registration order and halts the
// health monitor.
func (h *Runtime) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateRunning {
		s := h.state
		h.mu.Unlock()
		return fmt.Errorf("host: cannot stop from state %s", s)
	}
	h.mu.Unlock()

	h.transition(StateStopping)
	h.events.Record(telemetry.Event{Type: telemetry.EventHostStopping})
	h.log.Info("host stopping")

	order := h.regionOrder()
	for i := len(order) - 1; i >= 0; i-- {
		if err := h.UnmountRegion(order[i]); err != nil {
			h.log.Warn("region failed to unmount", "region", order[i], "error", err)
		}
	}
	if h.monitor != nil {
		h.monitor.Stop()
	}

	h.transition(StateStopped)
	h.events.Record(telemetry.Event{Type: telemetry.EventHostStopped})
	h.log.Info("host stopped")
	return nil
}

// RegionStatus summarizes one region for status surfaces.
type RegionStatus struct {
	Name     string        `json:"name"`
	Scope    string        `json:"scope"`
	Mounted  bool          `json:"mounted"`
	Active   bool          `json:"active"`
	Boundary boundary.Info `json:"boundary"`
	Fallback string        `json:"fallback,omitempty"`
}

// Stats is a point-in-time view of the whole composition.
type Stats struct {
	State     State               `json:"state"`
	UptimeSec float64             `json:"uptimeSec"`
	Regions   []RegionStatus      `json:"regions"`
	Handles   []loader.HandleInfo `json:"handles"`
	Slots     []shared.SlotInfo   `json:"slots"`
	Remotes   []health.Status     `json:"remotes,omitempty"`
	Events    []telemetry.Event   `json:"recentEvents,omitempty"`
}

// Stats reports the composition's current state.
func (h *Runtime) Stats() Stats {
	h.mu.Lock()
	st := h.state
	started := h.startedAt
	names := append([]string{}, h.order...)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.UpdateUptime()
	}

	stats := Stats{
		State:   st,
		Handles: h.loader.Snapshot(),
		Slots:   h.registry.Slots(),
		Events:  h.events.Recent(20),
	}
	if !started.IsZero() {
		stats.UptimeSec = time.Since(started).Seconds()
	}
	if h.monitor != nil {
		stats.Remotes = h.monitor.Snapshot()
	}

	for _, name := range names {
		r, err := h.region(name)
		if err != nil {
			continue
		}
		h.mu.Lock()
		rs := RegionStatus{
			Name:     name,
			Scope:    r.def.Scope,
			Mounted:  r.mounted,
			Active:   r.active,
			Boundary: r.boundary.Snapshot(),
		}
		h.mu.Unlock()
		if rs.Boundary.Status == state.BoundaryTripped {
			rs.Fallback = r.boundary.Fallback()
		}
		stats.Regions = append(stats.Regions, rs)
	}
	return stats
}

// Health reports whether the composition is serving. Degraded regions are
// listed; the host itself stays healthy as long as it is running.
type Health struct {
	Healthy  bool     `json:"healthy"`
	State    State    `json:"state"`
	Degraded []string `json:"degraded,omitempty"`
}

// Health summarizes liveness for the health endpoint.
func (h *Runtime) Health() Health {
	h.mu.Lock()
	st := h.state
	var degraded []string
	for name, r := range h.regions {
		if r.boundary.Status() == state.BoundaryTripped {
			degraded = append(degraded, name)
		}
	}
	h.mu.Unlock()

	sort.Strings(degraded)
	return Health{
		Healthy:  st == StateRunning,
		State:    st,
		Degraded: degraded,
	}
}
