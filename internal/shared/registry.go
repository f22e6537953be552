// Package shared implements the singleton dependency registry. It tracks
// canonical instances of shared framework libraries so loaded remotes reuse
// the host's instances instead of bundling their own. Silent duplication of a
// shared library breaks identity-sensitive coordination, so conflicting eager
// populators are a fatal configuration error.
package shared

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/mosaicfe/mosaic/internal/telemetry"
)

// Policy decides which candidate instance populates a slot.
type Policy string

const (
	// PolicyFirstLoadedWins uses the instance supplied by whichever
	// participant populates the slot first, provided every requested range
	// is satisfied. Default: predictable in a multi-team setting the host
	// controls.
	PolicyFirstLoadedWins Policy = "first-loaded-wins"

	// PolicyHighestCompatibleWins picks the highest offered version that
	// satisfies every requirement recorded so far. Forces lazy population.
	PolicyHighestCompatibleWins Policy = "highest-compatible-wins"
)

// Provider supplies the host's instance of a shared library.
type Provider func() (any, error)

// DeclareOptions configures a slot declaration.
type DeclareOptions struct {
	// Eager slots are populated synchronously during Bootstrap, before any
	// remote is loaded.
	Eager bool

	// Policy defaults to PolicyFirstLoadedWins.
	Policy Policy

	// Version is the concrete version the Provider supplies.
	Version string

	// Provider supplies the instance. Required for eager slots.
	Provider Provider

	// Origin names the declaring participant, for diagnostics. Defaults to
	// "host".
	Origin string
}

// Instance is a resolved shared-library instance.
type Instance struct {
	Library string
	Version string
	Value   any
}

type requirement struct {
	origin     string
	raw        string
	constraint *semver.Constraints
}

type candidate struct {
	origin  string
	version *semver.Version
	value   any
	eager   bool
}

type slot struct {
	name         string
	policy       Policy
	eager        bool
	requirements []requirement
	candidates   []candidate
	populated    bool
	instance     any
	version      *semver.Version
}

// Registry tracks singleton dependency slots. It is an explicit object: the
// host constructs one at bootstrap and threads it into the loader, so tests
// build isolated registries instead of resetting global state.
type Registry struct {
	mu           sync.Mutex
	slots        map[string]*slot
	bootstrapped bool
	events       telemetry.Log
	metrics      Recorder
}

// Recorder receives registry metrics. *metrics.Collector satisfies it.
type Recorder interface {
	ObserveSlotConflict()
}

// Options configures a registry.
type Options struct {
	Events  telemetry.Log
	Metrics Recorder
}

// New creates an empty registry.
func New(opts Options) *Registry {
	ev := opts.Events
	if ev == nil {
		ev = telemetry.NoOpLog{}
	}
	return &Registry{
		slots:   make(map[string]*slot),
		events:  ev,
		metrics: opts.Metrics,
	}
}

func (r *Registry) observeConflict() {
	if r.metrics != nil {
		r.metrics.ObserveSlotConflict()
	}
}

// Declare registers a slot for a shared library. Called by the host during
// bootstrap, and by the loader on behalf of remotes declaring their framework
// dependencies (which should be non-eager, so they adopt the host's
// instance).
func (r *Registry) Declare(library, versionRange string, opts DeclareOptions) error {
	if library == "" {
		return fmt.Errorf("shared: library name is required")
	}
	origin := opts.Origin
	if origin == "" {
		origin = "host"
	}
	policy := opts.Policy
	if policy == "" {
		policy = PolicyFirstLoadedWins
	}

	var constraint *semver.Constraints
	if versionRange != "" {
		c, err := semver.NewConstraint(versionRange)
		if err != nil {
			return fmt.Errorf("shared: %s: invalid version range %q: %w", library, versionRange, err)
		}
		constraint = c
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[library]
	if !ok {
		s = &slot{name: library, policy: policy, eager: opts.Eager}
		r.slots[library] = s
	} else {
		// An eager re-declaration with its own provider is the classic
		// two-populators misconfiguration.
		if opts.Eager && opts.Provider != nil && r.hasEagerProvider(s) {
			r.observeConflict()
			r.events.Record(telemetry.Event{
				Type:     telemetry.EventSlotConflict,
				Severity: telemetry.SeverityError,
				Scope:    origin,
				Message:  fmt.Sprintf("second eager provider for %s", library),
			})
			return &SingletonConflictError{
				Library: library,
				Origins: []string{s.origin(), origin},
			}
		}
		s.eager = s.eager || opts.Eager
	}

	if constraint != nil {
		s.requirements = append(s.requirements, requirement{
			origin:     origin,
			raw:        versionRange,
			constraint: constraint,
		})
	}

	if opts.Provider != nil {
		version, err := parseVersion(library, opts.Version)
		if err != nil {
			return err
		}
		s.candidates = append(s.candidates, candidate{
			origin:  origin,
			version: version,
			value:   providerCandidate{provider: opts.Provider},
			eager:   opts.Eager,
		})
	}

	return nil
}

// providerCandidate defers provider invocation until population time.
type providerCandidate struct {
	provider Provider
}

func (s *slot) origin() string {
	for _, c := range s.candidates {
		if c.eager {
			return c.origin
		}
	}
	if len(s.candidates) > 0 {
		return s.candidates[0].origin
	}
	return "host"
}

func (r *Registry) hasEagerProvider(s *slot) bool {
	for _, c := range s.candidates {
		if c.eager {
			return true
		}
	}
	return false
}

// Require records a version requirement from a participant without offering
// an instance. The loader calls this when a remote's container requests a
// shared library with a range.
func (r *Registry) Require(library, versionRange, origin string) error {
	if versionRange == "" {
		return nil
	}
	c, err := semver.NewConstraint(versionRange)
	if err != nil {
		return fmt.Errorf("shared: %s: invalid version range %q from %s: %w", library, versionRange, origin, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[library]
	if !ok {
		s = &slot{name: library, policy: PolicyFirstLoadedWins}
		r.slots[library] = s
	}
	s.requirements = append(s.requirements, requirement{origin: origin, raw: versionRange, constraint: c})

	// A frozen slot must still satisfy late requirements.
	if s.populated && !c.Check(s.version) {
		return &VersionError{Library: library, Version: s.version.String(), Range: versionRange, Origin: origin}
	}
	return nil
}

// Offer records a candidate instance supplied by a participant. Offers by
// remotes must be non-eager; an eager offer against a slot the host also
// populates eagerly is a SingletonConflictError. A non-eager offer for an
// already-populated slot is recorded and ignored: the offering participant
// adopts the canonical instance via Resolve.
func (r *Registry) Offer(library, version string, value any, origin string, eager bool) error {
	v, err := parseVersion(library, version)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[library]
	if !ok {
		s = &slot{name: library, policy: PolicyFirstLoadedWins}
		r.slots[library] = s
	}

	if eager && (s.populated || r.hasEagerProvider(s)) {
		r.observeConflict()
		r.events.Record(telemetry.Event{
			Type:     telemetry.EventSlotConflict,
			Severity: telemetry.SeverityError,
			Scope:    origin,
			Message:  fmt.Sprintf("eager offer for already-populated slot %s", library),
		})
		return &SingletonConflictError{Library: library, Origins: []string{s.origin(), origin}}
	}

	if s.populated {
		r.events.Record(telemetry.Event{
			Type:    telemetry.EventSlotRejected,
			Scope:   origin,
			Message: fmt.Sprintf("offer for %s ignored, slot already populated from %s", library, s.origin()),
		})
		return nil
	}

	s.candidates = append(s.candidates, candidate{origin: origin, version: v, value: value, eager: eager})
	return nil
}

// Bootstrap populates all eager slots synchronously. Must run before any
// remote is loaded: it eliminates the race where a remote's module-level code
// executes against an unpopulated singleton. A SingletonConflictError here
// must halt host startup.
func (r *Registry) Bootstrap() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bootstrapped {
		return nil
	}

	// Deterministic order for reproducible conflict reports.
	names := make([]string, 0, len(r.slots))
	for name := range r.slots {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := r.slots[name]
		if !s.eager {
			continue
		}

		var eagerOrigins []string
		for _, c := range s.candidates {
			if c.eager {
				eagerOrigins = append(eagerOrigins, c.origin)
			}
		}
		if len(eagerOrigins) > 1 {
			r.observeConflict()
			r.events.Record(telemetry.Event{
				Type:     telemetry.EventSlotConflict,
				Severity: telemetry.SeverityError,
				Message:  fmt.Sprintf("%d eager populators for %s", len(eagerOrigins), name),
			})
			return &SingletonConflictError{Library: name, Origins: eagerOrigins}
		}
		if len(eagerOrigins) == 0 {
			return fmt.Errorf("shared: eager slot %s has no provider", name)
		}

		if err := r.populateLocked(s); err != nil {
			return err
		}
	}

	r.bootstrapped = true
	return nil
}

// Resolve returns the canonical instance for a library, populating a
// non-eager slot on first access.
func (r *Registry) Resolve(library string) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[library]
	if !ok {
		return Instance{}, fmt.Errorf("shared: library %q not declared", library)
	}

	if !s.populated {
		if err := r.populateLocked(s); err != nil {
			return Instance{}, err
		}
	}

	return Instance{Library: library, Version: s.version.String(), Value: s.instance}, nil
}

// populateLocked freezes the slot to its winning candidate. Caller holds the
// lock.
func (r *Registry) populateLocked(s *slot) error {
	if s.populated {
		return nil
	}
	if len(s.candidates) == 0 {
		return fmt.Errorf("shared: no instance available for %s", s.name)
	}

	winner, err := r.selectLocked(s)
	if err != nil {
		return err
	}

	value := winner.value
	if pc, ok := value.(providerCandidate); ok {
		v, err := pc.provider()
		if err != nil {
			return fmt.Errorf("shared: provider for %s: %w", s.name, err)
		}
		value = v
	}

	s.instance = value
	s.version = winner.version
	s.populated = true
	// The winning origin becomes the canonical source for diagnostics.
	s.candidates = []candidate{{origin: winner.origin, version: winner.version, eager: winner.eager}}

	r.events.Record(telemetry.Event{
		Type:    telemetry.EventSlotPopulated,
		Scope:   winner.origin,
		Message: fmt.Sprintf("%s@%s populated", s.name, winner.version),
	})
	return nil
}

func (r *Registry) selectLocked(s *slot) (candidate, error) {
	satisfies := func(v *semver.Version) bool {
		for _, req := range s.requirements {
			if !req.constraint.Check(v) {
				return false
			}
		}
		return true
	}

	switch s.policy {
	case PolicyHighestCompatibleWins:
		var best *candidate
		for i := range s.candidates {
			c := &s.candidates[i]
			if !satisfies(c.version) {
				continue
			}
			if best == nil || c.version.GreaterThan(best.version) {
				best = c
			}
		}
		if best == nil {
			return candidate{}, r.unsatisfiedError(s)
		}
		return *best, nil

	default: // PolicyFirstLoadedWins
		for i := range s.candidates {
			c := &s.candidates[i]
			if satisfies(c.version) {
				return *c, nil
			}
		}
		return candidate{}, r.unsatisfiedError(s)
	}
}

func (r *Registry) unsatisfiedError(s *slot) error {
	ranges := make([]string, 0, len(s.requirements))
	for _, req := range s.requirements {
		ranges = append(ranges, fmt.Sprintf("%s (%s)", req.raw, req.origin))
	}
	return &VersionError{
		Library: s.name,
		Range:   fmt.Sprintf("%v", ranges),
	}
}

// SlotInfo summarizes one slot for status reporting.
type SlotInfo struct {
	Library   string `json:"library"`
	Eager     bool   `json:"eager"`
	Policy    Policy `json:"policy"`
	Populated bool   `json:"populated"`
	Version   string `json:"version,omitempty"`
	Origin    string `json:"origin,omitempty"`
}

// Slots returns a summary of all slots, sorted by library name.
func (r *Registry) Slots() []SlotInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]SlotInfo, 0, len(r.slots))
	for _, s := range r.slots {
		info := SlotInfo{
			Library:   s.name,
			Eager:     s.eager,
			Policy:    s.policy,
			Populated: s.populated,
		}
		if s.populated {
			info.Version = s.version.String()
			info.Origin = s.origin()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Library < infos[j].Library })
	return infos
}

// PopulatedCount returns how many slots are populated.
func (r *Registry) PopulatedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.populated {
			n++
		}
	}
	return n
}

func parseVersion(library, version string) (*semver.Version, error) {
	if version == "" {
		version = "0.0.0"
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("shared: %s: invalid version %q: %w", library, version, err)
	}
	return v, nil
}
