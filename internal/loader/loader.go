// Package loader turns remote descriptors into mounted-ready modules. Loads
// are memoized per (scope, member): concurrent requests for the same module
// coalesce onto one in-flight load, later requests reuse the settled result,
// and a failed result stays failed until an explicit reset.
package loader

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mosaicfe/mosaic/internal/container"
	"github.com/mosaicfe/mosaic/internal/descriptor"
	"github.com/mosaicfe/mosaic/internal/state"
	"github.com/mosaicfe/mosaic/internal/telemetry"
)

const (
	defaultMaxAttempts     = 3
	defaultInitialInterval = time.Second
)

// Fetcher downloads an entry artifact.
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL) ([]byte, error)
}

// Availability answers whether a remote's entry location is believed
// reachable, typically backed by a periodic probe. A loader without one
// assumes every remote is reachable.
type Availability interface {
	Available(scope string) bool
}

// Recorder is the metrics surface the loader reports to.
type Recorder interface {
	ObserveLoad(scope string, ok bool, d time.Duration)
	ObserveRetry(scope string)
	SetHandleState(scope, member string, s float64)
}

// Options configures a loader.
type Options struct {
	// MaxAttempts bounds fetch attempts per load, including the first.
	MaxAttempts int

	// InitialInterval is the first retry delay; subsequent delays double
	// with jitter.
	InitialInterval time.Duration

	Availability Availability
	Events       telemetry.Log
	Metrics      Recorder
	Logger       telemetry.Logger
}

type handleKey struct {
	scope  string
	member string
}

// Handle is the memoized result of one load. A handle settles exactly once;
// Await blocks until it does.
type Handle struct {
	scope  string
	member string

	done chan struct{}

	mu       sync.Mutex
	state    state.HandleState
	module   *container.Module
	err      error
	attempts int
}

// Scope returns the remote scope this handle loads from.
func (h *Handle) Scope() string { return h.scope }

// Member returns the exposed member this handle resolves.
func (h *Handle) Member() string { return h.member }

// State returns the handle's current lifecycle state.
func (h *Handle) State() state.HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Attempts returns how many fetch attempts the load consumed.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// Err returns the settled error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Await blocks until the handle settles or ctx is done.
func (h *Handle) Await(ctx context.Context) (*container.Module, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.module, h.err
}

func (h *Handle) settle(mod *container.Module, err error, attempts int) {
	h.mu.Lock()
	h.attempts = attempts
	if err != nil {
		h.state = state.HandleFailed
		h.err = err
	} else {
		h.state = state.HandleReady
		h.module = mod
	}
	h.mu.Unlock()
	close(h.done)
}

// HandleInfo is a point-in-time summary of one handle, for status surfaces.
type HandleInfo struct {
	Scope    string            `json:"scope"`
	Member   string            `json:"member"`
	State    state.HandleState `json:"state"`
	Attempts int               `json:"attempts"`
	Error    string            `json:"error,omitempty"`
}

// Loader resolves, fetches, executes, and adapts remote modules.
type Loader struct {
	resolver *descriptor.Resolver
	fetcher  Fetcher
	runtime  *container.Runtime

	maxAttempts     int
	initialInterval time.Duration
	availability    Availability
	events          telemetry.Log
	metrics         Recorder
	log             telemetry.Logger

	mu      sync.Mutex
	handles map[handleKey]*Handle
}

// New creates a loader.
func New(resolver *descriptor.Resolver, fetcher Fetcher, runtime *container.Runtime, opts Options) *Loader {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	interval := opts.InitialInterval
	if interval <= 0 {
		interval = defaultInitialInterval
	}
	ev := opts.Events
	if ev == nil {
		ev = telemetry.NoOpLog{}
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Loader{
		resolver:        resolver,
		fetcher:         fetcher,
		runtime:         runtime,
		maxAttempts:     maxAttempts,
		initialInterval: interval,
		availability:    opts.Availability,
		events:          ev,
		metrics:         opts.Metrics,
		log:             log,
		handles:         make(map[handleKey]*Handle),
	}
}

// Load returns the module exposed as member by the remote registered under
// scope. The first caller for a given (scope, member) performs the load; any
// concurrent or later caller shares its handle and therefore its single
// fetch, execute, and init.
func (l *Loader) Load(ctx context.Context, scope, member string) (*container.Module, error) {
	h, started := l.obtain(scope, member)
	if started {
		l.run(ctx, h)
	}
	return h.Await(ctx)
}

// Peek returns the existing handle for (scope, member) without starting a
// load.
func (l *Loader) Peek(scope, member string) (*Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[handleKey{scope, member}]
	return h, ok
}

func (l *Loader) obtain(scope, member string) (*Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := handleKey{scope, member}
	if h, ok := l.handles[k]; ok {
		return h, false
	}
	h := &Handle{
		scope:  scope,
		member: member,
		state:  state.HandlePending,
		done:   make(chan struct{}),
	}
	l.handles[k] = h
	return h, true
}

func (l *Loader) run(ctx context.Context, h *Handle) {
	start := time.Now()
	l.events.Record(telemetry.Event{
		Type:  telemetry.EventLoadStarted,
		Scope: h.scope,
	})
	l.setHandleMetric(h.scope, h.member, state.HandlePending)

	mod, attempts, err := l.load(ctx, h.scope, h.member)
	h.settle(mod, err, attempts)

	elapsed := time.Since(start)
	if l.metrics != nil {
		l.metrics.ObserveLoad(h.scope, err == nil, elapsed)
	}
	if err != nil {
		l.setHandleMetric(h.scope, h.member, state.HandleFailed)
		l.events.Record(telemetry.Event{
			Type:     telemetry.EventLoadFailed,
			Severity: telemetry.SeverityError,
			Scope:    h.scope,
			Error:    err.Error(),
			Duration: elapsed,
			Attempt:  attempts,
		})
		l.log.Error("remote load failed", "scope", h.scope, "member", h.member, "attempts", attempts, "error", err)
		return
	}
	l.setHandleMetric(h.scope, h.member, state.HandleReady)
	l.events.Record(telemetry.Event{
		Type:     telemetry.EventLoadSucceeded,
		Scope:    h.scope,
		Duration: elapsed,
		Attempt:  attempts,
	})
	l.log.Info("remote loaded", "scope", h.scope, "member", h.member, "attempts", attempts, "elapsed", elapsed)
}

func (l *Loader) load(ctx context.Context, scope, member string) (*container.Module, int, error) {
	d, err := l.resolver.Resolve(scope)
	if err != nil {
		return nil, 0, err
	}

	if l.availability != nil && !l.availability.Available(scope) {
		return nil, 0, &RemoteLoadError{Scope: scope, Cause: ErrRemoteUnavailable}
	}

	// A loader reset removes the container, so a present container means a
	// sibling member of the same scope already fetched and executed the
	// entry.
	c, ok := l.runtime.Lookup(scope)
	attempts := 0
	if !ok {
		artifact, n, ferr := l.fetchWithRetry(ctx, scope, d.EntryURL)
		attempts = n
		if ferr != nil {
			return nil, attempts, &RemoteLoadError{Scope: scope, Attempts: attempts, Cause: ferr}
		}
		c, err = l.runtime.Exec(scope, artifact)
		if err != nil {
			return nil, attempts, &RemoteLoadError{Scope: scope, Attempts: attempts, Cause: err}
		}
	}

	if err := l.runtime.Init(c); err != nil {
		return nil, attempts, &RemoteLoadError{Scope: scope, Attempts: attempts, Cause: err}
	}
	mod, err := l.runtime.GetMember(c, member)
	if err != nil {
		return nil, attempts, &RemoteLoadError{Scope: scope, Attempts: attempts, Cause: err}
	}
	return mod, attempts, nil
}

func (l *Loader) fetchWithRetry(ctx context.Context, scope string, u *url.URL) ([]byte, int, error) {
	var artifact []byte
	attempts := 0

	op := func() error {
		attempts++
		data, err := l.fetcher.Fetch(ctx, u)
		if err != nil {
			return err
		}
		artifact = data
		return nil
	}
	notify := func(err error, next time.Duration) {
		if l.metrics != nil {
			l.metrics.ObserveRetry(scope)
		}
		l.events.Record(telemetry.Event{
			Type:     telemetry.EventLoadRetried,
			Severity: telemetry.SeverityWarning,
			Scope:    scope,
			Error:    err.Error(),
			Attempt:  attempts,
		})
		l.log.Warn("retrying remote fetch", "scope", scope, "attempt", attempts, "next_in", next, "error", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.initialInterval
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(l.maxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, attempts, err
	}
	return artifact, attempts, nil
}

// Reset forgets a settled handle so the next load starts over. When no other
// member of the same scope is still held, the executed container is dropped
// too and the next load re-fetches the entry. Resetting an in-flight or
// unknown handle is a no-op.
func (l *Loader) Reset(scope, member string) bool {
	l.mu.Lock()
	k := handleKey{scope, member}
	h, ok := l.handles[k]
	if !ok {
		l.mu.Unlock()
		return false
	}
	select {
	case <-h.done:
	default:
		l.mu.Unlock()
		return false
	}
	delete(l.handles, k)
	scopeInUse := false
	for other := range l.handles {
		if other.scope == scope {
			scopeInUse = true
			break
		}
	}
	l.mu.Unlock()

	if !scopeInUse {
		l.runtime.Remove(scope)
	}
	l.setHandleMetric(scope, member, state.HandlePending)
	l.events.Record(telemetry.Event{
		Type:  telemetry.EventLoadReset,
		Scope: scope,
	})
	l.log.Info("remote handle reset", "scope", scope, "member", member)
	return true
}

// Snapshot summarizes all handles for status reporting.
func (l *Loader) Snapshot() []HandleInfo {
	l.mu.Lock()
	handles := make([]*Handle, 0, len(l.handles))
	for _, h := range l.handles {
		handles = append(handles, h)
	}
	l.mu.Unlock()

	infos := make([]HandleInfo, 0, len(handles))
	for _, h := range handles {
		h.mu.Lock()
		info := HandleInfo{
			Scope:    h.scope,
			Member:   h.member,
			State:    h.state,
			Attempts: h.attempts,
		}
		if h.err != nil {
			info.Error = h.err.Error()
		}
		h.mu.Unlock()
		infos = append(infos, info)
	}
	return infos
}

// IsUnknownRemote reports whether err stems from an unregistered scope.
func IsUnknownRemote(err error) bool {
	var unknown *descriptor.UnknownRemoteError
	return errors.As(err, &unknown)
}

func (l *Loader) setHandleMetric(scope, member string, s state.HandleState) {
	if l.metrics != nil {
		l.metrics.SetHandleState(scope, member, float64(s))
	}
}
