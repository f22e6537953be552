// Package platformctx provides the hierarchical shared-state container
// established once at the composition root. State is divided into named,
// independently-updatable slices; consumers subscribe to exactly the slice
// they need, so an update to one slice never notifies another slice's
// subscribers.
package platformctx

import (
	"sync"

	"github.com/mosaicfe/mosaic/internal/telemetry"
)

// Slice names.
const (
	SliceSearch     = "search"
	SliceNavigation = "navigation"
	SliceSelection  = "selection"
	SliceIdentity   = "identity"
)

// Recorder receives context metrics. *metrics.Collector satisfies it.
type Recorder interface {
	ObserveSliceUpdate(slice string)
}

// Options configures a context root.
type Options struct {
	Events  telemetry.Log
	Metrics Recorder
}

// Root is the platform context root, owned by the host for the lifetime of
// the page. Any descendant, including code inside a dynamically loaded
// remote, may read a slice's value and invoke its setters; there is no
// writer access control.
type Root struct {
	Search     *SearchSlice
	Navigation *NavigationSlice
	Selection  *SelectionSlice

	identity Identity
}

// NewRoot creates a context root. Identity is fixed at creation and never
// mutated by descendants.
func NewRoot(identity Identity, opts Options) *Root {
	ev := opts.Events
	if ev == nil {
		ev = telemetry.NoOpLog{}
	}
	return &Root{
		Search:     &SearchSlice{core: newCore[SearchState](SliceSearch, ev, opts.Metrics)},
		Navigation: &NavigationSlice{core: newCore[[]Breadcrumb](SliceNavigation, ev, opts.Metrics)},
		Selection:  &SelectionSlice{core: newCore[SelectionState](SliceSelection, ev, opts.Metrics)},
		identity:   identity,
	}
}

// Identity returns the read-only identity slice value. Permissions are
// copied so callers cannot mutate the root's state.
func (r *Root) Identity() Identity {
	id := r.identity
	id.Permissions = append([]string(nil), id.Permissions...)
	return id
}

// Identity is the read-only identity slice, supplied once at root creation.
type Identity struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// HasPermission reports whether the identity carries a permission.
func (id Identity) HasPermission(perm string) bool {
	for _, p := range id.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// core is the shared slice machinery: a current value plus an ordered
// subscriber list. Writes are applied in call order and notify only this
// slice's subscribers, synchronously.
type core[T any] struct {
	mu      sync.Mutex
	name    string
	value   T
	subs    []coreSub[T]
	nextID  int64
	events  telemetry.Log
	metrics Recorder
}

type coreSub[T any] struct {
	id int64
	fn func(T)
}

func newCore[T any](name string, events telemetry.Log, metrics Recorder) *core[T] {
	return &core[T]{name: name, events: events, metrics: metrics}
}

func (c *core[T]) get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// update applies fn to the current value and notifies subscribers in
// registration order before returning.
func (c *core[T]) update(fn func(T) T) {
	c.mu.Lock()
	c.value = fn(c.value)
	value := c.value
	subs := make([]coreSub[T], len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(value)
	}

	if c.metrics != nil {
		c.metrics.ObserveSliceUpdate(c.name)
	}
	c.events.Record(telemetry.Event{
		Type:     telemetry.EventSliceUpdated,
		Severity: telemetry.SeverityDebug,
		Metadata: map[string]string{"slice": c.name},
	})
}

func (c *core[T]) subscribe(fn func(T)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, coreSub[T]{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}
