// Package boundary contains faults raised by one mounted region so the rest
// of the composition keeps running. A boundary wraps every synchronous call
// into a region's module; a panic or error trips the boundary, the region
// shows fallback content, and the surrounding shell never sees the fault as
// anything but an error value.
package boundary

import (
	"fmt"
	"sync"
	"time"

	"github.com/mosaicfe/mosaic/internal/state"
	"github.com/mosaicfe/mosaic/internal/telemetry"
)

// FaultError is a contained fault. Cause carries the original error, or a
// synthesized error when the module panicked.
type FaultError struct {
	Region string
	Cause  error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("region %s: fault contained: %v", e.Region, e.Cause)
}

func (e *FaultError) Unwrap() error { return e.Cause }

// FallbackFunc renders the placeholder content shown while a boundary is
// tripped.
type FallbackFunc func(region string, cause error) string

// DefaultFallback is used when no fallback is configured.
func DefaultFallback(region string, cause error) string {
	return fmt.Sprintf("%s is temporarily unavailable", region)
}

// Recorder is the metrics surface boundaries report to.
type Recorder interface {
	ObserveBoundaryTrip(region string)
	ObserveBoundaryReset(region string)
}

// Options configures a boundary.
type Options struct {
	// Fallback renders placeholder content while tripped.
	Fallback FallbackFunc

	// OnFault is invoked after each trip, outside the boundary's lock.
	OnFault func(region string, fault *FaultError)

	// LoaderReset is invoked on Reset with the fault that tripped the
	// boundary. Wired by the host to the loader's reset so a load-caused
	// trip re-fetches on the next mount; the host inspects the cause and
	// leaves mount-caused trips alone.
	LoaderReset func(cause error)

	Events  telemetry.Log
	Metrics Recorder
	Logger  telemetry.Logger
}

// Boundary is the fault isolation wrapper for one region.
type Boundary struct {
	region string

	fallback    FallbackFunc
	onFault     func(string, *FaultError)
	loaderReset func(error)
	events      telemetry.Log
	metrics     Recorder
	log         telemetry.Logger

	mu         sync.Mutex
	status     state.BoundaryStatus
	lastFault  *FaultError
	trippedAt  time.Time
	faultCount int
	resetCount int
}

// New creates a healthy boundary for region.
func New(region string, opts Options) *Boundary {
	fallback := opts.Fallback
	if fallback == nil {
		fallback = DefaultFallback
	}
	ev := opts.Events
	if ev == nil {
		ev = telemetry.NoOpLog{}
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Boundary{
		region:      region,
		fallback:    fallback,
		onFault:     opts.OnFault,
		loaderReset: opts.LoaderReset,
		events:      ev,
		metrics:     opts.Metrics,
		log:         log,
		status:      state.BoundaryHealthy,
	}
}

// Region returns the region this boundary protects.
func (b *Boundary) Region() string { return b.region }

// Guard runs fn, containing any panic or returned error. A fault trips the
// boundary and comes back as a *FaultError; it is never rethrown. Calling
// Guard on a tripped boundary returns the stored fault without running fn.
//
// Only the synchronous call is guarded. Goroutines fn spawns are on their
// own.
func (b *Boundary) Guard(fn func() error) error {
	b.mu.Lock()
	if b.status == state.BoundaryTripped {
		fault := b.lastFault
		b.mu.Unlock()
		return fault
	}
	b.mu.Unlock()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn()
	}()

	if err == nil {
		return nil
	}
	return b.trip(err)
}

// Teardown runs fn even while the boundary is tripped, containing any panic
// or returned error. Teardown exists for unmount hooks, which are cleanup
// rather than lifecycle and must run regardless of the region's fault state.
// A teardown fault trips a healthy boundary; on an already tripped boundary
// it is returned without overwriting the stored fault.
func (b *Boundary) Teardown(fn func() error) error {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn()
	}()

	if err == nil {
		return nil
	}

	b.mu.Lock()
	tripped := b.status == state.BoundaryTripped
	b.mu.Unlock()
	if tripped {
		return &FaultError{Region: b.region, Cause: err}
	}
	return b.trip(err)
}

func (b *Boundary) trip(cause error) *FaultError {
	fault := &FaultError{Region: b.region, Cause: cause}

	b.mu.Lock()
	b.status = state.BoundaryTripped
	b.lastFault = fault
	b.trippedAt = time.Now()
	b.faultCount++
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ObserveBoundaryTrip(b.region)
	}
	b.events.Record(telemetry.Event{
		Type:     telemetry.EventBoundaryTripped,
		Severity: telemetry.SeverityError,
		Region:   b.region,
		Error:    cause.Error(),
	})
	b.log.Error("boundary tripped", "region", b.region, "error", cause)

	if b.onFault != nil {
		b.onFault(b.region, fault)
	}
	return fault
}

// Status returns the boundary's current status.
func (b *Boundary) Status() state.BoundaryStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// LastError returns the most recent contained fault, nil when none.
func (b *Boundary) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastFault == nil {
		return nil
	}
	return b.lastFault
}

// Fallback renders the placeholder content for the current fault.
func (b *Boundary) Fallback() string {
	b.mu.Lock()
	var cause error
	if b.lastFault != nil {
		cause = b.lastFault.Cause
	}
	b.mu.Unlock()
	return b.fallback(b.region, cause)
}

// FaultCount returns how many faults this boundary has contained.
func (b *Boundary) FaultCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.faultCount
}

// ResetCount returns how many times the boundary was reset.
func (b *Boundary) ResetCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resetCount
}

// Reset returns a tripped boundary to healthy so the region can be mounted
// again, invoking the loader reset hook so a load-caused fault re-fetches.
// Resetting a healthy boundary is a no-op.
func (b *Boundary) Reset() bool {
	b.mu.Lock()
	if b.status != state.BoundaryTripped {
		b.mu.Unlock()
		return false
	}
	fault := b.lastFault
	b.status = state.BoundaryHealthy
	b.lastFault = nil
	b.trippedAt = time.Time{}
	b.resetCount++
	b.mu.Unlock()

	if b.loaderReset != nil && fault != nil {
		b.loaderReset(fault.Cause)
	}
	if b.metrics != nil {
		b.metrics.ObserveBoundaryReset(b.region)
	}
	b.events.Record(telemetry.Event{
		Type:   telemetry.EventBoundaryReset,
		Region: b.region,
	})
	b.log.Info("boundary reset", "region", b.region)
	return true
}

// Info is a point-in-time summary for status surfaces.
type Info struct {
	Region     string               `json:"region"`
	Status     state.BoundaryStatus `json:"status"`
	FaultCount int                  `json:"faultCount"`
	ResetCount int                  `json:"resetCount"`
	LastError  string               `json:"lastError,omitempty"`
	TrippedAt  *time.Time           `json:"trippedAt,omitempty"`
}

// Snapshot summarizes the boundary.
func (b *Boundary) Snapshot() Info {
	b.mu.Lock()
	defer b.mu.Unlock()

	info := Info{
		Region:     b.region,
		Status:     b.status,
		FaultCount: b.faultCount,
		ResetCount: b.resetCount,
	}
	if b.lastFault != nil {
		info.LastError = b.lastFault.Error()
		t := b.trippedAt
		info.TrippedAt = &t
	}
	return info
}
