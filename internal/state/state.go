// Package state provides the shared state definitions for remote module
// handles and fault isolation boundaries. Keeping them in one place ensures
// consistent transition semantics across the runtime.
package state

import (
	"encoding/json"
	"fmt"
)

// HandleState represents the lifecycle state of a loaded-module handle.
type HandleState int32

const (
	// HandlePending indicates a load is in flight (or not yet attempted).
	HandlePending HandleState = iota

	// HandleReady indicates the module resolved successfully. Terminal
	// unless the handle is explicitly reset.
	HandleReady

	// HandleFailed indicates the load failed after the retry budget was
	// exhausted. Terminal unless the handle is explicitly reset.
	HandleFailed
)

// String returns the string representation of the handle state.
func (s HandleState) String() string {
	switch s {
	case HandlePending:
		return "pending"
	case HandleReady:
		return "ready"
	case HandleFailed:
		return "failed"
	default:
		return fmt.Sprintf("handle-state(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s HandleState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *HandleState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseHandleState(str)
	return nil
}

// ParseHandleState converts a string to a HandleState.
func ParseHandleState(s string) HandleState {
	switch s {
	case "pending", "loading": // accept legacy alias
		return HandlePending
	case "ready", "resolved":
		return HandleReady
	case "failed", "rejected":
		return HandleFailed
	default:
		return HandlePending
	}
}

// IsTerminal returns true once the handle will no longer change on its own.
func (s HandleState) IsTerminal() bool {
	return s == HandleReady || s == HandleFailed
}

// handleTransitions defines the allowed handle state transitions.
// A Failed handle returns to Pending only via an explicit reset.
var handleTransitions = map[HandleState][]HandleState{
	HandlePending: {HandleReady, HandleFailed},
	HandleReady:   {},
	HandleFailed:  {HandlePending},
}

// CanTransitionHandle reports whether from -> to is a valid handle transition.
func CanTransitionHandle(from, to HandleState) bool {
	for _, s := range handleTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BoundaryStatus represents the status of a fault isolation boundary.
type BoundaryStatus int32

const (
	// BoundaryHealthy indicates the wrapped region is mounted and serving.
	BoundaryHealthy BoundaryStatus = iota

	// BoundaryTripped indicates the wrapped region raised during mount or a
	// lifecycle call and the fallback is showing.
	BoundaryTripped
)

// String returns the string representation of the boundary status.
func (s BoundaryStatus) String() string {
	switch s {
	case BoundaryHealthy:
		return "healthy"
	case BoundaryTripped:
		return "tripped"
	default:
		return fmt.Sprintf("boundary-status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s BoundaryStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *BoundaryStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseBoundaryStatus(str)
	return nil
}

// ParseBoundaryStatus converts a string to a BoundaryStatus.
func ParseBoundaryStatus(s string) BoundaryStatus {
	switch s {
	case "tripped", "faulted":
		return BoundaryTripped
	default:
		return BoundaryHealthy
	}
}

// IsHealthy returns true when the boundary is serving its wrapped region.
func (s BoundaryStatus) IsHealthy() bool {
	return s == BoundaryHealthy
}

// TransitionError reports an invalid handle state transition.
type TransitionError struct {
	From HandleState
	To   HandleState
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid handle state transition: %s -> %s", e.From, e.To)
}
