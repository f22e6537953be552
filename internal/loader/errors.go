package loader

import "fmt"

// RemoteLoadError reports that a remote's entry could not be loaded after the
// retry budget was exhausted. It is the terminal error memoized on a failed
// handle; recovery requires an explicit reset.
type RemoteLoadError struct {
	Scope    string
	Attempts int
	Cause    error
}

func (e *RemoteLoadError) Error() string {
	return fmt.Sprintf("load remote %s: failed after %d attempt(s): %v", e.Scope, e.Attempts, e.Cause)
}

func (e *RemoteLoadError) Unwrap() error { return e.Cause }

// ErrRemoteUnavailable marks a load rejected before any fetch because the
// remote's entry location recently failed its availability probe.
var ErrRemoteUnavailable = fmt.Errorf("remote marked unavailable by probe")
