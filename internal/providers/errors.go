package providers

import (
	"errors"
	"fmt"
)

// ErrStreamAborted marks a caller-initiated cancellation. It is a clean
// terminal state, not a failure to report upward.
var ErrStreamAborted = errors.New("stream aborted by caller")

// AuthError is a 401/403-class upstream rejection, surfaced verbatim and
// never retried.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected by upstream (status %d): %s", e.Status, e.Body)
}

// DiscoveryError wraps a failed model-list fetch. Callers recover it locally
// as an empty list; it is logged, not fatal.
type DiscoveryError struct {
	Provider string
	Err      error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("model discovery failed for %q: %v", e.Provider, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// ProtocolError means the wire response did not match the expected schema
// for the configured format.
type ProtocolError struct {
	Format  string
	Context string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s protocol violation (%s): %v", e.Format, e.Context, e.Err)
	}

	return fmt.Sprintf("%s protocol violation: %s", e.Format, e.Context)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError is a network-level failure. No implicit retry; the caller
// owns retry policy.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RequestError is a conversion failure caught at request-build time, before
// anything is sent. Converters fail loudly here rather than letting a
// malformed body produce a cryptic remote error.
type RequestError struct {
	Format string
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("cannot build %s request: %s", e.Format, e.Reason)
}
