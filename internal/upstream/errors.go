package upstream

import (
	"errors"
	"fmt"
)

// Sentinel errors for the upstream failure taxonomy. Callers classify with
// errors.Is; wrapped detail stays available through errors.As/Unwrap.
var (
	// ErrNotConnected is returned before Connect succeeds or after a fatal
	// disconnect. Never retried in-request.
	ErrNotConnected = errors.New("not connected to miniserver")

	// ErrAuthFailed is fatal to the current session. The client renegotiates
	// the token once; a second failure propagates.
	ErrAuthFailed = errors.New("miniserver authentication failed")

	// ErrTransient marks failures worth an in-request retry (network blips,
	// 5xx responses, timeouts).
	ErrTransient = errors.New("transient miniserver error")

	// ErrNotFound is returned for unknown UUIDs.
	ErrNotFound = errors.New("uuid not found")

	// ErrBatchRefused is returned internally when the Miniserver rejects a
	// batched read (413/400); the caller falls back to per-UUID reads.
	ErrBatchRefused = errors.New("batch read refused")
)

// ParseError wraps an unparseable upstream response.
type ParseError struct {
	UUID string
	Msg  string
}

func (e *ParseError) Error() string {
	if e.UUID != "" {
		return fmt.Sprintf("parse upstream response for %s: %s", e.UUID, e.Msg)
	}
	return "parse upstream response: " + e.Msg
}

// transientf wraps a formatted error as transient.
func transientf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrTransient}, args...)...)
}

// statusError maps an HTTP status code to the failure taxonomy.
func statusError(status int, body string) error {
	switch {
	case status == 401 || status == 403:
		return fmt.Errorf("%w: status %d", ErrAuthFailed, status)
	case status == 404:
		return fmt.Errorf("%w: status 404", ErrNotFound)
	case status == 400 || status == 413:
		return fmt.Errorf("%w: status %d", ErrBatchRefused, status)
	case status >= 500:
		return transientf("status %d: %.80s", status, body)
	default:
		return fmt.Errorf("unexpected miniserver status %d: %.80s", status, body)
	}
}
