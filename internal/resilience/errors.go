package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError marks a failure worth retrying, optionally carrying the HTTP
// status that triggered it. Callers wrap rate limits and server-side failures
// in it so the retry loop can tell them apart from permanent errors.
type TransientError struct {
	Err    error
	Status int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as retryable. status may be 0 when the failure
// never produced an HTTP response.
func NewTransientError(err error, status int) *TransientError {
	return &TransientError{Err: err, Status: status}
}

// IsTransient reports whether err is worth retrying: an explicit
// TransientError anywhere in the chain, a network timeout, or a
// connection-level failure from a flaky upstream.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	for _, errno := range []error{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED} {
		if errors.Is(err, errno) {
			return true
		}
	}

	// Some transport failures only surface as text once an HTTP client has
	// wrapped them.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"tls handshake timeout",
		"no such host",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}

// TransientStatus reports whether an HTTP status is a rate limit or a
// server-side failure that a retry can plausibly clear.
func TransientStatus(code int) bool {
	return code == 408 || code == 429 || (code >= 500 && code <= 599)
}
