package federation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrSSRFBlocked marks a destination whose every resolved address is non-public.
	ErrSSRFBlocked = errors.New("destination resolves only to private addresses")
	// ErrNotSigned is returned when an inbound request carries no Signature header at all.
	ErrNotSigned = errors.New("request not signed")
	// ErrInvalidSignature covers well-formed signatures that do not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

// ValidationError rejects a request before it leaves the process: blocked destination,
// unusable URL or missing signing key. It is terminal for the attempt.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Err)
	}
	return "validation failed: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// LengthValidationError reports a response body larger than the configured ceiling.
type LengthValidationError struct {
	Limit    int64
	Declared int64 // Content-Length when announced, -1 otherwise
}

func (e *LengthValidationError) Error() string {
	if e.Declared >= 0 {
		return fmt.Sprintf("content-length %d exceeds limit of %d bytes", e.Declared, e.Limit)
	}
	return fmt.Sprintf("body exceeds limit of %d bytes", e.Limit)
}

// TransportError wraps DNS, connect, TLS and timeout failures.
type TransportError struct {
	Op   string
	Host string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the underlying failure was a timeout.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// ParseError reports a Signature header that is present but malformed.
type ParseError struct {
	Header string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed %s header: %s", e.Header, e.Reason)
}

// StatusError is a completed exchange whose response status was not 2xx.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response %d %s from %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// Unsalvageable reports a client error the remote will keep returning for this payload.
// 401, 408 and 429 can succeed later and are excluded.
func (e *StatusError) Unsalvageable() bool {
	if e.StatusCode < 400 || e.StatusCode >= 500 {
		return false
	}
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return true
}

// IsRetryable tells the invoking job system whether a failed delivery is worth
// scheduling again. Validation and length errors and unsalvageable statuses are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	var length *LengthValidationError
	if errors.As(err, &length) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return !status.Unsalvageable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Transport failures and anything unclassified may be transient.
	return true
}
