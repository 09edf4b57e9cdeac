package matrix

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// Standard Matrix error codes.
const (
	ErrCodeForbidden       = "M_FORBIDDEN"
	ErrCodeUnknownToken    = "M_UNKNOWN_TOKEN"
	ErrCodeMissingToken    = "M_MISSING_TOKEN"
	ErrCodeNotFound        = "M_NOT_FOUND"
	ErrCodeLimitExceeded   = "M_LIMIT_EXCEEDED"
	ErrCodeConsentNotGiven = "M_CONSENT_NOT_GIVEN"
	ErrCodeUnknown         = "M_UNKNOWN"
	ErrCodeBadJSON         = "M_BAD_JSON"
	ErrCodeNotJSON         = "M_NOT_JSON"
)

// MatrixError represents a structured error response from the homeserver.
type MatrixError struct {
	// Code is the Matrix error code, e.g. "M_UNKNOWN_TOKEN".
	Code string
	// Message is the human-readable description from the server.
	Message string
	// StatusCode is the HTTP status of the response.
	StatusCode int
	// RetryAfter is the server's requested delay for M_LIMIT_EXCEEDED.
	RetryAfter time.Duration
	// ConsentURI is set for M_CONSENT_NOT_GIVEN.
	ConsentURI string
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// parseMatrixError builds a MatrixError from an error response body. The
// body is sniffed rather than decoded so that partial or oversized
// bodies still yield the errcode.
func parseMatrixError(status int, body []byte) *MatrixError {
	me := &MatrixError{StatusCode: status}

	if gjson.ValidBytes(body) {
		res := gjson.GetManyBytes(body, "errcode", "error", "retry_after_ms", "consent_uri")
		me.Code = res[0].String()
		me.Message = res[1].String()

		if ms := res[2].Int(); ms > 0 {
			me.RetryAfter = time.Duration(ms) * time.Millisecond
		}

		me.ConsentURI = res[3].String()
	}

	if me.Code == "" {
		me.Code = ErrCodeUnknown
	}

	if me.Message == "" {
		me.Message = sanitizeResponseBody(body)
	}

	return me
}

// IsMatrixError checks whether err is a *MatrixError with the given code.
func IsMatrixError(err error, code string) bool {
	var me *MatrixError
	if errors.As(err, &me) {
		return me.Code == code
	}

	return false
}

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuthError reports whether err means the access token is no longer
// accepted and the user must sign in again.
func IsAuthError(err error) bool {
	var me *MatrixError
	if !errors.As(err, &me) {
		return false
	}

	return me.Code == ErrCodeUnknownToken ||
		me.Code == ErrCodeMissingToken ||
		me.StatusCode == http.StatusUnauthorized
}

// IsConsentNotGiven reports whether the server requires the user to
// accept its terms before continuing.
func IsConsentNotGiven(err error) bool {
	return IsMatrixError(err, ErrCodeConsentNotGiven)
}

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var me *MatrixError
	if errors.As(err, &me) && me.RetryAfter > 0 {
		return me.RetryAfter, true
	}

	return 0, false
}

// IsConnectionError reports whether err is a failure to reach the server
// at all (DNS, dial, refused), as opposed to a slow or failing server.
func IsConnectionError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}

	return false
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
