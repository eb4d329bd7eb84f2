package authcore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Caller-facing error taxonomy. Every error returned by an Engine method matches exactly one
// of these with errors.Is. Internal causes are logged and audited, never returned.
var (
	// ErrValidation marks malformed input. The concrete error is a *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrAuthenticationFailed is the single generic answer for wrong credentials, unknown
	// identities, locked users and failed signature or counter checks.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrMFARequired means the primary factor was accepted and a second factor is pending.
	// The concrete error is a *MFARequiredError carrying the attempt id.
	ErrMFARequired = errors.New("mfa required")
	// ErrRateLimited is returned before any cryptographic check when the limiter denies.
	// The concrete error is a *RateLimitedError.
	ErrRateLimited = errors.New("rate limited")

	// Invitation, reset and refresh token outcomes.
	ErrTokenInvalid     = errors.New("token invalid")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenAlreadyUsed = errors.New("token already used")

	// ErrConflict covers duplicate registrations and links.
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
	// ErrInternal is the opaque failure for store and provider errors.
	ErrInternal = errors.New("internal error")
	// ErrEngineNotReady is returned by a zero or closed Engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// ErrProviderUnavailable is a recoverable ErrInternal: the identity provider timed out
// or failed after the bounded retries. Clients may retry the whole OAuth flow.
var ErrProviderUnavailable = fmt.Errorf("%w: identity provider unavailable", ErrInternal)

// ValidationError carries field-level detail.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

// RateLimitedError carries the retry-after hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// MFARequiredError is returned when a second factor must be presented for AttemptID.
type MFARequiredError struct {
	AttemptID string
	Methods   []string
}

func (e *MFARequiredError) Error() string { return "mfa required" }

func (e *MFARequiredError) Unwrap() error { return ErrMFARequired }

// RetryAfter extracts the retry-after hint from a rate-limited error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
