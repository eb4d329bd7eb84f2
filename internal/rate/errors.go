package rate

import "errors"

var (
	// ErrRedisUnavailable wraps every backend failure.
	ErrRedisUnavailable = errors.New("rate limiter backend unavailable")
)
