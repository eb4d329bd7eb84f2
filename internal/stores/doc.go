// Package stores provides the Redis-backed, short-lived records of authentication flows:
// persisted login attempts (the step-up state machine) and single-use challenges.
//
// # Design
//
// Login attempts are versioned, binary-encoded records whose state only moves through
// WATCH/MULTI compare-and-set transitions with retry on contention. Challenges are JSON
// records consumed with GETDEL, so a challenge is gone before anyone verifies it.
//
// This package makes no authentication decisions and never sees plaintext secrets.
package stores
