// Package rate bounds authentication attempts per (identifier, method) across every service
// instance using Redis.
//
// # Window semantics
//
// Failures are members of a sorted set scored by their time in milliseconds, so the count
// always covers exactly the trailing window. Reaching the threshold writes a lock key whose
// value is the lock deadline and bumps a level key; each successive lock doubles the
// lockout length up to MaxLockout. Keys share a hash tag so the script stays on one slot:
//
//	rl:{<method>:<identifier>}:w     failures (ZSET)
//	rl:{<method>:<identifier>}:lock  lock deadline, unix ms
//	rl:{<method>:<identifier>}:lvl   escalation level
//
// Deadlines are compared against the caller's clock rather than key TTLs; TTLs only reclaim
// memory.
package rate
