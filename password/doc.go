// Package password hashes passwords with Argon2id and decides whether a candidate is
// acceptable as a new password.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Argon2.NeedsUpgrade] reports hashes produced with weaker parameters so the caller can
// re-hash on the next successful sign-in.
//
// # Policy
//
// [Policy] enforces a minimum rune length and consults a pluggable [BreachChecker]. The
// default checker is a small denylist embedded in the binary; deployments wire a k-anonymity
// range API or a larger corpus behind the same interface.
//
// This package never stores passwords and never logs plaintext.
package password
