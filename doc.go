// Package authcore is a multi-tenant authentication engine: password, OAuth and
// WebAuthn sign-in, TOTP and backup-code second factors, signed access tokens with
// rotating refresh families, invitations and account recovery.
//
// Build an [Engine] with [New] and [Builder.Build]. Engine methods are safe for
// concurrent use. Durable state lives behind store.Store (Postgres or in-memory);
// short-lived state (login attempts, OAuth state, WebAuthn ceremonies, failure
// counters) lives in Redis.
//
// # Errors
//
// Callers branch on sentinel errors with errors.Is: [ErrValidation],
// [ErrAuthenticationFailed], [ErrMFARequired], [ErrRateLimited], [ErrTokenInvalid],
// [ErrTokenExpired], [ErrTokenAlreadyUsed], [ErrConflict], [ErrNotFound] and
// [ErrProviderUnavailable]. Credential failures are uniform: an unknown email and a
// wrong password are indistinguishable.
//
// # What this package must NOT do
//
//   - Expose Redis clients or storage encodings in its public API.
//   - Log or audit secrets, passwords or plaintext tokens.
//   - Import httpapi, middleware or the metrics exporters (they import authcore).
package authcore
