// Package internal contains helpers that are private to authcore: opaque token
// generation and hashing.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - config: environment binding for the server binary
//   - rate: Redis sliding-window limiter with exponential lockout
//   - stores: Redis login attempts and single-use challenges
//   - webhook: outbox relay and signed HTTP delivery
//
// # What this package must NOT do
//
//   - Export types that appear in the public authcore API.
//   - Persist a raw token. Only the sha256 digest leaves this package.
package internal
