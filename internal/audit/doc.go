// Package audit implements async event dispatching for security-relevant operations.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON writer, zerolog, fan-out, no-op).
//   - [Dispatcher]: buffered async relay. Routine events may be shed when the queue is
//     full; alerts (refresh reuse, passkey clones, code replays) always wait for room.
//   - [Event]: one record keyed by user, tenant, refresh family and sign-in attempt, with
//     the credential kind and method involved.
//
// This package owns event buffering and sink delivery. It does NOT decide which events
// to emit; the Engine does.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import authcore or any sibling internal package.
//   - Perform network I/O beyond what a caller-supplied Sink does.
package audit
