// Package webhook delivers queued outbox events to inviter applications.
//
// Events are written by the engine inside the transaction that produced them.
// A [Relay] later drains due events, hands each to a [Sender], and either marks
// it delivered or reschedules it with capped exponential backoff. Delivery is
// at-least-once; receivers deduplicate on the Idempotency-Key header.
package webhook
