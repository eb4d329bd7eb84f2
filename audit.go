package authcore

import (
	"io"

	internalaudit "github.com/MrEthical07/authcore/internal/audit"
	"github.com/rs/zerolog"
)

// AuditEvent is one security-relevant record. Raw secrets (passwords, codes, tokens) are
// never placed in it.
type AuditEvent = internalaudit.Event

// AuditSink receives events from the Engine's asynchronous dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink discards every event.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink buffers events in a channel; useful in tests.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink returns a sink backed by a channel of the given capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink returns a sink that writes JSON lines to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewZerologSink returns a sink that logs each event through logger.
func NewZerologSink(logger zerolog.Logger) AuditSink {
	return internalaudit.NewZerologSink(logger)
}
