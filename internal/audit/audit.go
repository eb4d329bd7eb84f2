package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Detail keys that NewEvent lifts out of the free-form details into typed fields.
const (
	KeyMethod    = "method"
	KeyKind      = "kind"
	KeyAttemptID = "attempt_id"
	KeyProvider  = "provider"
)

// Event is one authentication-relevant record. It names the actors an operator pivots on
// when investigating an account: the user, the tenant, the refresh family a session
// belongs to, the sign-in attempt, and which credential kind and method were involved.
type Event struct {
	At         time.Time `json:"at"`
	Type       string    `json:"type"`
	Success    bool      `json:"success"`
	Alert      bool      `json:"alert,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
	FamilyID   string    `json:"family_id,omitempty"`
	AttemptID  string    `json:"attempt_id,omitempty"`
	Credential string    `json:"credential_kind,omitempty"`
	Method     string    `json:"method,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	ClientIP   string    `json:"client_ip,omitempty"`
	// Failure is the coarse error class of an unsuccessful event.
	Failure string            `json:"failure,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewEvent builds an event and moves the well-known keys of details into their fields.
// The details map is not modified.
func NewEvent(at time.Time, typ string, success bool, details map[string]string) Event {
	ev := Event{At: at, Type: typ, Success: success}
	if len(details) == 0 {
		return ev
	}
	rest := make(map[string]string, len(details))
	for k, v := range details {
		switch k {
		case KeyMethod:
			ev.Method = v
		case KeyKind:
			ev.Credential = v
		case KeyAttemptID:
			ev.AttemptID = v
		case KeyProvider:
			ev.Provider = v
		default:
			rest[k] = v
		}
	}
	if len(rest) > 0 {
		ev.Details = rest
	}
	return ev
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink hands events to a buffered channel; tests read from it.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{events: make(chan Event, max(buffer, 1))}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{w: w}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.w == nil {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(line)
}
