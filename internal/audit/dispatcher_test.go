package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	gate   chan struct{}
}

func (s *recordingSink) Emit(_ context.Context, ev Event) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitDrained(t *testing.T, d *Dispatcher) {
	t.Helper()
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
}

func TestNewEventLiftsKnownDetails(t *testing.T) {
	details := map[string]string{
		KeyMethod:    "totp",
		KeyKind:      "webauthn",
		KeyAttemptID: "att-1",
		KeyProvider:  "acme",
		"reason":     "wrong_code",
	}
	ev := NewEvent(time.Unix(10, 0), "mfa_failure", false, details)

	assert.Equal(t, "totp", ev.Method)
	assert.Equal(t, "webauthn", ev.Credential)
	assert.Equal(t, "att-1", ev.AttemptID)
	assert.Equal(t, "acme", ev.Provider)
	assert.Equal(t, map[string]string{"reason": "wrong_code"}, ev.Details)
	assert.Len(t, details, 5, "caller map must be left alone")

	bare := NewEvent(time.Unix(10, 0), "logout", true, map[string]string{KeyMethod: "refresh"})
	assert.Nil(t, bare.Details)
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, &recordingSink{})
	require.Nil(t, d)
	d.Emit(context.Background(), Event{Type: "session_issued"})
	d.Close()
	assert.Zero(t, d.Dropped())
	assert.Zero(t, d.Alerts())
}

func TestDispatcherDeliversInOrderBeforeClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink)
	for _, typ := range []string{"password_signin_success", "mfa_required", "mfa_success", "session_issued"} {
		d.Emit(context.Background(), Event{Type: typ})
	}
	d.Close()
	assert.Equal(t, []string{"password_signin_success", "mfa_required", "mfa_success", "session_issued"}, sink.types())
}

func TestFullQueueShedsRoutineEventsButKeepsAlerts(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// one event held by the sink, one in the queue
	d.Emit(context.Background(), Event{Type: "refresh_success"})
	waitDrained(t, d)
	d.Emit(context.Background(), Event{Type: "refresh_success"})

	start := time.Now()
	d.Emit(context.Background(), Event{Type: "refresh_success"})
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	require.Equal(t, uint64(1), d.Dropped())

	queued := make(chan struct{})
	go func() {
		d.Emit(context.Background(), Event{Type: "refresh_reuse_detected", Alert: true, FamilyID: "fam-1"})
		close(queued)
	}()
	select {
	case <-queued:
		t.Fatal("alert must wait for room instead of being shed")
	case <-time.After(100 * time.Millisecond):
	}

	close(sink.gate)
	select {
	case <-queued:
	case <-time.After(2 * time.Second):
		t.Fatal("alert never queued")
	}
	d.Close()

	assert.Equal(t, uint64(1), d.Dropped())
	assert.Equal(t, uint64(1), d.Alerts())
	assert.Contains(t, sink.types(), "refresh_reuse_detected")
}

func TestBlockingEmitGivesUpWithContext(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1}, sink)
	defer func() {
		close(sink.gate)
		d.Close()
	}()

	d.Emit(context.Background(), Event{Type: "oauth_started"})
	waitDrained(t, d)
	d.Emit(context.Background(), Event{Type: "oauth_started"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d.Emit(ctx, Event{Type: "oauth_success"})
	assert.Equal(t, uint64(1), d.Dropped())
}

func TestCloseIdempotentAndEmitAfterCloseIgnored(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4, DropIfFull: true}, sink)
	d.Emit(context.Background(), Event{Type: "logout"})
	d.Close()
	d.Close()
	d.Emit(context.Background(), Event{Type: "logout_all"})
	assert.Equal(t, []string{"logout"}, sink.types())
}

func TestJSONWriterSinkWritesDomainFields(t *testing.T) {
	var buf lockedBuffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), Event{
		At:        time.Unix(1700000000, 0).UTC(),
		Type:      "session_issued",
		Success:   true,
		UserID:    "u1",
		TenantID:  "T1",
		FamilyID:  "fam-1",
		AttemptID: "att-1",
		Method:    "password",
	})

	out := buf.String()
	require.True(t, strings.HasSuffix(out, "\n"))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "session_issued", decoded["type"])
	assert.Equal(t, "fam-1", decoded["family_id"])
	assert.Equal(t, "att-1", decoded["attempt_id"])
	assert.Equal(t, "password", decoded["method"])
	assert.NotContains(t, decoded, "alert")
	assert.NotContains(t, decoded, "details")
}

func TestZerologSinkLevels(t *testing.T) {
	var buf lockedBuffer
	sink := MultiSink{NewZerologSink(zerolog.New(&buf)), nil}

	sink.Emit(context.Background(), Event{Type: "webauthn_clone_suspected", Alert: true, Credential: "webauthn",
		Details: map[string]string{"credential_id": "c1"}})
	sink.Emit(context.Background(), Event{Type: "mfa_failure", Failure: "invalid_credentials", AttemptID: "att-1"})
	sink.Emit(context.Background(), Event{Type: "session_issued", Success: true, FamilyID: "fam-1"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"level":"error"`)
	assert.Contains(t, lines[0], `"credential_kind":"webauthn"`)
	assert.Contains(t, lines[0], `"credential_id":"c1"`)
	assert.Contains(t, lines[1], `"level":"warn"`)
	assert.Contains(t, lines[1], `"attempt":"att-1"`)
	assert.Contains(t, lines[2], `"level":"info"`)
	assert.Contains(t, lines[2], `"family":"fam-1"`)
}
