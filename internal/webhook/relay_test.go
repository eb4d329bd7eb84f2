package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/authcore/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func enqueue(t *testing.T, s *store.Memory, id string) {
	t.Helper()
	require.NoError(t, s.EnqueueWebhook(context.Background(), store.WebhookEvent{
		ID:            id,
		InviterAppID:  "app-1",
		Type:          "invitation.accepted",
		Payload:       []byte(`{"id":"` + id + `"}`),
		NextAttemptAt: t0,
		CreatedAt:     t0,
	}))
}

func TestRelayDeliversSignedEvent(t *testing.T) {
	secret := []byte("s3cret")
	var (
		mu   sync.Mutex
		seen []*http.Request
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, r)
		body = b
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := store.NewMemory()
	enqueue(t, s, "evt-1")
	c := &clock{t: t0}

	var delivered atomic.Int32
	relay := NewRelay(s, NewHTTPSender(srv.Client(), map[string]Receiver{"app-1": {URL: srv.URL, Secret: secret}}, time.Second),
		Config{}, Hooks{Delivered: func(context.Context, store.WebhookEvent) { delivered.Add(1) }}, c.Now, zerolog.Nop())

	n, err := relay.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), delivered.Load())

	mu.Lock()
	require.Len(t, seen, 1)
	req := seen[0]
	assert.Equal(t, "evt-1", req.Header.Get(HeaderIdempotencyKey))
	assert.Equal(t, "invitation.accepted", req.Header.Get(HeaderEvent))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.True(t, Verify(secret, req.Header.Get(HeaderTimestamp), body, req.Header.Get(HeaderSignature)))
	assert.False(t, Verify([]byte("other"), req.Header.Get(HeaderTimestamp), body, req.Header.Get(HeaderSignature)))
	mu.Unlock()

	due, err := s.DueWebhooks(context.Background(), c.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRelayReschedulesWithBackoff(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	s := store.NewMemory()
	enqueue(t, s, "evt-1")
	c := &clock{t: t0}

	var failures []int
	relay := NewRelay(s, NewHTTPSender(srv.Client(), map[string]Receiver{"app-1": {URL: srv.URL}}, time.Second),
		Config{BaseBackoff: 5 * time.Second, MaxBackoff: time.Minute},
		Hooks{Failed: func(_ context.Context, _ store.WebhookEvent, attempts int, _ error) { failures = append(failures, attempts) }},
		c.Now, zerolog.Nop())

	ctx := context.Background()
	n, err := relay.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Not due again until the first backoff elapses.
	n, err = relay.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int32(1), calls.Load())

	c.Advance(5 * time.Second)
	_, err = relay.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, failures)

	due, err := s.DueWebhooks(ctx, c.Now().Add(10*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].Attempts)
	assert.Equal(t, c.Now().Add(10*time.Second), due[0].NextAttemptAt)

	status.Store(http.StatusOK)
	c.Advance(10 * time.Second)
	n, err = relay.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRelayUnknownReceiverIsRetried(t *testing.T) {
	s := store.NewMemory()
	enqueue(t, s, "evt-1")
	c := &clock{t: t0}

	var got error
	relay := NewRelay(s, NewHTTPSender(nil, nil, 0), Config{},
		Hooks{Failed: func(_ context.Context, _ store.WebhookEvent, _ int, err error) { got = err }},
		c.Now, zerolog.Nop())

	_, err := relay.DrainOnce(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, got, ErrUnknownReceiver)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	s := store.NewMemory()
	relay := NewRelay(s, NewHTTPSender(nil, nil, 0), Config{PollInterval: time.Millisecond}, Hooks{}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestBackoffIsCapped(t *testing.T) {
	base, max := 5*time.Second, time.Hour
	assert.Equal(t, 5*time.Second, Backoff(base, max, 0))
	assert.Equal(t, 5*time.Second, Backoff(base, max, 1))
	assert.Equal(t, 40*time.Second, Backoff(base, max, 4))
	assert.Equal(t, time.Hour, Backoff(base, max, 12))
	assert.Equal(t, time.Hour, Backoff(base, max, 200))
}
