package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MrEthical07/authcore/store"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderEvent          = "X-Authcore-Event"
	HeaderTimestamp      = "X-Authcore-Timestamp"
	HeaderSignature      = "X-Authcore-Signature"
)

// ErrUnknownReceiver is returned when no endpoint is registered for the event's inviter app.
var ErrUnknownReceiver = errors.New("webhook: no receiver for inviter app")

// Receiver is one inviter application's endpoint.
type Receiver struct {
	URL    string
	Secret []byte
}

// HTTPSender POSTs events as JSON and signs each body with the receiver's secret.
type HTTPSender struct {
	client    *http.Client
	receivers map[string]Receiver
	timeout   time.Duration
	now       func() time.Time
}

// NewHTTPSender returns a sender. A nil client uses http.DefaultClient.
func NewHTTPSender(client *http.Client, receivers map[string]Receiver, timeout time.Duration) *HTTPSender {
	if client == nil {
		client = http.DefaultClient
	}
	copied := make(map[string]Receiver, len(receivers))
	for id, r := range receivers {
		copied[id] = r
	}
	return &HTTPSender{client: client, receivers: copied, timeout: timeout, now: time.Now}
}

// Send implements Sender. Any non-2xx response is a failure.
func (s *HTTPSender) Send(ctx context.Context, event store.WebhookEvent) error {
	recv, ok := s.receivers[event.InviterAppID]
	if !ok || recv.URL == "" {
		return fmt.Errorf("%w: %s", ErrUnknownReceiver, event.InviterAppID)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	ts := strconv.FormatInt(s.now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recv.URL, bytes.NewReader(event.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, event.ID)
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, "sha256="+Sign(recv.Secret, ts, event.Payload))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: receiver responded %d", resp.StatusCode)
	}
	return nil
}

// Sign returns hex(HMAC-SHA256(secret, timestamp + "." + body)).
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value produced by Sign.
func Verify(secret []byte, timestamp string, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	want, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(Sign(secret, timestamp, body))
	return hmac.Equal(want, got)
}
