package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authcore/store"
	"github.com/rs/zerolog"
)

// Outbox is the slice of store.Store the relay needs.
type Outbox interface {
	DueWebhooks(ctx context.Context, now time.Time, limit int) ([]store.WebhookEvent, error)
	MarkWebhookDelivered(ctx context.Context, eventID string, at time.Time) error
	RescheduleWebhook(ctx context.Context, eventID string, attempts int, next time.Time) error
}

// Sender pushes one event to its receiver. A nil error means the receiver acknowledged it.
type Sender interface {
	Send(ctx context.Context, event store.WebhookEvent) error
}

// Config tunes draining and retry behaviour.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// Hooks observe delivery outcomes. Both fields are optional.
type Hooks struct {
	Delivered func(ctx context.Context, event store.WebhookEvent)
	Failed    func(ctx context.Context, event store.WebhookEvent, attempts int, err error)
}

// Relay drains the webhook outbox.
type Relay struct {
	outbox Outbox
	sender Sender
	cfg    Config
	hooks  Hooks
	now    func() time.Time
	log    zerolog.Logger
}

// NewRelay builds a relay. Zero config fields fall back to conservative defaults.
func NewRelay(outbox Outbox, sender Sender, cfg Config, hooks Hooks, now func() time.Time, log zerolog.Logger) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if now == nil {
		now = time.Now
	}
	return &Relay{
		outbox: outbox,
		sender: sender,
		cfg:    cfg,
		hooks:  hooks,
		now:    now,
		log:    log.With().Str("component", "webhook_relay").Logger(),
	}
}

// Run drains the outbox every PollInterval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error().Err(err).Msg("drain webhook outbox")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainOnce attempts every due event in one batch and returns how many were delivered.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	now := r.now().UTC()
	due, err := r.outbox.DueWebhooks(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, event := range due {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if sendErr := r.sender.Send(ctx, event); sendErr != nil {
			attempts := event.Attempts + 1
			next := now.Add(Backoff(r.cfg.BaseBackoff, r.cfg.MaxBackoff, attempts))
			if err := r.outbox.RescheduleWebhook(ctx, event.ID, attempts, next); err != nil {
				return delivered, err
			}
			r.log.Warn().
				Err(sendErr).
				Str("event_id", event.ID).
				Str("inviter_app", event.InviterAppID).
				Int("attempts", attempts).
				Time("next_attempt_at", next).
				Msg("webhook delivery failed")
			if r.hooks.Failed != nil {
				r.hooks.Failed(ctx, event, attempts, sendErr)
			}
			continue
		}

		if err := r.outbox.MarkWebhookDelivered(ctx, event.ID, r.now().UTC()); err != nil {
			return delivered, err
		}
		delivered++
		r.log.Debug().Str("event_id", event.ID).Str("inviter_app", event.InviterAppID).Msg("webhook delivered")
		if r.hooks.Delivered != nil {
			r.hooks.Delivered(ctx, event)
		}
	}
	return delivered, nil
}

// Backoff returns base·2^(attempt-1), capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return max
	}
	d := base << (attempt - 1)
	if d <= 0 || d > max {
		return max
	}
	return d
}
