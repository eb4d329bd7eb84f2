package authcore

import (
	"context"
	"strconv"

	"github.com/MrEthical07/authcore/internal/webhook"
	"github.com/MrEthical07/authcore/store"
)

// WebhookSender delivers one outbox event. [NewHTTPWebhookSender] is the production implementation.
type WebhookSender = webhook.Sender

// WebhookReceiver is an inviter application's endpoint and signing secret.
type WebhookReceiver = webhook.Receiver

// WebhookRelay drains the invitation outbox; see [Engine.NewWebhookRelay].
type WebhookRelay = webhook.Relay

// NewHTTPWebhookSender signs and POSTs events to the receiver registered for each inviter app.
func (e *Engine) NewHTTPWebhookSender(receivers map[string]WebhookReceiver) WebhookSender {
	return webhook.NewHTTPSender(nil, receivers, e.config.Webhook.Timeout)
}

// NewWebhookRelay returns a relay over the engine's store. Failures are logged, counted and audited.
func (e *Engine) NewWebhookRelay(sender WebhookSender) (*WebhookRelay, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	cfg := e.config.Webhook
	hooks := webhook.Hooks{
		Delivered: func(context.Context, store.WebhookEvent) {
			e.metricInc(MetricWebhookDelivered)
		},
		Failed: func(ctx context.Context, event store.WebhookEvent, attempts int, err error) {
			e.metricInc(MetricWebhookDeliveryFailure)
			e.emitAudit(ctx, auditEventWebhookDeliveryFailure, false, "", "", "", ErrProviderUnavailable, func() map[string]string {
				return map[string]string{
					"event_id":    event.ID,
					"inviter_app": event.InviterAppID,
					"attempts":    strconv.Itoa(attempts),
				}
			})
		},
	}
	return webhook.NewRelay(e.store, sender, webhook.Config{
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
		BaseBackoff:  cfg.BaseBackoff,
		MaxBackoff:   cfg.MaxBackoff,
	}, hooks, e.now, e.log), nil
}
