package authcore

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/oauth"
	"github.com/MrEthical07/authcore/passkey"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/store"
	"github.com/rs/zerolog"
)

// Engine is the authentication core. It is safe for concurrent use; all shared state lives
// in the injected [store.Store] and Redis, so any number of Engines may serve the same users.
//
// Engine instances are built once by [Builder.Build] and treated as immutable.
type Engine struct {
	config     Config
	store      store.Store
	limiter    *rate.Limiter
	attempts   *stores.AttemptStore
	challenges *stores.ChallengeStore
	jwt        *jwt.Manager
	hasher     *password.Argon2
	policy     password.Policy
	totp       *totpManager
	oauth      *oauth.Registry
	passkeys   passkey.Backend
	mailer     Mailer
	audit      *audit.Dispatcher
	metrics    *Metrics
	log        zerolog.Logger
	clock      Clock

	// dummyHash is verified for unknown identifiers so they cost the same as a wrong password.
	dummyHash string
}

// Close flushes the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// AuditDropped reports how many audit events were dropped because the buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of the in-process counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Metrics exposes the live counters for exporters.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

// Store returns the durable store the Engine was built with. The webhook relay shares it.
func (e *Engine) Store() store.Store {
	if e == nil {
		return nil
	}
	return e.store
}

// OAuthProviders lists the provider names configured for tenantID.
func (e *Engine) OAuthProviders(tenantID string) []string {
	if e == nil || e.oauth == nil {
		return nil
	}
	return e.oauth.Names(tenantID)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock()
	}
	return time.Now()
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil || e.limiter == nil || e.jwt == nil {
		return ErrEngineNotReady
	}
	return nil
}

// limitSlot is a reservation held while one credential is verified. Exactly one of
// fail, succeed or release settles it.
type limitSlot struct {
	r       rate.Reservation
	settled bool
}

// reserve takes a limiter slot before any credential is examined. A limiter outage
// fails closed.
func (e *Engine) reserve(ctx context.Context, identifier string, method rate.Method) (*limitSlot, error) {
	r, d, err := e.limiter.Reserve(ctx, identifier, method)
	if err != nil {
		return nil, e.internal(ctx, "rate limit reserve", err)
	}
	if !d.Allowed {
		e.emitRateLimit(ctx, string(method), identifier)
		return nil, &RateLimitedError{RetryAfter: d.RetryAfter}
	}
	return &limitSlot{r: r}, nil
}

func (e *Engine) fail(ctx context.Context, slot *limitSlot) {
	if slot == nil || slot.settled {
		return
	}
	slot.settled = true
	if _, err := e.limiter.Fail(ctx, slot.r); err != nil {
		e.log.Error().Err(err).Str("method", string(slot.r.Method)).Msg("record limiter failure")
	}
}

func (e *Engine) succeed(ctx context.Context, slot *limitSlot) {
	if slot == nil || slot.settled {
		return
	}
	slot.settled = true
	e.resetLimit(ctx, slot.r.Identifier, slot.r.Method)
}

// release returns an unsettled slot. Deferred right after reserve.
func (e *Engine) release(ctx context.Context, slot *limitSlot) {
	if slot == nil || slot.settled {
		return
	}
	slot.settled = true
	if err := e.limiter.Release(ctx, slot.r); err != nil {
		e.log.Warn().Err(err).Str("method", string(slot.r.Method)).Msg("release limiter slot")
	}
}

func (e *Engine) resetLimit(ctx context.Context, identifier string, method rate.Method) {
	if err := e.limiter.Reset(ctx, identifier, method); err != nil {
		e.log.Warn().Err(err).Str("method", string(method)).Msg("reset limiter")
	}
}

// internal logs the precise cause and returns the opaque error callers see.
func (e *Engine) internal(ctx context.Context, op string, err error) error {
	e.log.Error().Err(err).
		Str("op", op).
		Str("tenant", tenantIDFromContext(ctx)).
		Msg("internal failure")
	return fmt.Errorf("%w: %s", ErrInternal, op)
}

func (e *Engine) checkPolicy(ctx context.Context, plaintext string) error {
	reason, err := e.policy.Check(ctx, plaintext)
	if err != nil {
		return e.internal(ctx, "password policy", err)
	}
	if reason != "" {
		return invalid("password", reason)
	}
	return nil
}

func (e *Engine) lookupUser(ctx context.Context, userID string) (store.User, error) {
	if userID == "" {
		return store.User{}, invalid("user_id", "required")
	}
	user, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrNotFound
	}
	if err != nil {
		return store.User{}, e.internal(ctx, "get user", err)
	}
	return user, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", invalid("email", "required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalid("email", "malformed")
	}
	return email, nil
}
