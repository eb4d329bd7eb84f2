package authcore

import (
	"errors"
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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// dummyPassword is hashed once per Engine; unknown identifiers are verified against it.
const dummyPassword = "authcore-dummy-password-for-timing"

// Builder assembles an [Engine]. A Builder can be used for one Build.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	store  store.Store
	logger zerolog.Logger

	oauth     *oauth.Registry
	passkeys  passkey.Backend
	mailer    Mailer
	auditSink AuditSink
	breach    password.BreachChecker
	clock     Clock

	built bool
}

// New returns a Builder seeded with [DefaultConfig] and a disabled logger.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
		logger: zerolog.Nop(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the shared TTL store used for rate limits, login attempts and
// single-use challenges. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore sets the durable store. Required.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithOAuthRegistry installs the per-tenant OAuth providers.
func (b *Builder) WithOAuthRegistry(r *oauth.Registry) *Builder {
	b.oauth = r
	return b
}

// WithPasskeyBackend enables WebAuthn and hardware-token ceremonies.
func (b *Builder) WithPasskeyBackend(backend passkey.Backend) *Builder {
	b.passkeys = backend
	return b
}

// WithMailer sets the delivery boundary for password reset tokens.
func (b *Builder) WithMailer(m Mailer) *Builder {
	b.mailer = m
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithBreachChecker replaces the embedded denylist.
func (b *Builder) WithBreachChecker(c password.BreachChecker) *Builder {
	b.breach = c
	return b
}

// WithClock overrides time.Now for every time-dependent decision.
func (b *Builder) WithClock(c Clock) *Builder {
	b.clock = c
	return b
}

// Build validates the configuration and wires the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.store == nil {
		return nil, errors.New("store required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}
	now := func() time.Time { return clock() }

	// -------- SHARED TTL STORE --------
	engine := &Engine{
		config: cloneConfig(cfg),
		store:  b.store,
		limiter: rate.New(b.redis, rate.Config{
			MaxFailures: cfg.RateLimit.MaxFailures,
			Window:      cfg.RateLimit.Window,
			MaxLockout:  cfg.RateLimit.MaxLockout,
		}, now),
		attempts:   stores.NewAttemptStore(b.redis, cfg.KeyPrefix+":att", now),
		challenges: stores.NewChallengeStore(b.redis, cfg.KeyPrefix+":ch"),
		passkeys:   b.passkeys,
		log:        b.logger.With().Str("component", "authcore").Logger(),
		clock:      clock,
	}

	engine.oauth = b.oauth
	if engine.oauth == nil {
		engine.oauth = oauth.NewRegistry(nil)
	}
	engine.mailer = b.mailer
	if engine.mailer == nil {
		engine.mailer = noopMailer{}
	}

	// -------- CREDENTIALS --------
	ph, err := password.NewArgon2(cfg.Password)
	if err != nil {
		return nil, err
	}
	engine.hasher = ph

	breach := b.breach
	if breach == nil {
		breach = password.EmbeddedDenylist()
	}
	engine.policy = password.Policy{
		MinLength: cfg.Policy.MinLength,
		MaxBytes:  cfg.Password.MaxPasswordBytes,
		Breach:    breach,
	}

	dummy, err := ph.Hash(dummyPassword)
	if err != nil {
		return nil, err
	}
	engine.dummyHash = dummy
	engine.totp = newTOTPManager(cfg.MFA)

	// -------- TOKENS --------
	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		SigningMethod: jwt.SigningMethod(strings.ToLower(cfg.JWT.SigningMethod)),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}
	engine.jwt = jm

	// -------- OBSERVABILITY --------
	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	b.built = true
	return engine, nil
}
