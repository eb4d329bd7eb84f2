package authcore

import (
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/password"
)

// Config holds every tunable of the Engine. Build it with [DefaultConfig], adjust, and
// pass it to [Builder.WithConfig]. The env tags let the server binary bind it from the
// environment; library users may ignore them.
//
// Config instances are treated as immutable once the Engine is built.
type Config struct {
	JWT        JWTConfig        `envPrefix:"JWT_"`
	Password   password.Config  `envPrefix:"ARGON2_"`
	Policy     PolicyConfig     `envPrefix:"PASSWORD_"`
	RateLimit  RateLimitConfig  `envPrefix:"RATE_LIMIT_"`
	MFA        MFAConfig        `envPrefix:"MFA_"`
	OAuth      OAuthConfig      `envPrefix:"OAUTH_"`
	WebAuthn   WebAuthnConfig   `envPrefix:"WEBAUTHN_"`
	Invitation InvitationConfig `envPrefix:"INVITATION_"`
	Recovery   RecoveryConfig   `envPrefix:"RECOVERY_"`
	Webhook    WebhookConfig    `envPrefix:"WEBHOOK_"`
	Audit      AuditConfig      `envPrefix:"AUDIT_"`
	Metrics    MetricsConfig    `envPrefix:"METRICS_"`
	KeyPrefix  string           `env:"REDIS_KEY_PREFIX" envDefault:"ac"`
}

/*
====================================
TOKEN CONFIG
====================================
*/

// JWTConfig configures access and refresh token signing. Keys are injected by the caller;
// they are never read from the environment by this package.
type JWTConfig struct {
	AccessTTL     time.Duration `env:"ACCESS_TTL" envDefault:"15m"`
	RefreshTTL    time.Duration `env:"REFRESH_TTL" envDefault:"720h"`
	SigningMethod string        `env:"SIGNING_METHOD" envDefault:"ed25519"`
	Issuer        string        `env:"ISSUER"`
	Audience      string        `env:"AUDIENCE"`
	Leeway        time.Duration `env:"LEEWAY" envDefault:"0s"`
	KeyID         string        `env:"KEY_ID"`
	PrivateKey    []byte
	PublicKey     []byte
}

/*
====================================
CREDENTIAL CONFIG
====================================
*/

// PolicyConfig configures password acceptance. The breach checker is injected through
// [Builder.WithBreachChecker].
type PolicyConfig struct {
	MinLength int `env:"MIN_LENGTH" envDefault:"12"`
}

// RateLimitConfig bounds failed verifications per (identifier, method).
type RateLimitConfig struct {
	MaxFailures int           `env:"MAX_FAILURES" envDefault:"5"`
	Window      time.Duration `env:"WINDOW" envDefault:"15m"`
	MaxLockout  time.Duration `env:"MAX_LOCKOUT" envDefault:"24h"`
}

// MFAConfig configures TOTP, backup codes and the persisted login attempt.
type MFAConfig struct {
	AttemptTTL       time.Duration `env:"ATTEMPT_TTL" envDefault:"10m"`
	Issuer           string        `env:"TOTP_ISSUER" envDefault:"authcore"`
	Digits           int           `env:"TOTP_DIGITS" envDefault:"6"`
	Period           int           `env:"TOTP_PERIOD" envDefault:"30"`
	Algorithm        string        `env:"TOTP_ALGORITHM" envDefault:"SHA1"`
	Skew             int           `env:"TOTP_SKEW" envDefault:"1"`
	BackupCodeCount  int           `env:"BACKUP_CODE_COUNT" envDefault:"10"`
	BackupCodeLength int           `env:"BACKUP_CODE_LENGTH" envDefault:"10"`
}

// OAuthConfig bounds the OAuth round trip.
type OAuthConfig struct {
	StateTTL        time.Duration `env:"STATE_TTL" envDefault:"10m"`
	ExchangeTimeout time.Duration `env:"EXCHANGE_TIMEOUT" envDefault:"10s"`
	ExchangeRetries int           `env:"EXCHANGE_RETRIES" envDefault:"2"`
	RetryBackoff    time.Duration `env:"RETRY_BACKOFF" envDefault:"200ms"`
}

// WebAuthnConfig bounds WebAuthn and hardware-token ceremonies. Relying-party settings
// belong to the passkey backend.
type WebAuthnConfig struct {
	CeremonyTTL time.Duration `env:"CEREMONY_TTL" envDefault:"5m"`
}

/*
====================================
TOKEN LIFECYCLE CONFIG
====================================
*/

// InvitationConfig bounds invitation lifetimes.
type InvitationConfig struct {
	DefaultTTL time.Duration `env:"DEFAULT_TTL" envDefault:"168h"`
	MaxTTL     time.Duration `env:"MAX_TTL" envDefault:"720h"`
}

// RecoveryConfig bounds recovery token lifetimes.
type RecoveryConfig struct {
	ResetTTL       time.Duration `env:"RESET_TTL" envDefault:"1h"`
	DeviceGrantTTL time.Duration `env:"DEVICE_GRANT_TTL" envDefault:"15m"`
}

// WebhookConfig drives outbox delivery.
type WebhookConfig struct {
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"50"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	BaseBackoff  time.Duration `env:"BASE_BACKOFF" envDefault:"5s"`
	MaxBackoff   time.Duration `env:"MAX_BACKOFF" envDefault:"1h"`
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

/*
====================================
OBSERVABILITY CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool `env:"ENABLED" envDefault:"true"`
	BufferSize int  `env:"BUFFER_SIZE" envDefault:"1024"`
	DropIfFull bool `env:"DROP_IF_FULL" envDefault:"true"`
}

// MetricsConfig toggles in-process counters.
type MetricsConfig struct {
	Enabled                 bool `env:"ENABLED" envDefault:"true"`
	EnableLatencyHistograms bool `env:"LATENCY_HISTOGRAMS" envDefault:"false"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the recommended production defaults. Signing keys are left empty.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    30 * 24 * time.Hour,
			SigningMethod: "ed25519",
		},
		Password: password.DefaultConfig(),
		Policy: PolicyConfig{
			MinLength: password.DefaultMinLength,
		},
		RateLimit: RateLimitConfig{
			MaxFailures: 5,
			Window:      15 * time.Minute,
			MaxLockout:  24 * time.Hour,
		},
		MFA: MFAConfig{
			AttemptTTL:       10 * time.Minute,
			Issuer:           "authcore",
			Digits:           6,
			Period:           30,
			Algorithm:        "SHA1",
			Skew:             1,
			BackupCodeCount:  10,
			BackupCodeLength: 10,
		},
		OAuth: OAuthConfig{
			StateTTL:        10 * time.Minute,
			ExchangeTimeout: 10 * time.Second,
			ExchangeRetries: 2,
			RetryBackoff:    200 * time.Millisecond,
		},
		WebAuthn: WebAuthnConfig{
			CeremonyTTL: 5 * time.Minute,
		},
		Invitation: InvitationConfig{
			DefaultTTL: 7 * 24 * time.Hour,
			MaxTTL:     30 * 24 * time.Hour,
		},
		Recovery: RecoveryConfig{
			ResetTTL:       time.Hour,
			DeviceGrantTTL: 15 * time.Minute,
		},
		Webhook: WebhookConfig{
			BatchSize:    50,
			PollInterval: 5 * time.Second,
			BaseBackoff:  5 * time.Second,
			MaxBackoff:   time.Hour,
			Timeout:      10 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		KeyPrefix: "ac",
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks internal consistency. It is called by [Builder.Build].
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL < c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be >= AccessTTL")
	}
	switch strings.ToLower(c.JWT.SigningMethod) {
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("ed25519 requires PrivateKey")
		}
		if len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires PublicKey")
		}
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Policy.MinLength < 8 {
		return errors.New("Policy MinLength must be >= 8")
	}

	// Rate limiting
	if c.RateLimit.MaxFailures <= 0 {
		return errors.New("RateLimit MaxFailures must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("RateLimit Window must be > 0")
	}
	if c.RateLimit.MaxLockout < c.RateLimit.Window {
		return errors.New("RateLimit MaxLockout must be >= Window")
	}

	// MFA
	if c.MFA.AttemptTTL <= 0 {
		return errors.New("MFA AttemptTTL must be > 0")
	}
	if c.MFA.Digits != 6 && c.MFA.Digits != 8 {
		return errors.New("MFA Digits must be 6 or 8")
	}
	if c.MFA.Period <= 0 {
		return errors.New("MFA Period must be > 0")
	}
	if c.MFA.Skew < 0 || c.MFA.Skew > 2 {
		return errors.New("MFA Skew must be between 0 and 2")
	}
	if _, err := hmacFunc(c.MFA.Algorithm); err != nil {
		return errors.New("MFA Algorithm must be SHA1, SHA256 or SHA512")
	}
	if c.MFA.BackupCodeCount <= 0 || c.MFA.BackupCodeCount > 50 {
		return errors.New("MFA BackupCodeCount must be between 1 and 50")
	}
	if c.MFA.BackupCodeLength < 8 {
		return errors.New("MFA BackupCodeLength must be >= 8")
	}

	// OAuth and WebAuthn
	if c.OAuth.StateTTL <= 0 {
		return errors.New("OAuth StateTTL must be > 0")
	}
	if c.OAuth.ExchangeTimeout <= 0 {
		return errors.New("OAuth ExchangeTimeout must be > 0")
	}
	if c.OAuth.ExchangeRetries < 0 || c.OAuth.ExchangeRetries > 5 {
		return errors.New("OAuth ExchangeRetries must be between 0 and 5")
	}
	if c.WebAuthn.CeremonyTTL <= 0 {
		return errors.New("WebAuthn CeremonyTTL must be > 0")
	}

	// Invitations and recovery
	if c.Invitation.DefaultTTL <= 0 || c.Invitation.MaxTTL < c.Invitation.DefaultTTL {
		return errors.New("Invitation TTLs must satisfy 0 < DefaultTTL <= MaxTTL")
	}
	if c.Recovery.ResetTTL <= 0 {
		return errors.New("Recovery ResetTTL must be > 0")
	}
	if c.Recovery.DeviceGrantTTL <= 0 {
		return errors.New("Recovery DeviceGrantTTL must be > 0")
	}

	// Webhooks
	if c.Webhook.BatchSize <= 0 || c.Webhook.PollInterval <= 0 {
		return errors.New("Webhook BatchSize and PollInterval must be > 0")
	}
	if c.Webhook.BaseBackoff <= 0 || c.Webhook.MaxBackoff < c.Webhook.BaseBackoff {
		return errors.New("Webhook backoff must satisfy 0 < BaseBackoff <= MaxBackoff")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}
