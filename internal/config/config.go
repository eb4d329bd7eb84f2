// Package config binds the authcore server's settings from the environment.
package config

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/oauth"
	"github.com/MrEthical07/authcore/passkey"
	"github.com/caarlos0/env/v11"
)

// Prefix is prepended to every variable name.
const Prefix = "AUTHCORE_"

// Server is everything cmd/authcore needs to start.
type Server struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
	Banner      bool   `env:"BANNER" envDefault:"true"`

	PostgresDSN string `env:"POSTGRES_DSN,required"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	Migrate     bool   `env:"MIGRATE" envDefault:"true"`

	// JWTPrivateKey and JWTPublicKey are base64 (standard encoding).
	JWTPrivateKey string `env:"JWT_PRIVATE_KEY,required,unset"`
	JWTPublicKey  string `env:"JWT_PUBLIC_KEY"`

	// OAuthProviders is JSON: {"<tenant or *>": [ProviderConfig, ...]}.
	OAuthProviders string `env:"OAUTH_PROVIDERS"`
	// InviterApps is JSON: {"<app id>": InviterApp}.
	InviterApps string `env:"INVITER_APPS,unset"`

	WebAuthn passkey.Config `envPrefix:"WEBAUTHN_"`
	Engine   authcore.Config

	providers map[string][]oauth.ProviderConfig
	apps      map[string]InviterApp
}

// InviterApp is a trusted application allowed to create invitations.
type InviterApp struct {
	// KeySHA256 is hex(SHA-256(api key)); the plaintext key is never configured.
	KeySHA256     string `json:"key_sha256"`
	WebhookURL    string `json:"webhook_url"`
	WebhookSecret string `json:"webhook_secret"`
}

// Load reads the process environment.
func Load() (*Server, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom reads vars instead of the process environment. Keys carry the prefix.
func LoadFrom(vars map[string]string) (*Server, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (*Server, error) {
	cfg := &Server{Engine: authcore.DefaultConfig()}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.decode(); err != nil {
		return nil, err
	}
	if err := cfg.Engine.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (s *Server) decode() error {
	priv, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s.JWTPrivateKey))
	if err != nil {
		return fmt.Errorf("config: JWT_PRIVATE_KEY: %w", err)
	}
	s.Engine.JWT.PrivateKey = priv
	if s.JWTPublicKey != "" {
		pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s.JWTPublicKey))
		if err != nil {
			return fmt.Errorf("config: JWT_PUBLIC_KEY: %w", err)
		}
		s.Engine.JWT.PublicKey = pub
	}

	s.providers = map[string][]oauth.ProviderConfig{}
	if s.OAuthProviders != "" {
		if err := json.Unmarshal([]byte(s.OAuthProviders), &s.providers); err != nil {
			return fmt.Errorf("config: OAUTH_PROVIDERS: %w", err)
		}
	}

	s.apps = map[string]InviterApp{}
	if s.InviterApps != "" {
		if err := json.Unmarshal([]byte(s.InviterApps), &s.apps); err != nil {
			return fmt.Errorf("config: INVITER_APPS: %w", err)
		}
	}
	for id, app := range s.apps {
		if b, err := hex.DecodeString(app.KeySHA256); err != nil || len(b) != sha256.Size {
			return fmt.Errorf("config: inviter app %q: key_sha256 must be 64 hex chars", id)
		}
		if app.WebhookURL != "" && app.WebhookSecret == "" {
			return fmt.Errorf("config: inviter app %q: webhook_secret is required with webhook_url", id)
		}
	}
	return nil
}

// OAuthProviderConfigs returns the per-tenant provider table. The "*" key applies to every tenant.
func (s *Server) OAuthProviderConfigs() map[string][]oauth.ProviderConfig {
	return s.providers
}

// Inviters returns the configured inviter applications.
func (s *Server) Inviters() map[string]InviterApp {
	return s.apps
}

// WebhookReceivers maps inviter apps with an endpoint to their webhook receiver.
func (s *Server) WebhookReceivers() map[string]authcore.WebhookReceiver {
	out := make(map[string]authcore.WebhookReceiver, len(s.apps))
	for id, app := range s.apps {
		if app.WebhookURL == "" {
			continue
		}
		out[id] = authcore.WebhookReceiver{URL: app.WebhookURL, Secret: []byte(app.WebhookSecret)}
	}
	return out
}

// ErrUnknownInviter is returned by AuthenticateInviter for an unrecognised key.
var ErrUnknownInviter = errors.New("config: unknown inviter key")

// AuthenticateInviter returns the app id whose key hash matches key.
func (s *Server) AuthenticateInviter(key string) (string, error) {
	if key == "" {
		return "", ErrUnknownInviter
	}
	sum := sha256.Sum256([]byte(key))
	match := ""
	for id, app := range s.apps {
		want, err := hex.DecodeString(app.KeySHA256)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(want, sum[:]) == 1 {
			match = id
		}
	}
	if match == "" {
		return "", ErrUnknownInviter
	}
	return match, nil
}
