package authcore

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func TestDefaultConfigNeedsKeys(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected ed25519 default to require keys")
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults with keys to validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{name: "test baseline", mutate: func(*Config) {}, wantValid: true},
		{name: "access ttl zero", mutate: func(c *Config) { c.JWT.AccessTTL = 0 }, wantValid: false},
		{name: "refresh shorter than access", mutate: func(c *Config) { c.JWT.RefreshTTL = time.Minute }, wantValid: false},
		{name: "signing invalid", mutate: func(c *Config) { c.JWT.SigningMethod = "rs256" }, wantValid: false},
		{name: "hs256 short key", mutate: func(c *Config) { c.JWT.PrivateKey = []byte("short") }, wantValid: false},
		{name: "argon2 memory too low", mutate: func(c *Config) { c.Password.Memory = 1024 }, wantValid: false},
		{name: "argon2 time zero", mutate: func(c *Config) { c.Password.Time = 0 }, wantValid: false},
		{name: "argon2 salt short", mutate: func(c *Config) { c.Password.SaltLength = 8 }, wantValid: false},
		{name: "policy min length", mutate: func(c *Config) { c.Policy.MinLength = 6 }, wantValid: false},
		{name: "rate limit failures", mutate: func(c *Config) { c.RateLimit.MaxFailures = 0 }, wantValid: false},
		{name: "rate limit lockout below window", mutate: func(c *Config) { c.RateLimit.MaxLockout = time.Minute }, wantValid: false},
		{name: "totp digits 8", mutate: func(c *Config) { c.MFA.Digits = 8 }, wantValid: true},
		{name: "totp digits 7", mutate: func(c *Config) { c.MFA.Digits = 7 }, wantValid: false},
		{name: "totp skew 3", mutate: func(c *Config) { c.MFA.Skew = 3 }, wantValid: false},
		{name: "totp algorithm sha256", mutate: func(c *Config) { c.MFA.Algorithm = "SHA256" }, wantValid: true},
		{name: "totp algorithm md5", mutate: func(c *Config) { c.MFA.Algorithm = "MD5" }, wantValid: false},
		{name: "backup codes none", mutate: func(c *Config) { c.MFA.BackupCodeCount = 0 }, wantValid: false},
		{name: "backup code short", mutate: func(c *Config) { c.MFA.BackupCodeLength = 6 }, wantValid: false},
		{name: "oauth retries too many", mutate: func(c *Config) { c.OAuth.ExchangeRetries = 9 }, wantValid: false},
		{name: "oauth no retries", mutate: func(c *Config) { c.OAuth.ExchangeRetries = 0 }, wantValid: true},
		{name: "ceremony ttl zero", mutate: func(c *Config) { c.WebAuthn.CeremonyTTL = 0 }, wantValid: false},
		{name: "invitation default above max", mutate: func(c *Config) { c.Invitation.DefaultTTL = 60 * 24 * time.Hour }, wantValid: false},
		{name: "reset ttl zero", mutate: func(c *Config) { c.Recovery.ResetTTL = 0 }, wantValid: false},
		{name: "webhook max below base", mutate: func(c *Config) { c.Webhook.MaxBackoff = time.Second }, wantValid: false},
		{name: "webhook batch zero", mutate: func(c *Config) { c.Webhook.BatchSize = 0 }, wantValid: false},
		{name: "audit buffer zero", mutate: func(c *Config) { c.Audit.BufferSize = 0 }, wantValid: false},
		{name: "audit disabled buffer zero", mutate: func(c *Config) { c.Audit.Enabled = false; c.Audit.BufferSize = 0 }, wantValid: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantValid && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tc.wantValid && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCloneConfigCopiesKeys(t *testing.T) {
	cfg := testConfig()
	clone := cloneConfig(cfg)
	clone.JWT.PrivateKey[0] = 'X'
	if cfg.JWT.PrivateKey[0] == 'X' {
		t.Fatal("expected clone to own its key bytes")
	}
}
