package password

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// floorConfig is the cheapest configuration validateConfig accepts.
func floorConfig() Config {
	return Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

func mustHasher(t *testing.T, cfg Config) *Argon2 {
	t.Helper()
	h, err := NewArgon2(cfg)
	require.NoError(t, err)
	return h
}

func TestDefaultConfigIsInteractiveLoginCost(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, uint32(64*1024), cfg.Memory)
	assert.Equal(t, uint32(3), cfg.Time)
	assert.Equal(t, uint8(2), cfg.Parallelism)
	assert.Equal(t, DefaultMaxPasswordBytes, cfg.MaxPasswordBytes)

	h := mustHasher(t, cfg)
	phc, err := h.Hash("CorrectHorse12!")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(phc, "$argon2id$v=19$m=65536,t=3,p=2$"), phc)
}

func TestHashEncodesSaltAndKeyLengths(t *testing.T) {
	cfg := floorConfig()
	cfg.SaltLength = 24
	cfg.KeyLength = 48
	h := mustHasher(t, cfg)

	phc, err := h.Hash("CorrectHorse12!")
	require.NoError(t, err)
	parts := strings.Split(phc, "$")
	require.Len(t, parts, 6)
	salt, err := base64.StdEncoding.DecodeString(parts[4])
	require.NoError(t, err)
	key, err := base64.StdEncoding.DecodeString(parts[5])
	require.NoError(t, err)
	assert.Len(t, salt, 24)
	assert.Len(t, key, 48)

	again, err := h.Hash("CorrectHorse12!")
	require.NoError(t, err)
	assert.NotEqual(t, phc, again, "every hash draws a fresh salt")
}

func TestVerifyUsesParametersStoredInHash(t *testing.T) {
	old := mustHasher(t, floorConfig())
	phc, err := old.Hash("CorrectHorse12!")
	require.NoError(t, err)

	current := mustHasher(t, DefaultConfig())
	ok, err := current.Verify("CorrectHorse12!", phc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = current.Verify("correcthorse12!", phc)
	require.NoError(t, err)
	assert.False(t, ok, "comparison is on raw bytes, case included")
}

func TestNewArgon2RejectsConfigBelowFloor(t *testing.T) {
	cases := map[string]func(*Config){
		"memory":      func(c *Config) { c.Memory = 4 * 1024 },
		"time":        func(c *Config) { c.Time = 0 },
		"parallelism": func(c *Config) { c.Parallelism = 0 },
		"salt":        func(c *Config) { c.SaltLength = 8 },
		"key":         func(c *Config) { c.KeyLength = 8 },
		"max bytes":   func(c *Config) { c.MaxPasswordBytes = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := floorConfig()
			mutate(&cfg)
			_, err := NewArgon2(cfg)
			assert.Error(t, err)
		})
	}
}

func TestNeedsUpgrade(t *testing.T) {
	current := DefaultConfig()
	cases := []struct {
		name   string
		stored func(*Config)
		want   bool
	}{
		{"same parameters", func(*Config) {}, false},
		{"less memory", func(c *Config) { c.Memory = 32 * 1024 }, true},
		{"fewer passes", func(c *Config) { c.Time = 2 }, true},
		{"less parallelism", func(c *Config) { c.Parallelism = 1 }, true},
		{"different key length", func(c *Config) { c.KeyLength = 16 }, true},
		{"stronger than current", func(c *Config) { c.Memory = 128 * 1024; c.Time = 4 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := current
			tc.stored(&cfg)
			phc := fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
				cfg.Memory, cfg.Time, cfg.Parallelism,
				base64.StdEncoding.EncodeToString(make([]byte, 16)),
				base64.StdEncoding.EncodeToString(make([]byte, cfg.KeyLength)))

			got, err := mustHasher(t, current).NeedsUpgrade(phc)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestVerifyRejectsMalformedPHC(t *testing.T) {
	salt := base64.StdEncoding.EncodeToString(make([]byte, 16))
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	cases := map[string]string{
		"not phc":          "not-a-phc-hash",
		"argon2i":          "$argon2i$v=19$m=8192,t=1,p=1$" + salt + "$" + key,
		"old version":      "$argon2id$v=16$m=8192,t=1,p=1$" + salt + "$" + key,
		"missing param":    "$argon2id$v=19$m=8192,t=1$" + salt + "$" + key,
		"unknown param":    "$argon2id$v=19$m=8192,t=1,x=1$" + salt + "$" + key,
		"memory too small": "$argon2id$v=19$m=1024,t=1,p=1$" + salt + "$" + key,
		"short salt":       "$argon2id$v=19$m=8192,t=1,p=1$" + base64.StdEncoding.EncodeToString(make([]byte, 8)) + "$" + key,
		"bad salt":         "$argon2id$v=19$m=8192,t=1,p=1$!!!$" + key,
		"empty key":        "$argon2id$v=19$m=8192,t=1,p=1$" + salt + "$",
	}
	h := mustHasher(t, floorConfig())
	for name, phc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.Verify("CorrectHorse12!", phc)
			assert.Error(t, err)
			_, err = h.NeedsUpgrade(phc)
			assert.Error(t, err)
		})
	}
}

func TestPasswordByteLimitCountsBytesNotRunes(t *testing.T) {
	cfg := floorConfig()
	cfg.MaxPasswordBytes = 64
	h := mustHasher(t, cfg)

	// "é" is two bytes: 32 of them sit exactly on the limit
	atLimit := strings.Repeat("é", 32)
	phc, err := h.Hash(atLimit)
	require.NoError(t, err)
	ok, err := h.Verify(atLimit, phc)
	require.NoError(t, err)
	assert.True(t, ok)

	over := atLimit + "x"
	_, err = h.Hash(over)
	assert.ErrorIs(t, err, ErrPasswordTooLong)
	_, err = h.Verify(over, phc)
	assert.ErrorIs(t, err, ErrPasswordTooLong)
}

func TestZeroMaxBytesFallsBackToDefault(t *testing.T) {
	h := mustHasher(t, floorConfig())
	_, err := h.Hash(strings.Repeat("d", DefaultMaxPasswordBytes+1))
	assert.ErrorIs(t, err, ErrPasswordTooLong)
	_, err = h.Hash(strings.Repeat("d", DefaultMaxPasswordBytes))
	assert.NoError(t, err)
}

func TestHashLeavesStrengthToPolicy(t *testing.T) {
	h := mustHasher(t, floorConfig())
	_, err := h.Hash("")
	assert.Error(t, err)
	_, err = h.Hash("short")
	assert.NoError(t, err)

	reason, err := DefaultPolicy().Check(context.Background(), "short")
	require.NoError(t, err)
	assert.Equal(t, ReasonTooShort, reason)
}

func TestPolicyAndHasherShareByteLimit(t *testing.T) {
	cfg := floorConfig()
	cfg.MaxPasswordBytes = 40
	h := mustHasher(t, cfg)
	p := Policy{MinLength: DefaultMinLength, MaxBytes: cfg.MaxPasswordBytes}

	long := strings.Repeat("Tr0ub4dor&3-", 4)
	reason, err := p.Check(context.Background(), long)
	require.NoError(t, err)
	assert.Equal(t, ReasonTooLong, reason)
	_, err = h.Hash(long)
	assert.ErrorIs(t, err, ErrPasswordTooLong)

	fits := long[:cfg.MaxPasswordBytes]
	reason, err = p.Check(context.Background(), fits)
	require.NoError(t, err)
	assert.Empty(t, reason)
	_, err = h.Hash(fits)
	assert.NoError(t, err)
}
