package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeBackend  = errors.New("challenge backend unavailable")
)

// Challenge namespaces.
const (
	KindOAuthState = "oas"
	KindWebAuthn   = "wac"
)

// ChallengeStore holds single-use, TTL-bound records such as OAuth state and WebAuthn
// ceremony sessions. Take reads and deletes in one GETDEL so a captured
// value can be redeemed at most once across all instances.
type ChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewChallengeStore(redisClient redis.UniversalClient, prefix string) *ChallengeStore {
	if prefix == "" {
		prefix = "ch"
	}
	return &ChallengeStore{redis: redisClient, prefix: prefix}
}

func (s *ChallengeStore) key(kind, id string) string {
	return s.prefix + ":" + kind + ":" + id
}

// Put stores v as JSON under (kind, id). Existing ids are never overwritten.
func (s *ChallengeStore) Put(ctx context.Context, kind, id string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("challenge ttl must be positive")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ok, err := s.redis.SetNX(ctx, s.key(kind, id), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	if !ok {
		return fmt.Errorf("%w: duplicate challenge id", ErrChallengeBackend)
	}
	return nil
}

// Take atomically removes the record and decodes it into dst.
func (s *ChallengeStore) Take(ctx context.Context, kind, id string, dst any) error {
	data, err := s.redis.GetDel(ctx, s.key(kind, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrChallengeNotFound
		}
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode challenge: %w", err)
	}
	return nil
}
