package rate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Method names the verification path a failure is counted against.
type Method string

const (
	MethodPassword   Method = "password"
	MethodOAuth      Method = "oauth"
	MethodWebAuthn   Method = "webauthn"
	MethodTOTP       Method = "totp"
	MethodBackupCode Method = "backup_code"
	MethodRecovery   Method = "recovery"
	MethodRefresh    Method = "refresh"
	MethodSignup     Method = "signup"
)

// Config holds limiter thresholds.
type Config struct {
	MaxFailures int
	Window      time.Duration
	MaxLockout  time.Duration
}

// DefaultConfig is 5 failures per 15 minutes with lockouts capped at 24 hours.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, Window: 15 * time.Minute, MaxLockout: 24 * time.Hour}
}

// Decision is the outcome of a limiter call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is a cluster-wide sliding-window limiter with exponential lockout.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
	now    func() time.Time
}

// New creates a [Limiter]. A nil clock means time.Now.
func New(redisClient redis.UniversalClient, cfg Config, now func() time.Time) *Limiter {
	def := DefaultConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxLockout < cfg.Window {
		cfg.MaxLockout = def.MaxLockout
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{redis: redisClient, config: cfg, now: now}
}

func keys(identifier string, method Method) []string {
	tag := "rl:{" + string(method) + ":" + identifier + "}"
	return []string{tag + ":w", tag + ":lock", tag + ":lvl"}
}

// Check reports whether an attempt may proceed. It never counts anything.
func (l *Limiter) Check(ctx context.Context, identifier string, method Method) (Decision, error) {
	k := keys(identifier, method)
	raw, err := l.redis.Get(ctx, k[1]).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Decision{Allowed: true}, nil
		}
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: corrupt lock value %q", ErrRedisUnavailable, raw)
	}
	now := l.now().UnixMilli()
	if until <= now {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: time.Duration(until-now) * time.Millisecond}, nil
}

// Reservation is a slot taken in the window before a credential is examined. It counts
// as a failure until it is either released or settled by Fail or Reset.
type Reservation struct {
	Identifier string
	Method     Method
	Member     string
}

// reserveScript admits an attempt only while the lock is clear and the window, including
// slots still being verified, holds fewer than ARGV[3] entries.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

local lock = tonumber(redis.call('GET', KEYS[2]) or '0')
if lock > now then
	return {0, lock - now}
end

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count >= max then
	local retry = window
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	if oldest[2] then
		retry = tonumber(oldest[2]) + window - now
	end
	if retry < 1 then
		retry = 1
	end
	return {0, math.floor(retry)}
end

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, 0}
`)

// Reserve atomically checks the limiter and, when allowed, takes one slot in the window.
// Concurrent callers can never hold more than MaxFailures slots between them.
func (l *Limiter) Reserve(ctx context.Context, identifier string, method Method) (Reservation, Decision, error) {
	r := Reservation{Identifier: identifier, Method: method, Member: uuid.NewString()}
	res, err := reserveScript.Run(ctx, l.redis, keys(identifier, method),
		l.now().UnixMilli(),
		l.config.Window.Milliseconds(),
		l.config.MaxFailures,
		r.Member,
	).Int64Slice()
	if err != nil {
		return Reservation{}, Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return Reservation{}, Decision{}, fmt.Errorf("%w: unexpected script reply", ErrRedisUnavailable)
	}
	if res[0] != 1 {
		return Reservation{}, Decision{Allowed: false, RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
	}
	return r, Decision{Allowed: true}, nil
}

// failureScript turns a slot into a counted failure. Failures landing while a lock is
// already active are absorbed by it.
var failureScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local maxLock = tonumber(ARGV[4])

local lock = tonumber(redis.call('GET', KEYS[2]) or '0')
if lock > now then
	return {1, lock - now}
end

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
redis.call('ZADD', KEYS[1], now, ARGV[5])
redis.call('PEXPIRE', KEYS[1], window)
local count = redis.call('ZCARD', KEYS[1])
if count < max then
	return {0, 0}
end

local level = tonumber(redis.call('GET', KEYS[3]) or '0') + 1
local dur = window
for i = 2, level do
	dur = dur * 2
	if dur >= maxLock then
		dur = maxLock
		break
	end
end
if dur > maxLock then
	dur = maxLock
end

redis.call('SET', KEYS[2], tostring(math.floor(now + dur)), 'PX', math.floor(dur))
redis.call('SET', KEYS[3], tostring(level), 'PX', math.floor(dur + maxLock))
redis.call('DEL', KEYS[1])
return {1, math.floor(dur)}
`)

// Fail settles a reservation as a failed verification. When the failure reaches the
// threshold the identifier is locked; the returned decision then carries Allowed=false
// and the lock length.
func (l *Limiter) Fail(ctx context.Context, r Reservation) (Decision, error) {
	member := r.Member
	if member == "" {
		member = uuid.NewString()
	}
	res, err := failureScript.Run(ctx, l.redis, keys(r.Identifier, r.Method),
		l.now().UnixMilli(),
		l.config.Window.Milliseconds(),
		l.config.MaxFailures,
		l.config.MaxLockout.Milliseconds(),
		member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply", ErrRedisUnavailable)
	}
	if res[0] == 1 {
		return Decision{Allowed: false, RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
	}
	return Decision{Allowed: true}, nil
}

// RecordFailure counts one failed attempt that held no reservation.
func (l *Limiter) RecordFailure(ctx context.Context, identifier string, method Method) (Decision, error) {
	return l.Fail(ctx, Reservation{Identifier: identifier, Method: method})
}

// Release gives a slot back without counting it, for attempts that ended before any
// credential was judged.
func (l *Limiter) Release(ctx context.Context, r Reservation) error {
	if r.Member == "" {
		return nil
	}
	if err := l.redis.ZRem(ctx, keys(r.Identifier, r.Method)[0], r.Member).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Reset clears the window, lock and escalation level after a successful verification.
func (l *Limiter) Reset(ctx context.Context, identifier string, method Method) error {
	if err := l.redis.Del(ctx, keys(identifier, method)...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Failures returns the number of failures currently inside the window.
func (l *Limiter) Failures(ctx context.Context, identifier string, method Method) (int, error) {
	k := keys(identifier, method)
	min := strconv.FormatInt(l.now().Add(-l.config.Window).UnixMilli(), 10)
	n, err := l.redis.ZCount(ctx, k[0], "("+min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(n), nil
}
