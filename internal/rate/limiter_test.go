package rate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(rdb, cfg, clock.Now), clock
}

func TestLimiterLocksOnThresholdFailure(t *testing.T) {
	l, _ := newTestLimiter(t, DefaultConfig())
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		d, err := l.RecordFailure(ctx, "a@x.com", MethodPassword)
		if err != nil {
			t.Fatalf("RecordFailure %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("failure %d must not lock", i)
		}
	}
	d, err := l.RecordFailure(ctx, "a@x.com", MethodPassword)
	if err != nil {
		t.Fatalf("RecordFailure 5: %v", err)
	}
	if d.Allowed || d.RetryAfter != 15*time.Minute {
		t.Fatalf("expected 15m lock on 5th failure, got %+v", d)
	}

	check, err := l.Check(ctx, "a@x.com", MethodPassword)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if check.Allowed || check.RetryAfter <= 0 {
		t.Fatalf("expected denial with retry-after, got %+v", check)
	}
}

func TestLimiterMethodsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxFailures: 1, Window: time.Minute, MaxLockout: time.Hour})
	ctx := context.Background()

	if _, err := l.RecordFailure(ctx, "u1", MethodTOTP); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	d, err := l.Check(ctx, "u1", MethodPassword)
	if err != nil || !d.Allowed {
		t.Fatalf("password must be unaffected by totp lock: %+v %v", d, err)
	}
}

func TestLimiterLockExpiresWithClock(t *testing.T) {
	l, clock := newTestLimiter(t, Config{MaxFailures: 2, Window: time.Minute, MaxLockout: time.Hour})
	ctx := context.Background()

	_, _ = l.RecordFailure(ctx, "u", MethodPassword)
	_, _ = l.RecordFailure(ctx, "u", MethodPassword)

	clock.Advance(59 * time.Second)
	if d, _ := l.Check(ctx, "u", MethodPassword); d.Allowed {
		t.Fatal("expected lock to hold before deadline")
	}
	clock.Advance(2 * time.Second)
	if d, _ := l.Check(ctx, "u", MethodPassword); !d.Allowed {
		t.Fatal("expected lock to lapse after deadline")
	}
}

func TestLimiterEscalatesAndCaps(t *testing.T) {
	l, clock := newTestLimiter(t, Config{MaxFailures: 1, Window: time.Minute, MaxLockout: 3 * time.Minute})
	ctx := context.Background()

	want := []time.Duration{time.Minute, 2 * time.Minute, 3 * time.Minute, 3 * time.Minute}
	for i, w := range want {
		d, err := l.RecordFailure(ctx, "u", MethodPassword)
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if d.RetryAfter != w {
			t.Fatalf("lock %d: expected %v, got %v", i+1, w, d.RetryAfter)
		}
		clock.Advance(d.RetryAfter + time.Second)
	}
}

func TestLimiterSlidingWindowForgetsOldFailures(t *testing.T) {
	l, clock := newTestLimiter(t, Config{MaxFailures: 3, Window: time.Minute, MaxLockout: time.Hour})
	ctx := context.Background()

	_, _ = l.RecordFailure(ctx, "u", MethodPassword)
	_, _ = l.RecordFailure(ctx, "u", MethodPassword)
	clock.Advance(61 * time.Second)

	n, err := l.Failures(ctx, "u", MethodPassword)
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected aged-out failures to be ignored, got %d", n)
	}
	d, _ := l.RecordFailure(ctx, "u", MethodPassword)
	if !d.Allowed {
		t.Fatal("expected a single in-window failure not to lock")
	}
}

func TestLimiterResetClearsEverything(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxFailures: 1, Window: time.Minute, MaxLockout: time.Hour})
	ctx := context.Background()

	_, _ = l.RecordFailure(ctx, "u", MethodPassword)
	if err := l.Reset(ctx, "u", MethodPassword); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if d, _ := l.Check(ctx, "u", MethodPassword); !d.Allowed {
		t.Fatal("expected reset to lift the lock")
	}
	d, _ := l.RecordFailure(ctx, "u", MethodPassword)
	if d.RetryAfter != time.Minute {
		t.Fatalf("expected escalation level reset, got %v", d.RetryAfter)
	}
}

func TestLimiterRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	l := New(rdb, DefaultConfig(), nil)
	mr.Close()

	if _, err := l.Check(context.Background(), "u", MethodPassword); err == nil {
		t.Fatal("expected backend error")
	}
}

func TestLimiterReserveBoundsConcurrentAttempts(t *testing.T) {
	l, _ := newTestLimiter(t, DefaultConfig())
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			r, d, err := l.Reserve(ctx, "a@x.com", MethodPassword)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			if !d.Allowed {
				if d.RetryAfter <= 0 {
					t.Errorf("denied reservation without retry-after")
				}
				return
			}
			admitted.Add(1)
			if _, err := l.Fail(ctx, r); err != nil {
				t.Errorf("Fail: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := admitted.Load(); got != 5 {
		t.Fatalf("expected exactly 5 admitted attempts, got %d", got)
	}
	if _, d, _ := l.Reserve(ctx, "a@x.com", MethodPassword); d.Allowed {
		t.Fatal("expected identifier to be locked after the burst")
	}
}

func TestLimiterPendingReservationsCountTowardThreshold(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxFailures: 2, Window: time.Minute, MaxLockout: time.Hour})
	ctx := context.Background()

	first, d, err := l.Reserve(ctx, "u", MethodTOTP)
	if err != nil || !d.Allowed {
		t.Fatalf("first reserve: %+v %v", d, err)
	}
	if _, d, _ = l.Reserve(ctx, "u", MethodTOTP); !d.Allowed {
		t.Fatal("second reserve must be admitted")
	}
	_, d, _ = l.Reserve(ctx, "u", MethodTOTP)
	if d.Allowed {
		t.Fatal("third reserve must wait for the in-flight slots")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("unexpected retry-after %v", d.RetryAfter)
	}

	if err := l.Release(ctx, first); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, d, _ = l.Reserve(ctx, "u", MethodTOTP); !d.Allowed {
		t.Fatal("released slot must be reusable")
	}
}

func TestLimiterFailDuringLockIsAbsorbed(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxFailures: 2, Window: time.Minute, MaxLockout: time.Hour})
	ctx := context.Background()

	a, _, _ := l.Reserve(ctx, "u", MethodPassword)
	b, _, _ := l.Reserve(ctx, "u", MethodPassword)

	d, err := l.Fail(ctx, a)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if d.Allowed || d.RetryAfter != time.Minute {
		t.Fatalf("expected lock once both slots count, got %+v", d)
	}
	d, _ = l.Fail(ctx, b)
	if d.Allowed {
		t.Fatal("expected late failure to report the active lock")
	}
	n, _ := l.Failures(ctx, "u", MethodPassword)
	if n != 0 {
		t.Fatalf("expected late failure not to refill the window, got %d", n)
	}
}
