package authcore

import (
	"testing"
	"time"
)

// Counter sequences one request bumps on its way through the engine.
var (
	mfaSignInCounters = [...]MetricID{
		MetricPasswordSigninSuccess,
		MetricMFARequired,
		MetricMFASuccess,
		MetricSessionIssued,
	}
	refreshCounters = [...]MetricID{
		MetricRefreshSuccess,
		MetricSessionIssued,
	}
	lockedOutCounters = [...]MetricID{
		MetricPasswordSigninFailure,
		MetricRateLimitHit,
	}
)

// authorizeLatencies spreads observations over every histogram bucket.
var authorizeLatencies = [...]time.Duration{
	time.Millisecond,
	7 * time.Millisecond,
	20 * time.Millisecond,
	40 * time.Millisecond,
	80 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	2 * time.Second,
}

func benchEngineMetrics(cfg MetricsConfig) *Engine {
	return &Engine{metrics: NewMetrics(cfg)}
}

func BenchmarkMetricsMFASignInParallel(b *testing.B) {
	e := benchEngineMetrics(MetricsConfig{Enabled: true})
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			for _, id := range mfaSignInCounters {
				e.metricInc(id)
			}
		}
	})
}

func BenchmarkMetricsRefreshWithAuthorizeParallel(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			for _, id := range refreshCounters {
				m.Inc(id)
			}
			m.Observe(MetricAuthorizeLatency, authorizeLatencies[i%len(authorizeLatencies)])
			i++
		}
	})
}

// A credential-stuffing burst funnels every goroutine into the same two counters.
func BenchmarkMetricsLockoutBurstParallel(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			for _, id := range lockedOutCounters {
				m.Inc(id)
			}
		}
	})
}

func BenchmarkMetricsDisabled(b *testing.B) {
	for _, tc := range []struct {
		name string
		e    *Engine
	}{
		{"no metrics", &Engine{}},
		{"disabled", benchEngineMetrics(MetricsConfig{Enabled: false})},
	} {
		b.Run(tc.name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				tc.e.metricInc(MetricSessionIssued)
			}
		})
	}
}

func BenchmarkMetricsSnapshotUnderTraffic(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			m.Inc(mfaSignInCounters[i%len(mfaSignInCounters)])
			m.Observe(MetricAuthorizeLatency, authorizeLatencies[i%len(authorizeLatencies)])
		}
	}()
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		s := m.Snapshot()
		if len(s.Counters) != int(metricIDCount) {
			b.Fatalf("snapshot has %d counters", len(s.Counters))
		}
	}

	b.StopTimer()
	close(stop)
	<-done
}
