package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// ZerologSink writes each event as one structured log line: alerts at error, other
// failures at warn and successes at info.
type ZerologSink struct {
	logger zerolog.Logger
}

func NewZerologSink(logger zerolog.Logger) *ZerologSink {
	return &ZerologSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *ZerologSink) Emit(_ context.Context, event Event) {
	if s == nil {
		return
	}
	var ev *zerolog.Event
	switch {
	case event.Alert:
		ev = s.logger.Error()
	case !event.Success:
		ev = s.logger.Warn()
	default:
		ev = s.logger.Info()
	}
	ev = ev.Time("at", event.At).
		Str("event", event.Type).
		Bool("success", event.Success)
	for _, f := range [...]struct{ key, val string }{
		{"user_id", event.UserID},
		{"tenant", event.TenantID},
		{"family", event.FamilyID},
		{"attempt", event.AttemptID},
		{"credential_kind", event.Credential},
		{"method", event.Method},
		{"provider", event.Provider},
		{"ip", event.ClientIP},
		{"failure", event.Failure},
	} {
		if f.val != "" {
			ev = ev.Str(f.key, f.val)
		}
	}
	if len(event.Details) > 0 {
		dict := zerolog.Dict()
		for k, v := range event.Details {
			dict = dict.Str(k, v)
		}
		ev = ev.Dict("details", dict)
	}
	ev.Msg("audit")
}

// MultiSink fans an event out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, event)
		}
	}
}
