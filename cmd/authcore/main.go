// Command authcore serves the authentication HTTP API.
//
// Configuration comes from AUTHCORE_* environment variables; see internal/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/httpapi"
	"github.com/MrEthical07/authcore/internal/config"
	"github.com/MrEthical07/authcore/metrics/export/prometheus"
	"github.com/MrEthical07/authcore/oauth"
	"github.com/MrEthical07/authcore/passkey"
	"github.com/MrEthical07/authcore/store/postgres"
)

const (
	appName         = "authcore"
	shutdownTimeout = 10 * time.Second
	expirySweep     = time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if cfg.Banner {
		figure.NewFigure(appName, "cybermedium", true).Print()
		fmt.Println()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("authcore stopped")
	}
	logger.Info().Msg("authcore stopped")
}

func newLogger(w io.Writer, level, format string) zerolog.Logger {
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", appName).Logger()
}

func run(ctx context.Context, cfg *config.Server, logger zerolog.Logger) error {
	db, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	if cfg.Migrate {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Msg("migrations applied")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	registry := oauth.NewRegistry(&http.Client{Timeout: cfg.Engine.OAuth.ExchangeTimeout})
	if err := registry.ConfigureAll(cfg.OAuthProviderConfigs()); err != nil {
		return fmt.Errorf("oauth providers: %w", err)
	}

	builder := authcore.New().
		WithConfig(cfg.Engine).
		WithRedis(rdb).
		WithStore(db).
		WithOAuthRegistry(registry).
		WithLogger(logger).
		WithAuditSink(authcore.NewZerologSink(logger.With().Str("component", "audit").Logger()))

	if len(cfg.WebAuthn.RPOrigins) > 0 {
		backend, err := passkey.NewWebAuthn(cfg.WebAuthn)
		if err != nil {
			return err
		}
		builder = builder.WithPasskeyBackend(backend)
	} else {
		logger.Warn().Msg("no webauthn origins configured; passkey routes are disabled")
	}

	engine, err := builder.Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	relay, err := engine.NewWebhookRelay(engine.NewHTTPWebhookSender(cfg.WebhookReceivers()))
	if err != nil {
		return fmt.Errorf("webhook relay: %w", err)
	}

	api := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.New(engine, cfg, httpapi.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var servers []*http.Server
	servers = append(servers, api)
	if cfg.Engine.Metrics.Enabled && cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prometheus.New(engine).Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(servers)+1)
	var wg sync.WaitGroup

	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			logger.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs <- fmt.Errorf("webhook relay: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweepInvitations(ctx, engine, logger)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("addr", srv.Addr).Msg("shutdown")
		}
	}
	wg.Wait()
	return runErr
}

func sweepInvitations(ctx context.Context, engine *authcore.Engine, logger zerolog.Logger) {
	ticker := time.NewTicker(expirySweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.ExpireInvitations(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("expire invitations")
				continue
			}
			if n > 0 {
				logger.Info().Int("expired", n).Msg("invitations expired")
			}
		}
	}
}
