package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/middleware"
	"github.com/rs/zerolog"
)

const (
	maxBodyBytes = 64 << 10

	// HeaderInviterKey carries an inviter application's API key.
	HeaderInviterKey = "X-Inviter-Key"
)

// InviterAuthenticator resolves an inviter API key to the application id.
type InviterAuthenticator interface {
	AuthenticateInviter(key string) (string, error)
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the access and error logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithTrustedProxy makes X-Forwarded-For authoritative for the client IP.
func WithTrustedProxy() Option {
	return func(s *Server) { s.trustProxy = true }
}

// Server routes REST calls to an Engine.
type Server struct {
	engine     *authcore.Engine
	inviters   InviterAuthenticator
	log        zerolog.Logger
	trustProxy bool
}

// New returns a Server. inviters may be nil, in which case invitation creation is refused.
func New(engine *authcore.Engine, inviters InviterAuthenticator, opts ...Option) *Server {
	s := &Server{engine: engine, inviters: inviters, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the full route table wrapped in request-context and access-log middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	guard := middleware.Guard(s.engine)
	optional := middleware.OptionalGuard(s.engine)

	mux.HandleFunc("GET /healthz", s.health)

	mux.HandleFunc("POST /signup/password", s.signUpPassword)
	mux.HandleFunc("POST /signin/password", s.signInPassword)

	mux.Handle("GET /oauth/{provider}/start", optional(http.HandlerFunc(s.oauthStart)))
	mux.HandleFunc("GET /oauth/{provider}/callback", s.oauthCallback)
	mux.HandleFunc("GET /oauth/providers", s.oauthProviders)

	mux.Handle("POST /webauthn/register/begin", optional(http.HandlerFunc(s.webauthnRegisterBegin)))
	mux.HandleFunc("POST /webauthn/register/finish", s.webauthnRegisterFinish)
	mux.HandleFunc("POST /webauthn/assert/begin", s.webauthnAssertBegin)
	mux.HandleFunc("POST /webauthn/assert/finish", s.webauthnAssertFinish)

	mux.Handle("POST /mfa/totp/setup", guard(http.HandlerFunc(s.totpSetup)))
	mux.Handle("POST /mfa/totp/confirm", guard(http.HandlerFunc(s.totpConfirm)))
	mux.HandleFunc("POST /mfa/totp/verify", s.totpVerify)
	mux.Handle("POST /mfa/backup-codes/regenerate", guard(http.HandlerFunc(s.backupRegenerate)))
	mux.HandleFunc("POST /mfa/backup-codes/consume", s.backupConsume)
	mux.HandleFunc("POST /mfa/attempts/{id}/resume", s.resumeAttempt)

	mux.HandleFunc("POST /token/refresh", s.refresh)
	mux.HandleFunc("POST /token/revoke", s.revoke)
	mux.Handle("POST /token/revoke-all", guard(http.HandlerFunc(s.revokeAll)))

	mux.HandleFunc("POST /invitations", s.createInvitation)
	mux.HandleFunc("DELETE /invitations/{id}", s.revokeInvitation)
	mux.Handle("POST /invitations/{token}/redeem", optional(http.HandlerFunc(s.redeemInvitation)))
	mux.HandleFunc("POST /invitations/{token}/oauth/{provider}", s.invitationOAuthStart)
	mux.HandleFunc("POST /invitations/{token}/webauthn", s.invitationWebAuthnBegin)

	mux.HandleFunc("POST /recovery/password/request", s.passwordResetRequest)
	mux.HandleFunc("POST /recovery/password/complete", s.passwordResetComplete)
	mux.HandleFunc("POST /recovery/device", s.recoverDevice)

	mux.Handle("POST /credentials/password", guard(http.HandlerFunc(s.registerPassword)))
	mux.Handle("GET /credentials/passkeys", guard(http.HandlerFunc(s.listPasskeys)))
	mux.Handle("GET /credentials/hardware-tokens", guard(http.HandlerFunc(s.listHardwareTokens)))
	mux.Handle("DELETE /credentials/keys/{credential_id}", guard(http.HandlerFunc(s.revokeKey)))
	mux.Handle("DELETE /credentials/{id}", guard(http.HandlerFunc(s.unlinkCredential)))

	return middleware.RequestContext(s.trustProxy)(s.accessLog(mux))
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

/*
====================================
PLUMBING
====================================
*/

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// decode reads a JSON body. An empty body decodes to the zero value.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return &authcore.ValidationError{Fields: map[string]string{"body": "malformed"}}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func authenticated(r *http.Request) *authcore.AuthResult {
	res, _ := middleware.AuthResultFromContext(r.Context())
	return res
}
