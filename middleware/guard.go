package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/MrEthical07/authcore"
)

type authResultContextKey struct{}

// AuthResultFromContext returns the result stored by Guard or OptionalGuard.
func AuthResultFromContext(ctx context.Context) (*authcore.AuthResult, bool) {
	res, ok := ctx.Value(authResultContextKey{}).(*authcore.AuthResult)
	return res, ok
}

// Guard rejects requests without a valid bearer access token.
func Guard(engine *authcore.Engine) func(http.Handler) http.Handler {
	return guard(engine, true)
}

// OptionalGuard lets requests without an Authorization header through unauthenticated.
func OptionalGuard(engine *authcore.Engine) func(http.Handler) http.Handler {
	return guard(engine, false)
}

func guard(engine *authcore.Engine, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" && !required {
				next.ServeHTTP(w, r)
				return
			}
			if engine == nil {
				unauthorized(w)
				return
			}

			token, ok := bearerToken(header)
			if !ok {
				unauthorized(w)
				return
			}

			res, err := engine.Authorize(r.Context(), token)
			if err != nil {
				unauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), authResultContextKey{}, res)
			ctx = authcore.WithTenantID(ctx, res.TenantID)
			ctx = authcore.WithAuthenticatedUser(ctx, res.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole must run after Guard. It answers 403 when the token lacks role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := AuthResultFromContext(r.Context())
			if !ok {
				unauthorized(w)
				return
			}
			if !res.HasRole(role) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="authcore"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
