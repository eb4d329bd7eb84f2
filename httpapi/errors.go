package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/MrEthical07/authcore"
)

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error     string            `json:"error"`
	Fields    map[string]string `json:"fields,omitempty"`
	AttemptID string            `json:"attempt_id,omitempty"`
	Methods   []string          `json:"methods,omitempty"`
}

// writeError maps the engine taxonomy onto status codes. Authentication failures are
// always the same body so responses never reveal which check failed.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve  *authcore.ValidationError
		mfa *authcore.MFARequiredError
	)

	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_failed", Fields: ve.Fields})
	case errors.As(err, &mfa):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "mfa_required", AttemptID: mfa.AttemptID, Methods: mfa.Methods})
	case errors.Is(err, authcore.ErrRateLimited):
		if d, ok := authcore.RetryAfter(err); ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited"})
	case errors.Is(err, authcore.ErrAuthenticationFailed):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "authentication_failed"})
	case errors.Is(err, authcore.ErrTokenInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "token_invalid"})
	case errors.Is(err, authcore.ErrTokenExpired):
		writeJSON(w, http.StatusGone, errorBody{Error: "token_expired"})
	case errors.Is(err, authcore.ErrTokenAlreadyUsed):
		writeJSON(w, http.StatusConflict, errorBody{Error: "token_already_used"})
	case errors.Is(err, authcore.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict"})
	case errors.Is(err, authcore.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	case errors.Is(err, authcore.ErrProviderUnavailable):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "provider_unavailable"})
	case errors.Is(err, authcore.ErrEngineNotReady):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable"})
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
	}
}
