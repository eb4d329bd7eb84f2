package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/store"
)

type credentialsBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) signUpPassword(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.engine.SignUpPassword(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) signInPassword(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.session(w, r)(s.engine.SignInPassword(r.Context(), body.Email, body.Password))
}

// session returns a writer for the (session, error) pair every sign-in path produces.
func (s *Server) session(w http.ResponseWriter, r *http.Request) func(*authcore.Session, error) {
	return func(sess *authcore.Session, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

/*
====================================
OAUTH
====================================
*/

func (s *Server) oauthStart(w http.ResponseWriter, r *http.Request) {
	start, err := s.engine.BeginOAuth(r.Context(), authcore.TenantFromContext(r.Context()), r.PathValue("provider"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("redirect") == "true" {
		http.Redirect(w, r, start.AuthURL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, start)
}

// oauthCallback is reached by a browser redirect, so the tenant may arrive as a query
// parameter instead of a header.
func (s *Server) oauthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		s.writeError(w, r, authcore.ErrAuthenticationFailed)
		return
	}
	tenant := authcore.TenantFromContext(r.Context())
	if t := q.Get("tenant"); t != "" && r.Header.Get("X-Tenant-ID") == "" {
		tenant = t
	}
	s.session(w, r)(s.engine.CompleteOAuth(r.Context(), tenant, r.PathValue("provider"), q.Get("code"), q.Get("state")))
}

func (s *Server) oauthProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"providers": s.engine.OAuthProviders(authcore.TenantFromContext(r.Context())),
	})
}

/*
====================================
WEBAUTHN
====================================
*/

type registerBeginBody struct {
	Kind          store.CredentialKind `json:"kind"`
	Label         string               `json:"label"`
	RecoveryGrant string               `json:"recovery_grant"`
}

type ceremonyBody struct {
	CeremonyID string          `json:"ceremony_id"`
	Response   json.RawMessage `json:"response"`
}

func (s *Server) webauthnRegisterBegin(w http.ResponseWriter, r *http.Request) {
	var body registerBeginBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req := authcore.RegistrationRequest{Kind: body.Kind, Label: body.Label, RecoveryGrant: body.RecoveryGrant}
	if res := authenticated(r); res != nil {
		req.UserID = res.UserID
	}
	ch, err := s.engine.BeginWebAuthnRegistration(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) webauthnRegisterFinish(w http.ResponseWriter, r *http.Request) {
	var body ceremonyBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	key, err := s.engine.FinishWebAuthnRegistration(r.Context(), body.CeremonyID, body.Response)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (s *Server) webauthnAssertBegin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identifier string `json:"identifier"`
	}
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ch, err := s.engine.BeginWebAuthnAssertion(r.Context(), body.Identifier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) webauthnAssertFinish(w http.ResponseWriter, r *http.Request) {
	var body ceremonyBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.session(w, r)(s.engine.FinishWebAuthnAssertion(r.Context(), body.CeremonyID, body.Response))
}

/*
====================================
MFA
====================================
*/

type attemptCodeBody struct {
	AttemptID string `json:"attempt_id"`
	Code      string `json:"code"`
}

func (s *Server) totpSetup(w http.ResponseWriter, r *http.Request) {
	setup, err := s.engine.SetupTOTP(r.Context(), authenticated(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

func (s *Server) totpConfirm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.ConfirmTOTP(r.Context(), authenticated(r).UserID, body.Code); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) totpVerify(w http.ResponseWriter, r *http.Request) {
	var body attemptCodeBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.session(w, r)(s.engine.VerifyTOTP(r.Context(), body.AttemptID, body.Code))
}

func (s *Server) backupRegenerate(w http.ResponseWriter, r *http.Request) {
	codes, err := s.engine.RegenerateBackupCodes(r.Context(), authenticated(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"codes": codes})
}

func (s *Server) backupConsume(w http.ResponseWriter, r *http.Request) {
	var body attemptCodeBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.session(w, r)(s.engine.ConsumeBackupCode(r.Context(), body.AttemptID, body.Code))
}

func (s *Server) resumeAttempt(w http.ResponseWriter, r *http.Request) {
	s.session(w, r)(s.engine.ResumeAttempt(r.Context(), r.PathValue("id")))
}

/*
====================================
TOKENS
====================================
*/

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.session(w, r)(s.engine.Refresh(r.Context(), body.RefreshToken))
}

func (s *Server) revoke(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Revoke(r.Context(), body.RefreshToken); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) revokeAll(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RevokeAllForUser(r.Context(), authenticated(r).UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/*
====================================
INVITATIONS
====================================
*/

type invitationBody struct {
	Email      string `json:"email"`
	TenantID   string `json:"tenant"`
	Role       string `json:"role"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

func (s *Server) inviter(r *http.Request) (string, bool) {
	if s.inviters == nil {
		return "", false
	}
	id, err := s.inviters.AuthenticateInviter(r.Header.Get(HeaderInviterKey))
	return id, err == nil
}

func (s *Server) createInvitation(w http.ResponseWriter, r *http.Request) {
	appID, ok := s.inviter(r)
	if !ok {
		s.writeError(w, r, authcore.ErrAuthenticationFailed)
		return
	}
	var body invitationBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	grant, err := s.engine.CreateInvitation(r.Context(), authcore.InvitationRequest{
		InviterAppID: appID,
		Email:        body.Email,
		TenantID:     body.TenantID,
		Role:         body.Role,
		TTL:          time.Duration(body.TTLSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) revokeInvitation(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.inviter(r); !ok {
		s.writeError(w, r, authcore.ErrAuthenticationFailed)
		return
	}
	if err := s.engine.RevokeInvitation(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type redeemBody struct {
	Password string `json:"password"`
	OAuth    *struct {
		Provider string `json:"provider"`
		State    string `json:"state"`
		Code     string `json:"code"`
	} `json:"oauth"`
	WebAuthn *ceremonyBody `json:"webauthn"`
}

func (s *Server) redeemInvitation(w http.ResponseWriter, r *http.Request) {
	var body redeemBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	signup := authcore.InvitationSignup{Password: body.Password}
	if body.OAuth != nil {
		signup.OAuth = &authcore.InvitationOAuth{Provider: body.OAuth.Provider, State: body.OAuth.State, Code: body.OAuth.Code}
	}
	if body.WebAuthn != nil {
		signup.WebAuthn = &authcore.InvitationWebAuthn{CeremonyID: body.WebAuthn.CeremonyID, Response: body.WebAuthn.Response}
	}
	s.session(w, r)(s.engine.RedeemInvitation(r.Context(), r.PathValue("token"), signup))
}

func (s *Server) invitationOAuthStart(w http.ResponseWriter, r *http.Request) {
	start, err := s.engine.BeginInvitationOAuth(r.Context(), r.PathValue("token"), r.PathValue("provider"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, start)
}

func (s *Server) invitationWebAuthnBegin(w http.ResponseWriter, r *http.Request) {
	var body registerBeginBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ch, err := s.engine.BeginInvitationWebAuthn(r.Context(), r.PathValue("token"), body.Kind, body.Label)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

/*
====================================
RECOVERY
====================================
*/

func (s *Server) passwordResetRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.RequestPasswordReset(r.Context(), body.Email); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) passwordResetComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.CompletePasswordReset(r.Context(), body.Token, body.Password); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recoverDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email      string `json:"email"`
		BackupCode string `json:"backup_code"`
	}
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	grant, err := s.engine.RecoverDevice(r.Context(), body.Email, body.BackupCode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

/*
====================================
CREDENTIALS
====================================
*/

func (s *Server) registerPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CurrentPassword string `json:"current_password"`
		Password        string `json:"password"`
	}
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.RegisterPassword(r.Context(), authenticated(r).UserID, body.CurrentPassword, body.Password); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPasskeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.engine.ListPasskeys(r.Context(), authenticated(r).UserID)
	s.writeKeys(w, r, keys, err)
}

func (s *Server) listHardwareTokens(w http.ResponseWriter, r *http.Request) {
	keys, err := s.engine.ListHardwareTokens(r.Context(), authenticated(r).UserID)
	s.writeKeys(w, r, keys, err)
}

func (s *Server) writeKeys(w http.ResponseWriter, r *http.Request, keys []authcore.RegisteredKey, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []authcore.RegisteredKey{}
	}
	writeJSON(w, http.StatusOK, map[string][]authcore.RegisteredKey{"keys": keys})
}

// revokeKey takes the credential id in base64url, as browsers report it.
func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(r.PathValue("credential_id"), "="))
	if err != nil || len(raw) == 0 {
		s.writeError(w, r, &authcore.ValidationError{Fields: map[string]string{"credential_id": "malformed"}})
		return
	}
	if err := s.engine.RevokeCredential(r.Context(), authenticated(r).UserID, raw); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unlinkCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.UnlinkCredential(r.Context(), authenticated(r).UserID, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
