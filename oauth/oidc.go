package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCProvider exchanges codes at a discovered OpenID Connect issuer and verifies the
// returned ID token (signature, issuer, audience, expiry and nonce).
type OIDCProvider struct {
	name     string
	pkce     bool
	config   oauth2.Config
	verifier *oidc.IDTokenVerifier
	client   *http.Client
}

// NewOIDCProvider runs discovery against cfg.Issuer. client may be nil.
func NewOIDCProvider(ctx context.Context, cfg ProviderConfig, client *http.Client) (*OIDCProvider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery for %q: %v", ErrProviderUnavailable, cfg.Name, err)
	}

	return &OIDCProvider{
		name: cfg.Name,
		pkce: cfg.PKCE,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       defaultScopes(cfg.Scopes, oidc.ScopeOpenID, "profile", "email"),
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		client:   client,
	}, nil
}

func (p *OIDCProvider) Name() string { return p.name }

func (p *OIDCProvider) SupportsPKCE() bool { return p.pkce }

func (p *OIDCProvider) AuthCodeURL(req AuthRequest) string {
	return p.config.AuthCodeURL(req.State, authCodeOptions(req, true)...)
}

// Exchange redeems code and verifies the ID token it comes with.
func (p *OIDCProvider) Exchange(ctx context.Context, code string, req AuthRequest) (Identity, error) {
	if p.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	}

	token, err := p.config.Exchange(ctx, code, exchangeOptions(req)...)
	if err != nil {
		return Identity{}, classify(ctx, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return Identity{}, fmt.Errorf("%w: no id_token in response", ErrExchangeRejected)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Identity{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return Identity{}, fmt.Errorf("%w: id token: %v", ErrExchangeRejected, err)
	}

	var claims struct {
		Nonce         string `json:"nonce"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("%w: claims: %v", ErrExchangeRejected, err)
	}
	if req.Nonce != "" && claims.Nonce != req.Nonce {
		return Identity{}, fmt.Errorf("%w: nonce mismatch", ErrExchangeRejected)
	}

	return Identity{
		Provider:      p.name,
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
	}, nil
}
