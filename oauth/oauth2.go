package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// OAuth2Provider is a plain OAuth 2.0 backend. The identity comes from the userinfo
// endpoint called with the exchanged access token.
type OAuth2Provider struct {
	name        string
	pkce        bool
	config      oauth2.Config
	userInfoURL string
	client      *http.Client
}

// NewOAuth2Provider builds a provider from static endpoints. client may be nil.
func NewOAuth2Provider(cfg ProviderConfig, client *http.Client) (*OAuth2Provider, error) {
	cfg.Kind = KindOAuth2
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &OAuth2Provider{
		name: cfg.Name,
		pkce: cfg.PKCE,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      defaultScopes(cfg.Scopes),
		},
		userInfoURL: cfg.UserInfoURL,
		client:      client,
	}, nil
}

func (p *OAuth2Provider) Name() string { return p.name }

func (p *OAuth2Provider) SupportsPKCE() bool { return p.pkce }

func (p *OAuth2Provider) AuthCodeURL(req AuthRequest) string {
	return p.config.AuthCodeURL(req.State, authCodeOptions(req, false)...)
}

func (p *OAuth2Provider) Exchange(ctx context.Context, code string, req AuthRequest) (Identity, error) {
	if p.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	}

	token, err := p.config.Exchange(ctx, code, exchangeOptions(req)...)
	if err != nil {
		return Identity{}, classify(ctx, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrExchangeRejected, err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.config.Client(ctx, token).Do(httpReq)
	if err != nil {
		return Identity{}, classify(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return Identity{}, fmt.Errorf("%w: userinfo status %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Identity{}, fmt.Errorf("%w: userinfo status %d", ErrExchangeRejected, resp.StatusCode)
	}

	var payload struct {
		Sub           string      `json:"sub"`
		ID            json.Number `json:"id"`
		Email         string      `json:"email"`
		EmailVerified bool        `json:"email_verified"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return Identity{}, fmt.Errorf("%w: userinfo: %v", ErrExchangeRejected, err)
	}

	subject := strings.TrimSpace(payload.Sub)
	if subject == "" {
		subject = payload.ID.String()
	}
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: userinfo carries no subject", ErrExchangeRejected)
	}

	return Identity{
		Provider:      p.name,
		Subject:       subject,
		Email:         payload.Email,
		EmailVerified: payload.EmailVerified,
	}, nil
}
