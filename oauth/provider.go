package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"
)

var (
	// ErrProviderUnavailable marks a failure worth retrying: timeout, network error or 5xx.
	ErrProviderUnavailable = errors.New("oauth: provider unavailable")
	// ErrExchangeRejected marks a code, verifier or token the provider refused.
	ErrExchangeRejected = errors.New("oauth: exchange rejected")
	// ErrUnknownProvider is returned by the registry for an unconfigured (tenant, name).
	ErrUnknownProvider = errors.New("oauth: unknown provider")
)

// Identity is what a provider asserts about the user after a successful exchange.
type Identity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
}

// AuthRequest binds one authorization round trip. Verifier is empty when PKCE is not used.
type AuthRequest struct {
	State    string
	Nonce    string
	Verifier string
}

// Provider is the fixed capability set every backend implements.
type Provider interface {
	Name() string
	SupportsPKCE() bool
	AuthCodeURL(req AuthRequest) string
	Exchange(ctx context.Context, code string, req AuthRequest) (Identity, error)
}

// ProviderConfig is the injected per-tenant credential set of one provider.
type ProviderConfig struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes,omitempty"`
	PKCE         bool     `json:"pkce"`

	// Issuer is used by KindOIDC for discovery.
	Issuer string `json:"issuer,omitempty"`

	// AuthURL, TokenURL and UserInfoURL are used by KindOAuth2.
	AuthURL     string `json:"auth_url,omitempty"`
	TokenURL    string `json:"token_url,omitempty"`
	UserInfoURL string `json:"userinfo_url,omitempty"`
}

// Backend kinds accepted in ProviderConfig.Kind.
const (
	KindOIDC   = "oidc"
	KindOAuth2 = "oauth2"
)

func (c ProviderConfig) validate() error {
	if c.Name == "" {
		return errors.New("oauth: provider name is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("oauth: provider %q: client id is required", c.Name)
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("oauth: provider %q: redirect url is required", c.Name)
	}
	switch c.Kind {
	case KindOIDC, "":
		if c.Issuer == "" {
			return fmt.Errorf("oauth: provider %q: issuer is required", c.Name)
		}
	case KindOAuth2:
		if c.AuthURL == "" || c.TokenURL == "" || c.UserInfoURL == "" {
			return fmt.Errorf("oauth: provider %q: auth, token and userinfo urls are required", c.Name)
		}
	default:
		return fmt.Errorf("oauth: provider %q: unsupported kind %q", c.Name, c.Kind)
	}
	return nil
}

// classify maps a transport or token endpoint error onto the two exported classes.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: token endpoint status %d", ErrProviderUnavailable, re.Response.StatusCode)
		}
		return fmt.Errorf("%w: %s", ErrExchangeRejected, re.ErrorCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrExchangeRejected, err)
}

func defaultScopes(scopes []string, fallback ...string) []string {
	if len(scopes) > 0 {
		return append([]string(nil), scopes...)
	}
	return fallback
}

func authCodeOptions(req AuthRequest, nonce bool) []oauth2.AuthCodeOption {
	opts := make([]oauth2.AuthCodeOption, 0, 2)
	if req.Verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(req.Verifier))
	}
	if nonce && req.Nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", req.Nonce))
	}
	return opts
}

func exchangeOptions(req AuthRequest) []oauth2.AuthCodeOption {
	if req.Verifier == "" {
		return nil
	}
	return []oauth2.AuthCodeOption{oauth2.VerifierOption(req.Verifier)}
}
