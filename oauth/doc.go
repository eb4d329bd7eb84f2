// Package oauth is the identity-provider boundary of authcore.
//
// A [Provider] turns an authorization code into an [Identity] (provider, subject, email).
// Two backends ship with the package:
//
//   - [OIDCProvider]: discovery, code exchange and ID token verification through
//     golang.org/x/oauth2 and github.com/coreos/go-oidc/v3.
//   - [OAuth2Provider]: plain OAuth 2.0 with a userinfo endpoint, for providers that do
//     not issue ID tokens.
//
// [Registry] keeps one provider set per tenant, built lazily from injected credentials.
//
// # Errors
//
// Exchange failures are classified so the caller can decide whether to retry:
// [ErrProviderUnavailable] for timeouts, transport failures and 5xx answers, and
// [ErrExchangeRejected] for everything the provider refused on purpose (bad code, bad
// verifier, failed ID token checks).
package oauth
