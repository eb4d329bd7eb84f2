// Package jwt signs and verifies authcore session tokens.
//
// Access and refresh tokens share one claim set (sub, tenant, roles, iat, exp, family, jti)
// and are told apart by the "typ" claim. Ed25519 is the default algorithm; HS256 is available
// for single-service deployments. Key rotation is supported through VerifyKeys keyed by kid.
package jwt
