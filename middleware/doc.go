// Package middleware adapts authcore.Engine to net/http.
//
// # Handlers
//
//   - [RequestContext] attaches the tenant (X-Tenant-ID) and client IP to the request context.
//   - [Guard] requires a valid access token.
//   - [OptionalGuard] accepts anonymous requests but rejects a bad token.
//   - [RequireRole] requires a role in the token's tenant.
//
// Guards call Engine.Authorize and then mark the context with
// authcore.WithAuthenticatedUser so that linking flows see the signed-in user.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to Engine).
//   - Access Redis or the credential store.
package middleware
