package authcore

import "context"

type clientIPContextKey struct{}
type tenantIDContextKey struct{}
type userIDContextKey struct{}

// DefaultTenantID is used when no tenant is attached to the request context.
const DefaultTenantID = "0"

// WithClientIP attaches the caller's IP address to ctx. It is recorded on audit
// events and used as the limiter key for flows that have no account identifier yet.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithTenantID attaches a tenant identifier to ctx. Sessions are issued for this tenant
// and carry its role assignments. Requests without one use [DefaultTenantID].
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDContextKey{}, tenantID)
}

// WithAuthenticatedUser marks ctx as belonging to an already signed-in user. OAuth
// linking and invitation redemption for existing accounts require it. The HTTP guard
// sets it after [Engine.Authorize] succeeds.
func WithAuthenticatedUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey{}, userID)
}

// AuthenticatedUser returns the user attached with [WithAuthenticatedUser].
func AuthenticatedUser(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	userID, _ := ctx.Value(userIDContextKey{}).(string)
	return userID, userID != ""
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func tenantIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return DefaultTenantID
	}

	tenantID, _ := ctx.Value(tenantIDContextKey{}).(string)
	if tenantID == "" {
		return DefaultTenantID
	}

	return tenantID
}

func tenantIDFromContextExplicit(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	tenantID, _ := ctx.Value(tenantIDContextKey{}).(string)
	if tenantID == "" {
		return "", false
	}

	return tenantID, true
}

// TenantFromContext returns the tenant attached with [WithTenantID], or [DefaultTenantID].
func TenantFromContext(ctx context.Context) string {
	return tenantIDFromContext(ctx)
}

// ClientIPFromContext returns the address attached with [WithClientIP].
func ClientIPFromContext(ctx context.Context) string {
	return clientIPFromContext(ctx)
}
