package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/MrEthical07/authcore"
)

// HeaderTenantID selects the tenant for unauthenticated requests.
const HeaderTenantID = "X-Tenant-ID"

// RequestContext attaches the tenant header and client IP. When trustProxy is set the
// left-most X-Forwarded-For address wins over RemoteAddr.
func RequestContext(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if tenant := strings.TrimSpace(r.Header.Get(HeaderTenantID)); tenant != "" {
				ctx = authcore.WithTenantID(ctx, tenant)
			}
			if ip := clientIP(r, trustProxy); ip != "" {
				ctx = authcore.WithClientIP(ctx, ip)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}
