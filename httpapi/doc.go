// Package httpapi exposes authcore.Engine as a JSON REST surface on net/http.
//
// Every handler is a thin translation: decode the body, call one Engine method,
// encode the result or map the error. Tenants come from the X-Tenant-ID header,
// signed-in users from a bearer access token, and inviter applications from the
// X-Inviter-Key header.
package httpapi
