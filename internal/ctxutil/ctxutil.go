// Package ctxutil provides shared context key accessors.
//
// Both the HTTP server and the MCP server read the authenticated caller from
// the request context. The server's auth middleware writes it here so mcp
// does not have to import server.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/shugo/internal/auth"
	"github.com/ashita-ai/shugo/internal/model"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// TenantFromContext returns the caller's tenant, or "" when unauthenticated.
func TenantFromContext(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.TenantID
	}
	return ""
}

// ActorFromContext returns the caller as recorded in audit entries.
func ActorFromContext(ctx context.Context) (model.Actor, bool) {
	c := ClaimsFromContext(ctx)
	if c == nil {
		return model.Actor{}, false
	}
	return c.Identity(), true
}

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request ID, or "" if none was set.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
