package shugo

import (
	"context"
	"net/http"
)

// AuditHook receives every audit entry after it is committed.
// Multiple hooks may be registered via multiple WithAuditHook calls.
// Hooks run in their own goroutine and must not block indefinitely.
// Failures are logged but never fail the originating request.
type AuditHook interface {
	OnAudit(ctx context.Context, event AuditEvent) error
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
