package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shugo/internal/auth"
	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/ratelimit"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/service/budget"
	"github.com/ashita-ai/shugo/internal/service/ops"
	"github.com/ashita-ai/shugo/internal/service/promotion"
	"github.com/ashita-ai/shugo/internal/service/retention"
	"github.com/ashita-ai/shugo/internal/service/skills"
	"github.com/ashita-ai/shugo/internal/service/traces"
	"github.com/ashita-ai/shugo/internal/service/workspace"
)

// Server is the Shugo HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): KeyCache, Limiter, Broker, MCPServer, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Store      Store
	JWTMgr     *auth.JWTManager
	Audit      *audit.Service
	Traces     *traces.Service
	Skills     *skills.Service
	Budget     *budget.Service
	Retention  *retention.Service
	Workspaces *workspace.Service
	Promotion  *promotion.Service
	Ops        *ops.Service
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	KeyCache  *auth.KeyCache
	Limiter   ratelimit.Limiter
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// Middlewares wrap the whole chain. The first is outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		KeyCache:            cfg.KeyCache,
		Audit:               cfg.Audit,
		Traces:              cfg.Traces,
		Skills:              cfg.Skills,
		Budget:              cfg.Budget,
		Retention:           cfg.Retention,
		Workspaces:          cfg.Workspaces,
		Promotion:           cfg.Promotion,
		Ops:                 cfg.Ops,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.Limiter != nil {
		limiter = cfg.Limiter
	}
	apiRL := ratelimit.Middleware(limiter, "api", principalKeyFunc, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(limiter, "auth", ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	api := func(fn http.HandlerFunc) http.Handler { return apiRL(fn) }

	mux := http.NewServeMux()

	// Auth (no token required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Principals.
	mux.Handle("POST /v1/principals", api(h.HandleCreatePrincipal))
	mux.Handle("GET /v1/principals", api(h.HandleListPrincipals))

	// Traces.
	mux.Handle("POST /v1/traces", api(h.HandleFinalizeTrace))
	mux.Handle("GET /v1/traces", api(h.HandleListTraces))
	mux.Handle("GET /v1/traces/stats", api(h.HandleTraceStats))
	mux.Handle("GET /v1/traces/by-label", api(h.HandleTracesByLabel))
	mux.Handle("GET /v1/traces/by-link", api(h.HandleTracesByLink))
	mux.Handle("GET /v1/traces/{id}", api(h.HandleGetTrace))
	mux.Handle("GET /v1/traces/{id}/diff/{other}", api(h.HandleTraceDiff))
	mux.Handle("PUT /v1/traces/{id}/labels", api(h.HandleSetTraceLabels))
	mux.Handle("POST /v1/traces/{id}/annotations", api(h.HandleAnnotateTrace))
	mux.Handle("GET /v1/traces/{id}/annotations", api(h.HandleListAnnotations))

	// Risk.
	mux.Handle("GET /v1/risk/overview", api(h.HandleRiskOverview))
	mux.Handle("POST /v1/risk/score", api(h.HandleRiskScore))

	// Skills.
	mux.Handle("GET /v1/skills", api(h.HandleSearchSkills))
	mux.Handle("POST /v1/skills", api(h.HandlePublishSkill))
	mux.Handle("GET /v1/skills/{name}/versions", api(h.HandleSkillVersions))
	mux.Handle("GET /v1/skills/{name}/versions/{version}", api(h.HandleGetSkill))
	mux.Handle("POST /v1/skills/{name}/versions/{version}/state", api(h.HandleSetSkillState))
	mux.Handle("POST /v1/skills/{name}/versions/{version}/tests", api(h.HandleRunSkillTests))
	mux.Handle("GET /v1/skills/{name}/versions/{version}/tests", api(h.HandleLatestSkillTestRun))

	// Budget.
	mux.Handle("GET /v1/budget", api(h.HandleGetBudget))
	mux.Handle("PUT /v1/budget", api(h.HandleSetBudget))
	mux.Handle("POST /v1/budget/check", api(h.HandleCheckBudget))
	mux.Handle("POST /v1/budget/forecast", api(h.HandleForecastCost))
	mux.Handle("POST /v1/budget/spend", api(h.HandleRecordSpend))

	// Retention.
	mux.Handle("GET /v1/retention", api(h.HandleGetRetention))
	mux.Handle("PUT /v1/retention", api(h.HandleSetRetention))
	mux.Handle("POST /v1/retention/enforce", api(h.HandleEnforceRetention))
	mux.Handle("GET /v1/retention/stats", api(h.HandleRetentionStats))

	// Workspaces, environments, pins and promotion.
	mux.Handle("GET /v1/workspaces/{ws}", api(h.HandleGetWorkspace))
	mux.Handle("POST /v1/workspaces/{ws}/versions", api(h.HandleRecordVersion))
	mux.Handle("GET /v1/workspaces/{ws}/versions", api(h.HandleListVersions))
	mux.Handle("GET /v1/workspaces/{ws}/versions/{hash}", api(h.HandleGetVersion))
	mux.Handle("POST /v1/workspaces/{ws}/rollback", api(h.HandleRollback))
	mux.Handle("GET /v1/workspaces/{ws}/environments", api(h.HandleListEnvironments))
	mux.Handle("POST /v1/workspaces/{ws}/environments", api(h.HandleCreateEnvironment))
	mux.Handle("POST /v1/workspaces/{ws}/environments/init", api(h.HandleInitEnvironments))
	mux.Handle("GET /v1/workspaces/{ws}/environments/{env}", api(h.HandleGetEnvironment))
	mux.Handle("PUT /v1/workspaces/{ws}/environments/{env}/lock", api(h.HandleLockEnvironment))
	mux.Handle("POST /v1/workspaces/{ws}/pins", api(h.HandlePin))
	mux.Handle("GET /v1/workspaces/{ws}/pins/{env}", api(h.HandleGetPin))
	mux.Handle("DELETE /v1/workspaces/{ws}/pins/{env}", api(h.HandleUnpin))
	mux.Handle("GET /v1/workspaces/{ws}/pins/{env}/history", api(h.HandleListPins))
	mux.Handle("GET /v1/workspaces/{ws}/impact", api(h.HandleImpact))
	mux.Handle("POST /v1/workspaces/{ws}/promotions/check", api(h.HandleCheckPromotion))
	mux.Handle("POST /v1/workspaces/{ws}/promotions", api(h.HandlePromote))

	// Audit.
	mux.Handle("GET /v1/audit", api(h.HandleQueryAudit))
	mux.Handle("GET /v1/audit/stats", api(h.HandleAuditStats))
	// Long-lived connection, not rate limited.
	mux.HandleFunc("GET /v1/audit/stream", h.HandleAuditStream)

	// MCP StreamableHTTP transport (auth required; tools check permissions).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer,
			mcpserver.WithHTTPContextFunc(func(ctx context.Context, _ *http.Request) context.Context {
				return ctx
			}),
		)
		mux.Handle("/mcp", apiRL(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// principalKeyFunc keys rate limits by tenant and actor. Admins are exempt.
func principalKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ratelimit.IPKeyFunc(r)
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return claims.TenantID + ":" + claims.Actor
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
