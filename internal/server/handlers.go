package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shugo/internal/auth"
	"github.com/ashita-ai/shugo/internal/authz"
	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/service/budget"
	"github.com/ashita-ai/shugo/internal/service/ops"
	"github.com/ashita-ai/shugo/internal/service/promotion"
	"github.com/ashita-ai/shugo/internal/service/retention"
	"github.com/ashita-ai/shugo/internal/service/skills"
	"github.com/ashita-ai/shugo/internal/service/traces"
	"github.com/ashita-ai/shugo/internal/service/workspace"
)

// Store is the persistence the transport layer itself needs: principals
// for token exchange and a liveness check.
type Store interface {
	Ping(ctx context.Context) error
	CreatePrincipal(ctx context.Context, p model.Principal) error
	GetPrincipal(ctx context.Context, tenantID, actor string) (model.Principal, error)
	ListPrincipals(ctx context.Context, tenantID string) ([]model.Principal, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	jwtMgr              *auth.JWTManager
	keyCache            *auth.KeyCache
	audit               *audit.Service
	traces              *traces.Service
	skills              *skills.Service
	budget              *budget.Service
	retention           *retention.Service
	workspaces          *workspace.Service
	promotion           *promotion.Service
	ops                 *ops.Service
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): KeyCache, Broker.
type HandlersDeps struct {
	Store               Store
	JWTMgr              *auth.JWTManager
	KeyCache            *auth.KeyCache
	Audit               *audit.Service
	Traces              *traces.Service
	Skills              *skills.Service
	Budget              *budget.Service
	Retention           *retention.Service
	Workspaces          *workspace.Service
	Promotion           *promotion.Service
	Ops                 *ops.Service
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		jwtMgr:              d.JWTMgr,
		keyCache:            d.KeyCache,
		audit:               d.Audit,
		traces:              d.Traces,
		skills:              d.Skills,
		budget:              d.Budget,
		retention:           d.Retention,
		workspaces:          d.Workspaces,
		promotion:           d.Promotion,
		ops:                 d.Ops,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// authorize checks that the caller holds every permission and returns its
// claims. On failure the response has been written.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request, perms ...model.Permission) (*auth.Claims, bool) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "authentication required")
		return nil, false
	}
	if err := authz.AuthorizeAll(claims, perms...); err != nil {
		writeServiceError(w, r, h.logger, err)
		return nil, false
	}
	return claims, true
}

// HandleAuthToken handles POST /auth/token. A principal's API key is
// exchanged for a short-lived JWT. Unknown principals still pay for one
// Argon2id verification so timing does not reveal which actors exist.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.TenantID == "" || req.Actor == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tenant_id, actor and api_key are required")
		return
	}

	p, ok := h.keyCache.Get(req.TenantID, req.Actor, req.APIKey)
	if !ok {
		found, err := h.store.GetPrincipal(r.Context(), req.TenantID, req.Actor)
		if err != nil {
			if !errors.Is(err, model.ErrNotFound) {
				h.logger.Error("auth: principal lookup failed", "error", err)
			}
			auth.DummyVerify()
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		valid, err := auth.VerifyAPIKey(req.APIKey, found.APIKeyHash)
		if err != nil || !valid {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		h.keyCache.Put(found, req.APIKey)
		p = found
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(p)
	if err != nil {
		h.logger.Error("auth: issue token", "error", err, "tenant_id", p.TenantID, "actor", p.Actor)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}
	h.logger.Info("auth: token issued",
		"tenant_id", p.TenantID,
		"actor", p.Actor,
		"role", p.Role,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// createPrincipalRequest is the body for POST /v1/principals.
type createPrincipalRequest struct {
	Actor string     `json:"actor"`
	Role  model.Role `json:"role"`
}

// createPrincipalResponse returns the generated key exactly once.
type createPrincipalResponse struct {
	Principal model.Principal `json:"principal"`
	APIKey    string          `json:"api_key"`
}

// HandleCreatePrincipal handles POST /v1/principals.
func (h *Handlers) HandleCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermPrincipalsManage)
	if !ok {
		return
	}
	var req createPrincipalRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	p, key, err := NewPrincipal(claims.TenantID, req.Actor, req.Role)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if err := h.store.CreatePrincipal(r.Context(), p); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.logger.Info("principal created", "tenant_id", p.TenantID, "actor", p.Actor, "role", p.Role, "by", claims.Actor)
	writeJSON(w, r, http.StatusCreated, createPrincipalResponse{Principal: p, APIKey: key})
}

// HandleListPrincipals handles GET /v1/principals.
func (h *Handlers) HandleListPrincipals(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermPrincipalsManage)
	if !ok {
		return
	}
	ps, err := h.store.ListPrincipals(r.Context(), claims.TenantID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if ps == nil {
		ps = []model.Principal{}
	}
	writeJSON(w, r, http.StatusOK, ps)
}

// NewPrincipal validates the identity and generates a fresh API key for it.
// The returned principal carries only the key's hash.
func NewPrincipal(tenantID, actor string, role model.Role) (model.Principal, string, error) {
	if err := model.ValidateIdentifier("tenant_id", tenantID); err != nil {
		return model.Principal{}, "", err
	}
	if err := model.ValidateIdentifier("actor", actor); err != nil {
		return model.Principal{}, "", err
	}
	if !role.Valid() {
		return model.Principal{}, "", &model.ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", role)}
	}
	key, err := auth.GenerateAPIKey()
	if err != nil {
		return model.Principal{}, "", err
	}
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return model.Principal{}, "", err
	}
	return model.Principal{
		ID:         uuid.Must(uuid.NewV7()),
		TenantID:   tenantID,
		Actor:      actor,
		Role:       role,
		APIKeyHash: hash,
		CreatedAt:  time.Now().UTC(),
	}, key, nil
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		dbStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Database: dbStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// SeedAdmin creates the bootstrap admin principal from a configured key if
// the tenant has no principals yet.
func (h *Handlers) SeedAdmin(ctx context.Context, tenantID, actor, adminAPIKey string) error {
	existing, err := h.store.ListPrincipals(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("seed admin: list principals: %w", err)
	}
	if len(existing) > 0 {
		h.logger.Info("principals exist, skipping admin seed", "tenant_id", tenantID, "count", len(existing))
		return nil
	}
	if adminAPIKey == "" {
		return fmt.Errorf("seed admin: SHUGO_ADMIN_API_KEY is empty and tenant %q has no principals", tenantID)
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}
	p := model.Principal{
		ID:         uuid.Must(uuid.NewV7()),
		TenantID:   tenantID,
		Actor:      actor,
		Role:       model.RoleAdmin,
		APIKeyHash: hash,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.CreatePrincipal(ctx, p); err != nil {
		return fmt.Errorf("seed admin: create principal: %w", err)
	}
	h.logger.Info("seeded initial admin principal", "tenant_id", tenantID, "actor", actor)
	return nil
}

// --- Shared helpers ---

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	v := r.PathValue(name)
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, &model.ValidationError{Field: name, Message: "must be a UUID"}
	}
	return id, nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryPage returns the bounded limit and offset from query params.
func queryPage(r *http.Request) (limit, offset int) {
	limit = model.ClampLimit(queryInt(r, "limit", 0), model.DefaultPageLimit, model.MaxPageLimit)
	offset = min(max(queryInt(r, "offset", 0), 0), maxQueryOffset)
	return limit, offset
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, &model.ValidationError{Field: key, Message: "expected RFC3339 format (e.g. 2026-01-01T00:00:00Z)"}
	}
	return &t, nil
}

func queryTimeRange(r *http.Request) (model.TimeRange, error) {
	from, err := queryTime(r, "from")
	if err != nil {
		return model.TimeRange{}, err
	}
	to, err := queryTime(r, "to")
	if err != nil {
		return model.TimeRange{}, err
	}
	return model.TimeRange{From: from, To: to}, nil
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
