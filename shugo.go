// Package shugo is the public API for embedding the Shugo governance server.
//
// Platform teams import this package to run the server inside their own
// binary and observe or extend it without forking:
//
//	app, err := shugo.New(
//	    shugo.WithVersion(version),
//	    shugo.WithLogger(logger),
//	    shugo.WithAuditHook(mySIEMForwarder{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: shugo (root) imports
// internal/*, but internal/* never imports shugo (root). Public types
// (AuditEvent, ModelPrice, etc.) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package shugo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/shugo/internal/auth"
	"github.com/ashita-ai/shugo/internal/config"
	"github.com/ashita-ai/shugo/internal/events"
	"github.com/ashita-ai/shugo/internal/mcp"
	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/ratelimit"
	"github.com/ashita-ai/shugo/internal/server"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/service/budget"
	"github.com/ashita-ai/shugo/internal/service/ops"
	"github.com/ashita-ai/shugo/internal/service/promotion"
	"github.com/ashita-ai/shugo/internal/service/retention"
	"github.com/ashita-ai/shugo/internal/service/skills"
	"github.com/ashita-ai/shugo/internal/service/traces"
	"github.com/ashita-ai/shugo/internal/service/workspace"
	"github.com/ashita-ai/shugo/internal/storage"
	"github.com/ashita-ai/shugo/internal/storage/sqlite"
	"github.com/ashita-ai/shugo/internal/telemetry"
	"github.com/ashita-ai/shugo/migrations"
)

// Store is everything the services persist, satisfied by both backends.
type Store interface {
	server.Store
	audit.Store
	traces.Store
	skills.Store
	budget.Store
	retention.Store
	workspace.Store
}

var (
	_ Store = (*storage.DB)(nil)
	_ Store = (*sqlite.DB)(nil)
)

// RetentionActor is the identity the background retention sweep audits as.
var RetentionActor = model.Actor{ID: "system:retention", Role: model.RoleAdmin}

const shutdownTimeout = 15 * time.Second

// App is the Shugo server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	closeStore   func()
	srv          *server.Server
	retention    *retention.Service
	workspaces   *workspace.Service
	keyCache     *auth.KeyCache
	limiter      ratelimit.Limiter
	nats         *events.NATS // nil when NATS_URL is unset
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Shugo server. It opens the store, applies the schema,
// wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := loadConfig(o)
	if err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}
	logger.Info("shugo starting", "version", version, "port", cfg.Port, "backend", cfg.Backend)

	ctx := context.Background()
	var cleanup []func()
	fail := func(err error) (*App, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		return nil, err
	}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	cleanup = append(cleanup, func() { _ = otelShutdown(context.Background()) })

	store, closeStore, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, closeStore)

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	// Audit fan-out: SSE subscribers, JetStream, embedder hooks.
	broker := server.NewBroker(logger)
	publishers := events.Multi{broker}
	var natsPub *events.NATS
	if cfg.NATSURL != "" {
		natsPub, err = events.ConnectNATS(ctx, cfg.NATSURL, logger)
		if err != nil {
			return fail(fmt.Errorf("nats: %w", err))
		}
		cleanup = append(cleanup, func() { _ = natsPub.Close() })
		publishers = append(publishers, natsPub)
	} else {
		logger.Info("nats: disabled (no NATS_URL)")
	}
	if len(o.auditHooks) > 0 {
		publishers = append(publishers, &hookPublisher{hooks: o.auditHooks, logger: logger})
	}

	var prices map[string]model.ModelPrice
	if len(o.prices) > 0 {
		prices = maps.Clone(budget.DefaultPrices)
		for k, p := range o.prices {
			prices[k] = model.ModelPrice{InputPerMillion: p.InputPerMillion, OutputPerMillion: p.OutputPerMillion}
		}
	}

	var applier workspace.Applier
	if cfg.WorkspaceDir != "" {
		applier = workspace.DirApplier{Dir: cfg.WorkspaceDir}
		logger.Info("workspace: rollbacks apply to directory", "dir", cfg.WorkspaceDir)
	}

	auditSvc := audit.New(store, publishers, logger)
	traceSvc := traces.New(store, auditSvc, logger)
	skillSvc := skills.New(store, auditSvc, nil, logger)
	budgetSvc := budget.New(store, auditSvc, prices, logger)
	retentionSvc := retention.New(store, auditSvc, cfg.RetentionConcurrency, logger)
	workspaceSvc, err := workspace.NewWithCacheBytes(store, auditSvc, applier, cfg.WorkspaceCacheBytes, logger)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, workspaceSvc.Close)
	promotionSvc := promotion.New(workspaceSvc, skillSvc, budgetSvc, auditSvc, logger)
	opsSvc := ops.New(traceSvc, skillSvc, logger)

	keyCache, err := auth.NewKeyCache(10_000, time.Minute)
	if err != nil {
		return fail(fmt.Errorf("key cache: %w", err))
	}
	cleanup = append(cleanup, keyCache.Close)

	limiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, func() { _ = limiter.Close() })

	mcpSrv := mcp.New(opsSvc, skillSvc, budgetSvc, logger, version)

	middlewares := make([]func(http.Handler) http.Handler, len(o.middlewares))
	for i, mw := range o.middlewares {
		middlewares[i] = mw
	}

	srv := server.New(server.ServerConfig{
		Store:               store,
		JWTMgr:              jwtMgr,
		Audit:               auditSvc,
		Traces:              traceSvc,
		Skills:              skillSvc,
		Budget:              budgetSvc,
		Retention:           retentionSvc,
		Workspaces:          workspaceSvc,
		Promotion:           promotionSvc,
		Ops:                 opsSvc,
		Logger:              logger,
		KeyCache:            keyCache,
		Limiter:             limiter,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	if !o.skipSeed {
		if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminTenant, cfg.AdminActorID, cfg.AdminAPIKey); err != nil {
			return fail(fmt.Errorf("admin seed: %w", err))
		}
	}

	return &App{
		cfg:          cfg,
		closeStore:   closeStore,
		srv:          srv,
		retention:    retentionSvc,
		workspaces:   workspaceSvc,
		keyCache:     keyCache,
		limiter:      limiter,
		nats:         natsPub,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// loadConfig reads the environment, then applies option overrides.
func loadConfig(o resolvedOptions) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.backend != "" {
		cfg.Backend = o.backend
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// OpenStore connects to the configured backend and, when AutoMigrate is set,
// applies the schema. The returned func closes the store.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (Store, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		if cfg.AutoMigrate {
			if err := db.RunMigrations(ctx, migrations.FS); err != nil {
				db.Close(ctx)
				return nil, nil, fmt.Errorf("migrations: %w", err)
			}
		} else {
			logger.Info("embedded migrations skipped by config")
		}
		return db, func() { db.Close(context.Background()) }, nil
	case config.BackendSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		logger.Info("sqlite: opened", "path", cfg.SQLitePath)
		return db, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

// newLimiter picks the shared Redis limiter when REDIS_URL is set, else an
// in-process token bucket.
func newLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, error) {
	if cfg.RedisURL == "" {
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
		return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), nil
	}
	l, err := ratelimit.NewRedisLimiter(ctx, cfg.RedisURL, cfg.RateLimitRPS, cfg.RateLimitBurst)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	logger.Info("rate limiting: redis (shared token bucket)",
		"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	return l, nil
}

// Handler returns the root HTTP handler, for embedding in another server
// or for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the retention sweep and the HTTP server, then blocks until ctx
// is cancelled or a fatal server error occurs. On return, Shutdown has been
// called; callers should not call it again.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.RetentionInterval > 0 {
		go a.retention.Run(ctx, a.cfg.RetentionInterval, RetentionActor)
		a.logger.Info("retention sweep scheduled", "interval", a.cfg.RetentionInterval)
	} else {
		a.logger.Info("retention sweep disabled")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}
	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then releases caches, the
// limiter, the NATS connection, the store and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shugo shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	err := a.srv.Shutdown(httpCtx)
	cancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.workspaces.Close()
	a.keyCache.Close()
	if cerr := a.limiter.Close(); cerr != nil {
		a.logger.Warn("rate limiter close", "error", cerr)
	}
	if a.nats != nil {
		if cerr := a.nats.Close(); cerr != nil {
			a.logger.Warn("nats close", "error", cerr)
		}
	}
	a.closeStore()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("shugo stopped")
	return err
}

// hookPublisher fans committed audit entries out to AuditHooks.
type hookPublisher struct {
	hooks  []AuditHook
	logger *slog.Logger
}

// Publish implements events.Publisher. Hooks run detached from the request.
func (p *hookPublisher) Publish(ctx context.Context, e model.AuditEntry) error {
	ev := toPublicAuditEvent(e)
	hctx := context.WithoutCancel(ctx)
	for _, h := range p.hooks {
		go func() {
			if err := h.OnAudit(hctx, ev); err != nil {
				p.logger.Warn("audit hook failed", "event_type", ev.Type, "error", err)
			}
		}()
	}
	return nil
}

func toPublicAuditEvent(e model.AuditEntry) AuditEvent {
	ev := AuditEvent{
		ID:          e.ID,
		Type:        string(e.EventType),
		OccurredAt:  e.Timestamp,
		TenantID:    e.TenantID,
		WorkspaceID: e.WorkspaceID,
		TraceID:     e.TraceID,
		Actor:       e.Actor,
		ActorRole:   Role(e.ActorRole),
		Resource:    e.Details.Resource,
		ResourceID:  e.Details.ResourceID,
		Outcome:     string(e.Details.Outcome),
	}
	if o := e.Details.Override; o != nil {
		ev.Override = &Override{Reason: string(o.Reason), Justification: o.Justification}
	}
	return ev
}
