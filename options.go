package shugo

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	backend     string
	databaseURL string
	sqlitePath  string
	logger      *slog.Logger
	version     string
	auditHooks  []AuditHook
	middlewares []Middleware
	prices      map[string]ModelPrice
	skipSeed    bool
}

// WithPort overrides the TCP port from config (SHUGO_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithBackend overrides the storage backend ("postgres" or "sqlite").
func WithBackend(backend string) Option {
	return func(o *resolvedOptions) { o.backend = backend }
}

// WithDatabaseURL overrides the Postgres connection string (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the SQLite database file (SHUGO_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAuditHook registers a hook that receives every committed audit entry.
func WithAuditHook(hook AuditHook) Option {
	return func(o *resolvedOptions) { o.auditHooks = append(o.auditHooks, hook) }
}

// WithMiddleware registers an outermost HTTP middleware.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithModelPrices adds or replaces entries in the built-in price table used
// for cost forecasts. Keys are model names or "provider/model".
func WithModelPrices(prices map[string]ModelPrice) Option {
	return func(o *resolvedOptions) {
		if o.prices == nil {
			o.prices = make(map[string]ModelPrice, len(prices))
		}
		for k, v := range prices {
			o.prices[k] = v
		}
	}
}

// WithoutAdminSeed skips bootstrapping the admin principal. Use it when
// principals are provisioned out of band.
func WithoutAdminSeed() Option {
	return func(o *resolvedOptions) { o.skipSeed = true }
}
