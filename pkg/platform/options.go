package platform

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/txn2/mcp-coldcall-trainer/pkg/audit"
	"github.com/txn2/mcp-coldcall-trainer/pkg/engine"
	"github.com/txn2/mcp-coldcall-trainer/pkg/health"
	"github.com/txn2/mcp-coldcall-trainer/pkg/middleware"
	"github.com/txn2/mcp-coldcall-trainer/pkg/progress"
	"github.com/txn2/mcp-coldcall-trainer/pkg/voice"
)

// Options configures the platform.
type Options struct {
	// Config is the platform configuration.
	Config *Config

	// Database connection (optional, opened by the caller from database.dsn).
	DB *sql.DB

	// Engine (optional, will be created from config if not provided).
	Engine engine.Client

	// Voice adapter (optional, will be created from config if not provided).
	Voice voice.Adapter

	// ProgressStore (optional; PostgreSQL when DB is set, memory otherwise).
	ProgressStore progress.Store

	// AuditLogger (optional; PostgreSQL when DB is set, memory otherwise).
	AuditLogger audit.Logger

	// Authenticator (optional, will be created from config if not provided).
	Authenticator middleware.Authenticator

	// Health receives store degradation reports (optional).
	Health *health.Checker

	Logger *slog.Logger

	// Now overrides the clock of every time-dependent component.
	Now func() time.Time
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithEngine sets the conversation engine.
func WithEngine(client engine.Client) Option {
	return func(o *Options) {
		o.Engine = client
	}
}

// WithVoice sets the voice adapter.
func WithVoice(adapter voice.Adapter) Option {
	return func(o *Options) {
		o.Voice = adapter
	}
}

// WithProgressStore sets the progress store.
func WithProgressStore(store progress.Store) Option {
	return func(o *Options) {
		o.ProgressStore = store
	}
}

// WithAuditLogger sets the call history logger.
func WithAuditLogger(logger audit.Logger) Option {
	return func(o *Options) {
		o.AuditLogger = logger
	}
}

// WithAuthenticator sets the authenticator.
func WithAuthenticator(auth middleware.Authenticator) Option {
	return func(o *Options) {
		o.Authenticator = auth
	}
}

// WithHealth sets the health checker.
func WithHealth(h *health.Checker) Option {
	return func(o *Options) {
		o.Health = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithClock sets the clock.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}
