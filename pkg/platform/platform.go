package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-coldcall-trainer/pkg/access"
	"github.com/txn2/mcp-coldcall-trainer/pkg/audit"
	auditpostgres "github.com/txn2/mcp-coldcall-trainer/pkg/audit/postgres"
	"github.com/txn2/mcp-coldcall-trainer/pkg/auth"
	"github.com/txn2/mcp-coldcall-trainer/pkg/call"
	"github.com/txn2/mcp-coldcall-trainer/pkg/catalog"
	"github.com/txn2/mcp-coldcall-trainer/pkg/engine"
	"github.com/txn2/mcp-coldcall-trainer/pkg/engine/openai"
	"github.com/txn2/mcp-coldcall-trainer/pkg/health"
	"github.com/txn2/mcp-coldcall-trainer/pkg/middleware"
	"github.com/txn2/mcp-coldcall-trainer/pkg/progress"
	progresspostgres "github.com/txn2/mcp-coldcall-trainer/pkg/progress/postgres"
	"github.com/txn2/mcp-coldcall-trainer/pkg/scoring"
	"github.com/txn2/mcp-coldcall-trainer/pkg/session"
	"github.com/txn2/mcp-coldcall-trainer/pkg/voice"
)

// Platform is the trainer facade.
type Platform struct {
	config *Config
	logger *slog.Logger
	now    func() time.Time

	mcpServer *mcp.Server
	lifecycle *Lifecycle
	health    *health.Checker

	catalog       *catalog.Catalog
	progressStore progress.Store
	auditLogger   audit.Logger
	access        *access.Engine
	aggregator    *scoring.Aggregator
	voice         *voice.Arbiter
	engine        engine.Client
	orchestrator  *call.Orchestrator
	registry      *session.Registry

	authenticator middleware.Authenticator
}

// New creates a new platform instance.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	p := &Platform{
		config:    options.Config,
		logger:    logger,
		now:       now,
		lifecycle: NewLifecycle(logger),
		health:    options.Health,
	}
	if p.health == nil {
		p.health = health.NewChecker()
	}

	if err := p.initializeComponents(options); err != nil {
		return nil, fmt.Errorf("initializing components: %w", err)
	}
	return p, nil
}

// initializeComponents initializes all platform components.
func (p *Platform) initializeComponents(opts *Options) error {
	cat, err := catalog.New(p.config.Modules, p.config.Scoring.DefaultThreshold)
	if err != nil {
		return fmt.Errorf("building catalog: %w", err)
	}
	p.catalog = cat

	p.initStores(opts)
	if err := p.initAccess(); err != nil {
		return err
	}
	if err := p.initCalls(opts); err != nil {
		return err
	}
	if err := p.initAuth(opts); err != nil {
		return err
	}
	p.finalizeSetup()
	return nil
}

// initStores picks the progress store and call history. PostgreSQL backs
// both when a database is available.
func (p *Platform) initStores(opts *Options) {
	switch {
	case opts.ProgressStore != nil:
		p.progressStore = opts.ProgressStore
	case opts.DB != nil:
		p.progressStore = progresspostgres.New(opts.DB, progresspostgres.Config{Now: p.now})
	default:
		p.progressStore = progress.NewMemoryStore()
	}
	p.lifecycle.RegisterCloser("progress store", p.progressStore)

	if !p.config.Audit.Enabled {
		return
	}
	switch {
	case opts.AuditLogger != nil:
		p.auditLogger = opts.AuditLogger
	case opts.DB != nil:
		store := auditpostgres.New(opts.DB, auditpostgres.Config{
			RetentionDays: p.config.Audit.RetentionDays,
			Now:           p.now,
		})
		interval := p.config.Audit.CleanupInterval
		p.lifecycle.Add("call history cleanup", func(context.Context) error {
			store.StartCleanupRoutine(interval)
			return nil
		}, nil)
		p.auditLogger = store
	default:
		p.auditLogger = audit.NewMemoryLogger()
	}
	p.lifecycle.RegisterCloser("call history", p.auditLogger)
}

// initAccess creates the access engine and feeds its reconciliation state
// into the health checker.
func (p *Platform) initAccess() error {
	cfg := p.config.Access
	eng, err := access.NewEngine(p.catalog, p.progressStore, access.Config{
		StoreTimeout:     cfg.StoreTimeout,
		TempUnlockPeriod: cfg.TempUnlockPeriod,
		CacheSize:        cfg.CacheSize,
		Logger:           p.logger,
		Now:              p.now,
		Hooks: access.Hooks{
			OnQueued: func(w access.Write) {
				p.logger.Warn("progress write queued for retry",
					"user_id", w.UserID, "module", w.Module, "kind", w.Kind)
			},
			OnReconciled: func(_ access.Write, pending int) {
				p.health.Reconciled(pending)
			},
			OnReconcileFailed: func(_ access.Write, err error) {
				p.health.ReconcileFailed(err)
			},
		},
	})
	if err != nil {
		return fmt.Errorf("creating access engine: %w", err)
	}
	p.access = eng
	p.health.SetPendingSource(eng.PendingWrites)

	p.lifecycle.Add("progress reconciliation", func(context.Context) error {
		eng.StartReconcileRoutine(cfg.ReconcileInterval)
		return nil
	}, func(context.Context) error {
		return eng.Close()
	})
	return nil
}

// initCalls creates the aggregator, engine, voice and call orchestrator.
func (p *Platform) initCalls(opts *Options) error {
	agg, err := scoring.New(p.catalog, p.access, scoring.Config{
		BatchSize: p.config.Scoring.BatchSize,
		History:   p.auditLogger,
		Logger:    p.logger,
	})
	if err != nil {
		return fmt.Errorf("creating aggregator: %w", err)
	}
	p.aggregator = agg

	p.engine = opts.Engine
	if p.engine == nil {
		p.engine = p.createEngine()
	}

	adapter := opts.Voice
	if adapter == nil {
		adapter = p.createVoice()
	}
	p.voice = voice.NewArbiter(adapter)

	orch, err := call.New(call.Config{
		Catalog:       p.catalog,
		Access:        p.access,
		Engine:        p.engine,
		Voice:         p.voice,
		Finisher:      agg,
		EngineTimeout: p.config.Engine.Timeout,
		TickInterval:  p.config.Call.TickInterval,
		EndGrace:      p.config.Call.EndGrace,
		EventBuffer:   p.config.Call.EventBuffer,
		VoiceOptions:  voice.Options{Voice: p.config.Voice.Voice, Rate: p.config.Voice.Rate},
		Logger:        p.logger,
		Now:           p.now,
	})
	if err != nil {
		return fmt.Errorf("creating call orchestrator: %w", err)
	}
	p.orchestrator = orch

	p.registry = session.NewRegistry(session.Config{
		TTL:    p.config.Call.SessionTTL,
		Logger: p.logger,
		Now:    p.now,
	})
	interval := p.config.Call.CleanupInterval
	p.lifecycle.Add("call registry", func(context.Context) error {
		p.registry.StartCleanupRoutine(interval)
		return nil
	}, p.drainCalls)
	return nil
}

// drainCalls hangs up every live call and waits for their outcomes so the
// final progress writes reach the access engine before it is closed.
func (p *Platform) drainCalls(ctx context.Context) error {
	entries := p.registry.List("")
	if err := p.registry.Close(); err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if _, err := e.Call.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("waiting for call %s: %w", e.Call.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// createEngine creates the conversation engine based on config.
func (p *Platform) createEngine() engine.Client {
	switch p.config.Engine.Provider {
	case EngineOpenAI:
		c := p.config.Engine.OpenAI
		return openai.New(openai.Config{
			APIKey:      c.APIKey,
			BaseURL:     c.BaseURL,
			Model:       c.Model,
			MaxTokens:   c.MaxTokens,
			Temperature: c.Temperature,
		})
	default:
		return engine.NewScripted(p.config.Engine.Script...)
	}
}

// createVoice creates the voice adapter based on config.
func (p *Platform) createVoice() voice.Adapter {
	switch p.config.Voice.Provider {
	case VoiceLoopback:
		return voice.NewLoopback(p.config.Voice.WordDuration)
	default:
		return voice.Unavailable{}
	}
}

// initAuth initializes authentication.
func (p *Platform) initAuth(opts *Options) error {
	if opts.Authenticator != nil {
		p.authenticator = opts.Authenticator
		return nil
	}
	authenticator, err := p.createAuthenticator()
	if err != nil {
		return fmt.Errorf("creating authenticator: %w", err)
	}
	p.authenticator = authenticator
	return nil
}

// createAuthenticator creates the authenticator based on config. Stdio
// sessions always act as the configured local trainee.
func (p *Platform) createAuthenticator() (middleware.Authenticator, error) {
	cfg := p.config.Auth
	if p.config.Server.Transport == TransportStdio {
		return &middleware.NoopAuthenticator{
			DefaultUserID: cfg.Local.UserID,
			DefaultTier:   cfg.Local.Tier,
		}, nil
	}

	var authenticators []middleware.Authenticator

	if cfg.JWT.Enabled {
		jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTConfig{
			Issuer:        cfg.JWT.Issuer,
			SigningKey:    []byte(cfg.JWT.SigningKey),
			TierClaimPath: cfg.JWT.TierClaim,
			DefaultTier:   cfg.JWT.DefaultTier,
		})
		if err != nil {
			return nil, fmt.Errorf("creating JWT authenticator: %w", err)
		}
		authenticators = append(authenticators, jwtAuth)
	}

	if cfg.APIKeys.Enabled {
		authenticators = append(authenticators,
			auth.NewAPIKeyAuthenticator(auth.APIKeyConfig{Keys: cfg.APIKeys.Keys}))
	}

	return auth.NewChainedAuthenticator(
		auth.ChainedAuthConfig{AllowAnonymous: cfg.AllowAnonymous},
		authenticators...,
	), nil
}

// finalizeSetup creates the MCP server and registers the trainer surface.
func (p *Platform) finalizeSetup() {
	p.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    p.config.Server.Name,
		Version: p.config.Server.Version,
	}, &mcp.ServerOptions{
		Instructions: p.config.Server.Instructions,
	})

	// The first middleware runs first: identify the caller, then log the
	// call with that identity attached.
	p.mcpServer.AddReceivingMiddleware(
		middleware.MCPToolCallMiddleware(p.authenticator, p.config.Server.Transport),
		middleware.MCPLoggingMiddleware(middleware.LoggingConfig{Enabled: true}, p.logger),
	)

	p.registerTools()
	p.registerResourceTemplates()
}

// Start starts the background routines.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return err
	}
	p.health.SetReady()
	return nil
}

// Stop hangs up live calls, flushes queued progress writes and closes the
// stores.
func (p *Platform) Stop(ctx context.Context) error {
	p.health.SetDraining()
	return p.lifecycle.Stop(ctx)
}

// MCPServer returns the MCP server.
func (p *Platform) MCPServer() *mcp.Server {
	return p.mcpServer
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config {
	return p.config
}

// Health returns the health checker.
func (p *Platform) Health() *health.Checker {
	return p.health
}

// Catalog returns the module catalog.
func (p *Platform) Catalog() *catalog.Catalog {
	return p.catalog
}

// Access returns the access engine.
func (p *Platform) Access() *access.Engine {
	return p.access
}

// Orchestrator returns the call orchestrator.
func (p *Platform) Orchestrator() *call.Orchestrator {
	return p.orchestrator
}

// Registry returns the live call registry.
func (p *Platform) Registry() *session.Registry {
	return p.registry
}

// AuditLogger returns the call history, or nil when disabled.
func (p *Platform) AuditLogger() audit.Logger {
	return p.auditLogger
}

// Authenticator returns the authenticator used for tool calls.
func (p *Platform) Authenticator() middleware.Authenticator {
	return p.authenticator
}

// Close stops the platform if it is running. Resources are released by Stop.
func (p *Platform) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.Server.ShutdownTimeout)
	defer cancel()
	return p.Stop(ctx)
}
