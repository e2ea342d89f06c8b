// Package main provides the entry point for the coldcall-trainer server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	mcpserver "github.com/txn2/mcp-coldcall-trainer/internal/server"
	"github.com/txn2/mcp-coldcall-trainer/pkg/auth"
	"github.com/txn2/mcp-coldcall-trainer/pkg/health"
	httpauth "github.com/txn2/mcp-coldcall-trainer/pkg/http"
	"github.com/txn2/mcp-coldcall-trainer/pkg/logging"
	"github.com/txn2/mcp-coldcall-trainer/pkg/platform"
	"github.com/txn2/mcp-coldcall-trainer/pkg/telemetry"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

const readHeaderTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	transport   string
	address     string
	showVersion bool
}

func parseFlags(args []string) (serverOptions, error) {
	opts := serverOptions{}
	fs := flag.NewFlagSet("coldcall-trainer", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.transport, "transport", "", "Transport type: stdio, http (overrides config)")
	fs.StringVar(&opts.address, "address", "", "Listen address for the http transport (overrides config)")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, fmt.Errorf("parsing flags: %w", err)
	}
	return opts, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func run(args []string, stdout io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "token":
			return runToken(args[1:], stdout)
		case "hash-key":
			return runHashKey(args[1:], stdout)
		}
	}

	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		_, _ = fmt.Fprintf(stdout, "coldcall-trainer version %s\n", mcpserver.Version)
		return nil
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg, opts)

	ctx, cancel := setupSignalHandler()
	defer cancel()

	return serve(ctx, cfg)
}

func loadConfig(path string) (*platform.Config, error) {
	if path == "" {
		cfg, err := platform.DefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("loading default config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := platform.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// applyFlagOverrides lets command-line flags win over the config file.
func applyFlagOverrides(cfg *platform.Config, opts serverOptions) {
	if opts.transport != "" {
		cfg.Server.Transport = opts.transport
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
}

func serve(ctx context.Context, cfg *platform.Config) error {
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	db, err := mcpserver.OpenDatabase(cfg.Database)
	if err != nil {
		return err
	}
	pOpts := []platform.Option{platform.WithLogger(logger)}
	if db != nil {
		defer func() { _ = db.Close() }()
		pOpts = append(pOpts, platform.WithDB(db))
	} else {
		logger.Warn("database.dsn not set; progress and call history are kept in memory")
	}

	mcpServer, p, err := mcpserver.New(cfg, pOpts...)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer closePlatform(p, logger)

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("starting platform: %w", err)
	}

	logger.Info("coldcall-trainer started",
		"version", cfg.Server.Version,
		"transport", cfg.Server.Transport,
		"engine", cfg.Engine.Provider,
		"modules", len(cfg.Modules),
	)
	return startServer(ctx, mcpServer, p, serverOptions{
		transport: cfg.Server.Transport,
		address:   cfg.Server.Address,
	})
}

func closePlatform(p *platform.Platform, logger *slog.Logger) {
	if err := p.Close(); err != nil {
		logger.Error("platform shutdown failed", "error", err)
	}
}

func startServer(ctx context.Context, mcpServer *mcp.Server, p *platform.Platform, opts serverOptions) error {
	switch opts.transport {
	case platform.TransportStdio:
		if err := mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("serving stdio: %w", err)
		}
		return nil
	case platform.TransportHTTP:
		return serveHTTP(ctx, mcpServer, p, opts.address)
	default:
		return fmt.Errorf("unknown transport: %s", opts.transport)
	}
}

// newHTTPHandler mounts the streamable MCP endpoint and the health probes.
func newHTTPHandler(mcpServer *mcp.Server, checker *health.Checker, logger *slog.Logger) http.Handler {
	streamHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := http.NewServeMux()
	// Tokens are validated per tool call by the MCP middleware, so the
	// gateway only extracts them.
	mux.Handle("/mcp", httpauth.OptionalAuth()(streamHandler))
	mux.Handle("/healthz", checker.LivenessHandler())
	mux.Handle("/readyz", checker.ReadinessHandler())

	return httpauth.AccessLog(logger)(corsMiddleware(mux))
}

func serveHTTP(ctx context.Context, mcpServer *mcp.Server, p *platform.Platform, address string) error {
	cfg := p.Config()
	logger := slog.Default()

	srv := &http.Server{
		Addr:              address,
		Handler:           newHTTPHandler(mcpServer, p.Health(), logger),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "address", address, "tls", cfg.Server.TLS.Enabled)
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Stop taking new calls before closing connections.
		p.Health().SetDraining()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("http transport: %w", err)
	}
	return nil
}

// corsMiddleware allows browser-based MCP clients to reach the endpoint.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers",
			"Authorization, Content-Type, Mcp-Session-Id, Mcp-Protocol-Version, "+httpauth.APIKeyHeader+", Last-Event-ID")
		h.Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
		h.Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// runToken issues a signed trainee token using the configured JWT settings.
func runToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	userID := fs.String("user", "", "Trainee user ID")
	tier := fs.String("tier", string(training.TierTrial), "Subscription tier: trial, limited, unlimited, admin")
	ttl := fs.Duration("ttl", 0, "Token lifetime (default auth.jwt.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}
	if *userID == "" {
		return errors.New("token: -user is required")
	}
	t := training.Tier(*tier)
	if !t.Valid() {
		return fmt.Errorf("token: unknown tier %q", *tier)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWT.SigningKey == "" {
		return errors.New("token: auth.jwt.signing_key is not configured")
	}
	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.Auth.JWT.TokenTTL
	}

	jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTConfig{
		Issuer:        cfg.Auth.JWT.Issuer,
		SigningKey:    []byte(cfg.Auth.JWT.SigningKey),
		TierClaimPath: cfg.Auth.JWT.TierClaim,
		DefaultTier:   cfg.Auth.JWT.DefaultTier,
	})
	if err != nil {
		return fmt.Errorf("creating JWT authenticator: %w", err)
	}
	token, err := jwtAuth.Issue(training.Principal{UserID: *userID, Tier: t}, lifetime)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	_, _ = fmt.Fprintln(stdout, token)
	return nil
}

// runHashKey prints the bcrypt hash of an API key for auth.api_keys.keys[].key_hash.
func runHashKey(args []string, stdout io.Writer) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: coldcall-trainer hash-key <key>")
	}
	hash, err := auth.HashKey(args[0])
	if err != nil {
		return fmt.Errorf("hashing key: %w", err)
	}
	_, _ = fmt.Fprintln(stdout, hash)
	return nil
}
