// Package server provides a factory for creating the MCP server.
package server

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-coldcall-trainer/pkg/database/migrate"
	"github.com/txn2/mcp-coldcall-trainer/pkg/platform"
)

// Version is set at build time.
var Version = "dev"

// New creates the MCP server and the platform behind it.
func New(cfg *platform.Config, opts ...platform.Option) (*mcp.Server, *platform.Platform, error) {
	if cfg.Server.Version == "" {
		cfg.Server.Version = Version
	}

	p, err := platform.New(append([]platform.Option{platform.WithConfig(cfg)}, opts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating platform: %w", err)
	}
	return p.MCPServer(), p, nil
}

// NewWithConfig creates the MCP server from a configuration file.
func NewWithConfig(path string, opts ...platform.Option) (*mcp.Server, *platform.Platform, error) {
	cfg, err := platform.LoadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return New(cfg, opts...)
}

// NewWithDefaults creates the MCP server with the built-in configuration
// and environment overrides.
func NewWithDefaults(opts ...platform.Option) (*mcp.Server, *platform.Platform, error) {
	cfg, err := platform.DefaultConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("loading default config: %w", err)
	}
	return New(cfg, opts...)
}

// OpenDatabase connects to PostgreSQL and applies migrations when
// database.auto_migrate is set. It returns nil when no DSN is configured.
func OpenDatabase(cfg platform.DatabaseConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, nil
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := migrate.Run(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return db, nil
}
