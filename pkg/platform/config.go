// Package platform wires the trainer together: configuration, the progress
// store, the access engine, the call orchestrator and the MCP tool surface.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/txn2/mcp-coldcall-trainer/pkg/auth"
	"github.com/txn2/mcp-coldcall-trainer/pkg/catalog"
	"github.com/txn2/mcp-coldcall-trainer/pkg/logging"
	"github.com/txn2/mcp-coldcall-trainer/pkg/telemetry"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COLDCALL_"

// Transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Engine providers.
const (
	EngineOpenAI   = "openai"
	EngineScripted = "scripted"
)

// Voice providers.
const (
	VoiceNone     = "none"
	VoiceLoopback = "loopback"
)

// Config holds the complete trainer configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Auth      AuthConfig       `yaml:"auth"`
	Database  DatabaseConfig   `yaml:"database"`
	Engine    EngineConfig     `yaml:"engine"`
	Voice     VoiceConfig      `yaml:"voice"`
	Call      CallConfig       `yaml:"call"`
	Access    AccessConfig     `yaml:"access"`
	Scoring   ScoringConfig    `yaml:"scoring"`
	Modules   []catalog.Module `yaml:"modules"`
	Audit     AuditConfig      `yaml:"audit"`
	Logging   logging.Config   `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Name            string        `yaml:"name"`
	Version         string        `yaml:"version"`
	Instructions    string        `yaml:"instructions"`
	Transport       string        `yaml:"transport"` // "stdio", "http"
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	// AllowAnonymous admits unauthenticated HTTP callers as trial trainees.
	AllowAnonymous bool             `yaml:"allow_anonymous"`
	JWT            JWTAuthConfig    `yaml:"jwt"`
	APIKeys        APIKeyAuthConfig `yaml:"api_keys"`

	// Local is the trainee used for stdio sessions.
	Local LocalPrincipalConfig `yaml:"local"`
}

// JWTAuthConfig configures bearer token authentication.
type JWTAuthConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Issuer      string        `yaml:"issuer"`
	SigningKey  string        `yaml:"signing_key"`
	TierClaim   string        `yaml:"tier_claim"`
	DefaultTier training.Tier `yaml:"default_tier"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// APIKeyAuthConfig configures API key authentication.
type APIKeyAuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []auth.APIKey `yaml:"keys"`
}

// LocalPrincipalConfig names the stdio trainee.
type LocalPrincipalConfig struct {
	UserID string        `yaml:"user_id"`
	Tier   training.Tier `yaml:"tier"`
}

// DatabaseConfig configures the PostgreSQL connection. Progress and call
// history are kept in memory when DSN is empty.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	AutoMigrate  bool   `yaml:"auto_migrate"`
}

// EngineConfig configures the conversation engine.
type EngineConfig struct {
	Provider string        `yaml:"provider"` // "openai", "scripted"
	Timeout  time.Duration `yaml:"timeout"`
	OpenAI   OpenAIConfig  `yaml:"openai"`

	// Script is the reply sequence of the scripted engine.
	Script []string `yaml:"script"`
}

// OpenAIConfig configures the OpenAI engine.
type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	MaxTokens   int64   `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// VoiceConfig configures the speech capability.
type VoiceConfig struct {
	Provider     string        `yaml:"provider"` // "none", "loopback"
	WordDuration time.Duration `yaml:"word_duration"`
	Voice        string        `yaml:"voice"`
	Rate         float64       `yaml:"rate"`
}

// CallConfig configures call timing and the live call registry.
type CallConfig struct {
	EndGrace        time.Duration `yaml:"end_grace"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	EventBuffer     int           `yaml:"event_buffer"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// AccessConfig configures the access engine.
type AccessConfig struct {
	StoreTimeout      time.Duration `yaml:"store_timeout"`
	TempUnlockPeriod  time.Duration `yaml:"temp_unlock_period"`
	CacheSize         int           `yaml:"cache_size"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// ScoringConfig configures the result aggregator.
type ScoringConfig struct {
	BatchSize        int     `yaml:"batch_size"`
	DefaultThreshold float64 `yaml:"default_threshold"`
}

// AuditConfig configures call history.
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// envOverrides are the settings that may come from the environment. They
// win over the file.
type envOverrides struct {
	Transport     string        `env:"TRANSPORT"`
	Address       string        `env:"ADDRESS"`
	DatabaseDSN   string        `env:"DATABASE_DSN"`
	EngineTimeout time.Duration `env:"ENGINE_TIMEOUT"`
	OpenAIAPIKey  string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `env:"OPENAI_BASE_URL"`
	OpenAIModel   string        `env:"OPENAI_MODEL"`
	JWTSigningKey string        `env:"JWT_SIGNING_KEY"`
	LogLevel      string        `env:"LOG_LEVEL"`
	LogFile       string        `env:"LOG_FILE"`
	OTelEndpoint  string        `env:"OTEL_ENDPOINT"`
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data, nil)
}

// ParseConfig parses YAML configuration, expands ${VAR} references, applies
// defaults and then environment overrides. A nil environ reads the process
// environment.
func ParseConfig(data []byte, environ map[string]string) (*Config, error) {
	lookup := os.Getenv
	if environ != nil {
		lookup = func(k string) string { return environ[k] }
	}
	data = []byte(expandEnvVars(string(data), lookup))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	if err := applyEnv(&cfg, environ); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() (*Config, error) {
	return ParseConfig(nil, nil)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string, lookup func(string) string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return lookup(match[2 : len(match)-1])
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "coldcall-trainer"
	}
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = TransportStdio
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Auth.JWT.Issuer == "" {
		cfg.Auth.JWT.Issuer = "coldcall-trainer"
	}
	if cfg.Auth.JWT.TokenTTL == 0 {
		cfg.Auth.JWT.TokenTTL = 24 * time.Hour
	}
	if cfg.Auth.Local.UserID == "" {
		cfg.Auth.Local.UserID = "local"
	}
	if cfg.Auth.Local.Tier == "" {
		cfg.Auth.Local.Tier = training.TierTrial
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Engine.Provider == "" {
		cfg.Engine.Provider = EngineScripted
	}
	if cfg.Engine.Timeout == 0 {
		cfg.Engine.Timeout = 5 * time.Second
	}
	if cfg.Voice.Provider == "" {
		cfg.Voice.Provider = VoiceNone
	}
	if cfg.Call.EndGrace == 0 {
		cfg.Call.EndGrace = 1500 * time.Millisecond
	}
	if cfg.Call.TickInterval == 0 {
		cfg.Call.TickInterval = time.Second
	}
	if cfg.Call.SessionTTL == 0 {
		cfg.Call.SessionTTL = 30 * time.Minute
	}
	if cfg.Call.CleanupInterval == 0 {
		cfg.Call.CleanupInterval = time.Minute
	}
	if cfg.Access.StoreTimeout == 0 {
		cfg.Access.StoreTimeout = 3 * time.Second
	}
	if cfg.Access.TempUnlockPeriod == 0 {
		cfg.Access.TempUnlockPeriod = 24 * time.Hour
	}
	if cfg.Access.ReconcileInterval == 0 {
		cfg.Access.ReconcileInterval = 10 * time.Second
	}
	if cfg.Scoring.DefaultThreshold == 0 {
		cfg.Scoring.DefaultThreshold = catalog.DefaultThreshold
	}
	if len(cfg.Modules) == 0 {
		cfg.Modules = catalog.DefaultModules()
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 365
	}
	if cfg.Audit.CleanupInterval == 0 {
		cfg.Audit.CleanupInterval = time.Hour
	}
}

// applyEnv copies COLDCALL_* environment overrides onto cfg.
func applyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}

	setString(&cfg.Server.Transport, o.Transport)
	setString(&cfg.Server.Address, o.Address)
	setString(&cfg.Database.DSN, o.DatabaseDSN)
	setString(&cfg.Engine.OpenAI.APIKey, o.OpenAIAPIKey)
	setString(&cfg.Engine.OpenAI.BaseURL, o.OpenAIBaseURL)
	setString(&cfg.Engine.OpenAI.Model, o.OpenAIModel)
	setString(&cfg.Auth.JWT.SigningKey, o.JWTSigningKey)
	setString(&cfg.Logging.Level, o.LogLevel)
	setString(&cfg.Logging.File, o.LogFile)
	setString(&cfg.Telemetry.Endpoint, o.OTelEndpoint)
	if o.EngineTimeout > 0 {
		cfg.Engine.Timeout = o.EngineTimeout
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate validates the configuration, reporting every problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Server.Transport {
	case TransportStdio, TransportHTTP:
	default:
		errs = append(errs, fmt.Sprintf("server.transport %q must be stdio or http", c.Server.Transport))
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, "server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}

	errs = append(errs, c.validateAuth()...)

	switch c.Engine.Provider {
	case EngineScripted:
	case EngineOpenAI:
		if c.Engine.OpenAI.APIKey == "" {
			errs = append(errs, "engine.openai.api_key is required for the openai engine")
		}
	default:
		errs = append(errs, fmt.Sprintf("engine.provider %q must be openai or scripted", c.Engine.Provider))
	}

	switch c.Voice.Provider {
	case VoiceNone, VoiceLoopback:
	default:
		errs = append(errs, fmt.Sprintf("voice.provider %q must be none or loopback", c.Voice.Provider))
	}

	if c.Scoring.DefaultThreshold < 0 || c.Scoring.DefaultThreshold > training.MaxScore {
		errs = append(errs, fmt.Sprintf("scoring.default_threshold must be between 0 and %v", training.MaxScore))
	}
	if _, err := catalog.New(c.Modules, c.Scoring.DefaultThreshold); err != nil {
		errs = append(errs, "modules: "+err.Error())
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, "logging.level: "+err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateAuth() []string {
	var errs []string
	if !c.Auth.Local.Tier.Valid() {
		errs = append(errs, fmt.Sprintf("auth.local.tier %q is not a known tier", c.Auth.Local.Tier))
	}
	if c.Auth.JWT.Enabled && c.Auth.JWT.SigningKey == "" {
		errs = append(errs, "auth.jwt.signing_key is required when JWT auth is enabled")
	}
	if t := c.Auth.JWT.DefaultTier; t != "" && !t.Valid() {
		errs = append(errs, fmt.Sprintf("auth.jwt.default_tier %q is not a known tier", t))
	}
	for i, k := range c.Auth.APIKeys.Keys {
		if (k.Key == "") == (k.KeyHash == "") {
			errs = append(errs, fmt.Sprintf("auth.api_keys.keys[%d]: exactly one of key or key_hash is required", i))
		}
		if k.Tier != "" && !k.Tier.Valid() {
			errs = append(errs, fmt.Sprintf("auth.api_keys.keys[%d]: tier %q is not a known tier", i, k.Tier))
		}
	}
	if c.Server.Transport == TransportHTTP && !c.Auth.AllowAnonymous && !c.Auth.JWT.Enabled && !c.Auth.APIKeys.Enabled {
		errs = append(errs, "http transport needs auth.jwt, auth.api_keys or auth.allow_anonymous")
	}
	return errs
}
