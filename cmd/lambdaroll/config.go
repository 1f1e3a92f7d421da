package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Cloud     CloudConfig     `mapstructure:"cloud"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	// RequireAuth rejects API requests without a caller identity.
	RequireAuth bool `mapstructure:"require_auth"`

	// SharedSecret is an optional secret checked against X-Gateway-Secret.
	SharedSecret string `mapstructure:"shared_secret"`

	// TokenSecret verifies HS256 bearer tokens. Empty ignores bearer tokens.
	TokenSecret string `mapstructure:"token_secret"`

	// Approvers restricts who may decide gates. Empty allows anyone.
	Approvers []string `mapstructure:"approvers"`
}

// CloudConfig selects the target environment.
type CloudConfig struct {
	// Kind is "aws" for AWS Lambda or "memory" for a dry run against an
	// in-memory fleet seeded from the manifest.
	Kind            string        `mapstructure:"kind"`
	Region          string        `mapstructure:"region"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	Endpoint        string        `mapstructure:"endpoint"`
	SettleTimeout   time.Duration `mapstructure:"settle_timeout"`
}

// ArtifactsConfig configures the artifact bucket.
type ArtifactsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

// PipelineConfig holds run execution settings.
type PipelineConfig struct {
	// Fleet names the fleet runs belong to.
	Fleet string `mapstructure:"fleet"`

	// SourceDir is the default source tree for triggers that name none.
	SourceDir    string `mapstructure:"source_dir"`
	ManifestFile string `mapstructure:"manifest_file"`

	// WorkDir receives a copy of the source per run.
	WorkDir string `mapstructure:"work_dir"`

	MaxConcurrent int           `mapstructure:"max_concurrent"`
	UnitTimeout   time.Duration `mapstructure:"unit_timeout"`
	MaxLayerBytes int64         `mapstructure:"max_layer_bytes"`
	MaxUnitBytes  int64         `mapstructure:"max_unit_bytes"`

	GatePollInterval time.Duration `mapstructure:"gate_poll_interval"`
	GateRemindAfter  time.Duration `mapstructure:"gate_remind_after"`
	GateTimeout      time.Duration `mapstructure:"gate_timeout"`
	WatchInterval    time.Duration `mapstructure:"watch_interval"`
}

// NotifyConfig configures the gate notification webhook.
type NotifyConfig struct {
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookToken   string        `mapstructure:"webhook_token"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment. A .env file in
// the working directory is loaded into the environment first.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("database.dsn", "./data/lambdaroll.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.require_auth", false)
	v.SetDefault("auth.shared_secret", "")
	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.approvers", []string{})

	v.SetDefault("cloud.kind", "memory")
	v.SetDefault("cloud.region", "")
	v.SetDefault("cloud.access_key_id", "")
	v.SetDefault("cloud.secret_access_key", "")
	v.SetDefault("cloud.endpoint", "")
	v.SetDefault("cloud.settle_timeout", "5m")

	v.SetDefault("artifacts.enabled", false)
	v.SetDefault("artifacts.endpoint", "")
	v.SetDefault("artifacts.bucket", "lambdaroll-artifacts")
	v.SetDefault("artifacts.region", "")
	v.SetDefault("artifacts.access_key", "")
	v.SetDefault("artifacts.secret_key", "")
	v.SetDefault("artifacts.use_ssl", true)
	v.SetDefault("artifacts.prefix", "runs")

	v.SetDefault("pipeline.fleet", "default")
	v.SetDefault("pipeline.source_dir", "")
	v.SetDefault("pipeline.manifest_file", "fleet.yaml")
	v.SetDefault("pipeline.work_dir", "./data/snapshots")
	v.SetDefault("pipeline.max_concurrent", 4)
	v.SetDefault("pipeline.unit_timeout", "10m")
	v.SetDefault("pipeline.max_layer_bytes", 50<<20)
	v.SetDefault("pipeline.max_unit_bytes", 50<<20)
	v.SetDefault("pipeline.gate_poll_interval", "2s")
	v.SetDefault("pipeline.gate_remind_after", "1h")
	v.SetDefault("pipeline.gate_timeout", "0s") // never abandon
	v.SetDefault("pipeline.watch_interval", "60s")

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_token", "")
	v.SetDefault("notify.webhook_timeout", "10s")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("LAMBDAROLL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	switch c.Cloud.Kind {
	case "memory":
	case "aws", "lambda":
		if c.Cloud.Region == "" {
			return errors.New("cloud.region is required for the aws fleet")
		}
	default:
		return fmt.Errorf("cloud.kind must be aws or memory, got %q", c.Cloud.Kind)
	}
	if c.Artifacts.Enabled {
		if c.Artifacts.Endpoint == "" {
			return errors.New("artifacts.endpoint is required when artifacts are enabled")
		}
		if c.Artifacts.Bucket == "" {
			return errors.New("artifacts.bucket is required when artifacts are enabled")
		}
	}
	if c.Pipeline.Fleet == "" {
		return errors.New("pipeline.fleet is required")
	}
	if c.Pipeline.WorkDir == "" {
		return errors.New("pipeline.work_dir is required")
	}
	if c.Pipeline.MaxConcurrent < 1 {
		return fmt.Errorf("pipeline.max_concurrent must be at least 1, got %d", c.Pipeline.MaxConcurrent)
	}
	if c.Pipeline.GateTimeout < 0 || c.Pipeline.GateRemindAfter < 0 {
		return errors.New("pipeline gate durations must not be negative")
	}
	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
