// Package config provides configuration management for Maice.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Orchestrator modes.
const (
	ModeDecentralized = "decentralized"
	ModeCentralized   = "centralized"
)

// Config holds all configuration sections for Maice.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Bus          BusConfig          `mapstructure:"bus"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Agent        AgentConfig        `mapstructure:"agent"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Evaluation   EvaluationConfig   `mapstructure:"evaluation"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver is "sqlite" or "postgres"; sqlite uses Path, postgres uses the
// host/port/user fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory bus (unified mode).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// BusConfig holds stream-channel delivery configuration.
type BusConfig struct {
	VisibilityTimeoutSec int `mapstructure:"visibilityTimeoutSec"` // unacked redelivery interval
	MaxDeliveries        int `mapstructure:"maxDeliveries"`        // redeliveries before dead-letter
	TrimMaxEntries       int `mapstructure:"trimMaxEntries"`       // per-session stream cap
}

// OrchestratorConfig holds request admission and routing configuration.
type OrchestratorConfig struct {
	Mode                         string `mapstructure:"mode"` // decentralized | centralized
	RequestTimeoutSec            int    `mapstructure:"requestTimeoutSec"`
	ClassifierTimeoutSec         int    `mapstructure:"classifierTimeoutSec"`
	ClarifyTimeoutSec            int    `mapstructure:"clarifyTimeoutSec"`
	AutoPromoteAfterClarification bool  `mapstructure:"autoPromoteAfterClarification"`
}

// PipelineConfig holds streaming reassembly configuration.
type PipelineConfig struct {
	ChunkGapTimeoutMs int `mapstructure:"chunkGapTimeoutMs"`
	MaxGapIndices     int `mapstructure:"maxGapIndices"`
	MaxBufferBytes    int `mapstructure:"maxBufferBytes"`
}

// AgentConfig holds agent worker runtime configuration.
type AgentConfig struct {
	MaxAttempts       int  `mapstructure:"maxAttempts"`
	DrainTimeoutSec   int  `mapstructure:"drainTimeoutSec"`
	HeartbeatSec      int  `mapstructure:"heartbeatSec"`
	ForceNonStreaming bool `mapstructure:"forceNonStreaming"`
}

// LLMConfig holds the text-generation collaborator configuration.
type LLMConfig struct {
	BaseURL   string `mapstructure:"baseUrl"`
	APIKey    string `mapstructure:"apiKey"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"maxTokens"`
}

// EvaluationConfig holds rubric evaluation configuration.
type EvaluationConfig struct {
	Parallelism int    `mapstructure:"parallelism"`
	Schedule    string `mapstructure:"schedule"` // cron spec; empty disables the sweep
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// VisibilityTimeout returns the bus redelivery interval as a time.Duration.
func (b *BusConfig) VisibilityTimeout() time.Duration {
	return time.Duration(b.VisibilityTimeoutSec) * time.Second
}

// RequestTimeout returns the per-request deadline as a time.Duration.
func (o *OrchestratorConfig) RequestTimeout() time.Duration {
	return time.Duration(o.RequestTimeoutSec) * time.Second
}

// ClassifierTimeout returns the verdict wait budget as a time.Duration.
func (o *OrchestratorConfig) ClassifierTimeout() time.Duration {
	return time.Duration(o.ClassifierTimeoutSec) * time.Second
}

// ClarifyTimeout returns the clarifier wait budget as a time.Duration.
func (o *OrchestratorConfig) ClarifyTimeout() time.Duration {
	return time.Duration(o.ClarifyTimeoutSec) * time.Second
}

// ChunkGapTimeout returns the pipeline gap flush interval as a time.Duration.
func (p *PipelineConfig) ChunkGapTimeout() time.Duration {
	return time.Duration(p.ChunkGapTimeoutMs) * time.Millisecond
}

// DrainTimeout returns the shutdown grace period as a time.Duration.
func (a *AgentConfig) DrainTimeout() time.Duration {
	return time.Duration(a.DrainTimeoutSec) * time.Second
}

// HeartbeatInterval returns the agent heartbeat period as a time.Duration.
func (a *AgentConfig) HeartbeatInterval() time.Duration {
	return time.Duration(a.HeartbeatSec) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("MAICE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 300) // long-lived event streams

	// Database defaults - sqlite unless a postgres host is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "maice.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "maice")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "maice")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use the in-memory bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "maice-backend")
	v.SetDefault("nats.maxReconnects", 10)

	// Bus defaults
	v.SetDefault("bus.visibilityTimeoutSec", 30)
	v.SetDefault("bus.maxDeliveries", 5)
	v.SetDefault("bus.trimMaxEntries", 1000)

	// Orchestrator defaults
	v.SetDefault("orchestrator.mode", ModeDecentralized)
	v.SetDefault("orchestrator.requestTimeoutSec", 120)
	v.SetDefault("orchestrator.classifierTimeoutSec", 15)
	v.SetDefault("orchestrator.clarifyTimeoutSec", 20)
	v.SetDefault("orchestrator.autoPromoteAfterClarification", false)

	// Pipeline defaults
	v.SetDefault("pipeline.chunkGapTimeoutMs", 2000)
	v.SetDefault("pipeline.maxGapIndices", 20)
	v.SetDefault("pipeline.maxBufferBytes", 1<<20)

	// Agent defaults
	v.SetDefault("agent.maxAttempts", 3)
	v.SetDefault("agent.drainTimeoutSec", 30)
	v.SetDefault("agent.heartbeatSec", 15)
	v.SetDefault("agent.forceNonStreaming", false)

	// LLM defaults
	v.SetDefault("llm.baseUrl", "http://localhost:11434/v1")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.maxTokens", 2048)

	// Evaluation defaults
	v.SetDefault("evaluation.parallelism", 4)
	v.SetDefault("evaluation.schedule", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MAICE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/maice/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MAICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where the conventional env var name differs from the
	// camelCase config key (AutomaticEnv does not fold case).
	_ = v.BindEnv("orchestrator.mode", "MAICE_ORCHESTRATOR_MODE")
	_ = v.BindEnv("orchestrator.autoPromoteAfterClarification", "AUTO_PROMOTE_AFTER_CLARIFICATION", "MAICE_AUTO_PROMOTE_AFTER_CLARIFICATION")
	_ = v.BindEnv("agent.forceNonStreaming", "FORCE_NON_STREAMING", "MAICE_FORCE_NON_STREAMING")
	_ = v.BindEnv("pipeline.chunkGapTimeoutMs", "MAICE_CHUNK_GAP_TIMEOUT_MS")
	_ = v.BindEnv("pipeline.maxBufferBytes", "MAICE_MAX_BUFFER_BYTES")
	_ = v.BindEnv("bus.visibilityTimeoutSec", "MAICE_VISIBILITY_TIMEOUT_SEC")
	_ = v.BindEnv("orchestrator.requestTimeoutSec", "MAICE_REQUEST_TIMEOUT_SEC")
	_ = v.BindEnv("agent.drainTimeoutSec", "MAICE_DRAIN_TIMEOUT_SEC")
	_ = v.BindEnv("agent.maxAttempts", "MAICE_MAX_ATTEMPTS")
	_ = v.BindEnv("database.path", "MAICE_DB_PATH")
	_ = v.BindEnv("llm.apiKey", "MAICE_LLM_API_KEY", "OPENAI_API_KEY")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/maice/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for postgres")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Orchestrator.Mode != ModeDecentralized && cfg.Orchestrator.Mode != ModeCentralized {
		errs = append(errs, "orchestrator.mode must be one of: decentralized, centralized")
	}
	if cfg.Orchestrator.RequestTimeoutSec <= 0 {
		errs = append(errs, "orchestrator.requestTimeoutSec must be positive")
	}

	if cfg.Bus.VisibilityTimeoutSec <= 0 {
		errs = append(errs, "bus.visibilityTimeoutSec must be positive")
	}
	if cfg.Bus.MaxDeliveries <= 0 {
		errs = append(errs, "bus.maxDeliveries must be positive")
	}

	if cfg.Pipeline.MaxBufferBytes <= 0 {
		errs = append(errs, "pipeline.maxBufferBytes must be positive")
	}
	if cfg.Pipeline.MaxGapIndices <= 0 {
		errs = append(errs, "pipeline.maxGapIndices must be positive")
	}

	if cfg.Agent.MaxAttempts <= 0 {
		errs = append(errs, "agent.maxAttempts must be positive")
	}

	if cfg.Evaluation.Parallelism <= 0 {
		errs = append(errs, "evaluation.parallelism must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
