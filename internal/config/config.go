// Package config loads this core's YAML configuration, applies
// environment variable overrides, and validates the result. Grounded on
// internal/config.Load/defaults/applyEnvOverrides/validate, re-pointed
// from the reverse-proxy's backend/session/policy surface at the
// orchestrator/cache/LLM-routing/synthesis surface this core needs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the core.
type Config struct {
	Listen       string             `yaml:"listen"`
	Local        LocalConfig        `yaml:"local"`
	Cloud        CloudConfig        `yaml:"cloud"`
	Cache        CacheConfig        `yaml:"cache"`
	Audit        AuditConfig        `yaml:"audit"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Synthesis    SynthesisConfig    `yaml:"synthesis"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Control      ControlConfig      `yaml:"control"`
	Logging      LoggingConfig      `yaml:"logging"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// LocalConfig configures the on-premises LocalBackend.
type LocalConfig struct {
	URL               string        `yaml:"url"`
	Model             string        `yaml:"model"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
}

// CloudConfig configures the CloudBackend.
type CloudConfig struct {
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig configures the Context Cache Manager.
type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	TTL           time.Duration `yaml:"ttl"`
}

// AuditConfig configures the Audit Sink.
type AuditConfig struct {
	DBPath     string `yaml:"db_path"`
	QueueDepth int    `yaml:"queue_depth"`
}

// OrchestratorConfig configures the Agent Orchestrator.
type OrchestratorConfig struct {
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
	MaxClarifyRounds  int `yaml:"max_clarify_rounds"`
	MaxChunks         int `yaml:"max_chunks"`
}

// SynthesisConfig configures the map-reduce Synthesis Engine.
type SynthesisConfig struct {
	MapGroupSize int `yaml:"map_group_size"`
	Concurrency  int `yaml:"concurrency"`
}

// RetrievalConfig configures the reference Retriever.
type RetrievalConfig struct {
	SemanticWeight float64 `yaml:"semantic_weight"`
	DefaultLimit   int     `yaml:"default_limit"`
	// CorpusPath points at a JSON seed corpus for the in-memory reference
	// Retriever. Empty means an empty corpus: document ingestion is an
	// external concern this core does not implement.
	CorpusPath string `yaml:"corpus_path"`
}

// ControlConfig configures the admin control API.
type ControlConfig struct {
	Listen  string            `yaml:"listen"`
	Enabled bool              `yaml:"enabled"`
	Auth    ControlAuthConfig `yaml:"auth"`
}

// ControlAuthConfig configures the control API's bearer/API-key auth.
type ControlAuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Format string `yaml:"format"` // "json" or "text"
	Level  string `yaml:"level"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Load reads and parses the configuration file, falling back to
// defaults() if path does not exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return defaults(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config with sensible default values.
func defaults() *Config {
	return &Config{
		Listen: ":8080",
		Local: LocalConfig{
			URL:               "http://localhost:11434",
			Model:             "llama3",
			RequestsPerSecond: 4,
			Timeout:           60 * time.Second,
		},
		Cloud: CloudConfig{
			Model:   "gpt-4o-mini",
			BaseURL: "https://api.openai.com/v1",
			Timeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			RedisAddr: "localhost:6379",
			KeyPrefix: "elidacore:cache:",
			TTL:       15 * time.Minute,
		},
		Audit: AuditConfig{
			DBPath:     "data/elidacore-audit.db",
			QueueDepth: 256,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentRuns: 8,
			MaxClarifyRounds:  3,
			MaxChunks:         50,
		},
		Synthesis: SynthesisConfig{
			MapGroupSize: 10,
			Concurrency:  4,
		},
		Retrieval: RetrievalConfig{
			SemanticWeight: 0.7,
			DefaultLimit:   10,
		},
		Control: ControlConfig{
			Listen:  ":9090",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "elidacore",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
	}
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ELIDACORE_LISTEN"); v != "" {
		c.Listen = v
	}

	if v := os.Getenv("LOCAL_BACKEND_URL"); v != "" {
		c.Local.URL = v
	}
	if v := os.Getenv("LOCAL_BACKEND_MODEL"); v != "" {
		c.Local.Model = v
	}

	if v := os.Getenv("CLOUD_BACKEND_KEY"); v != "" {
		c.Cloud.APIKey = v
	}
	if v := os.Getenv("CLOUD_MODEL_ID"); v != "" {
		c.Cloud.Model = v
	}
	if v := os.Getenv("CLOUD_BACKEND_BASE_URL"); v != "" {
		c.Cloud.BaseURL = v
	}

	if v := os.Getenv("CACHE_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("CACHE_REDIS_PASSWORD"); v != "" {
		c.Cache.RedisPassword = v
	}
	if v := os.Getenv("CACHE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Cache.TTL = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv("AUDIT_DB_PATH"); v != "" {
		c.Audit.DBPath = v
	}

	if v := os.Getenv("MAX_CONCURRENT_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Orchestrator.MaxConcurrentRuns = n
		}
	}
	if v := os.Getenv("CLARIFY_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Orchestrator.MaxClarifyRounds = n
		}
	}
	if v := os.Getenv("MAX_TOKENS_PER_CALL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Orchestrator.MaxChunks = n
		}
	}

	if v := os.Getenv("MAP_GROUP_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Synthesis.MapGroupSize = n
		}
	}

	if v := os.Getenv("RETRIEVAL_WEIGHT_SEMANTIC"); v != "" {
		if w, err := strconv.ParseFloat(v, 64); err == nil && w >= 0 && w <= 1 {
			c.Retrieval.SemanticWeight = w
		}
	}
	if v := os.Getenv("RETRIEVAL_CORPUS_PATH"); v != "" {
		c.Retrieval.CorpusPath = v
	}

	if v := os.Getenv("ELIDACORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if os.Getenv("ELIDACORE_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("ELIDACORE_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("ELIDACORE_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}

	if os.Getenv("ELIDACORE_CONTROL_AUTH_ENABLED") == "true" {
		c.Control.Auth.Enabled = true
	}
	if v := os.Getenv("ELIDACORE_CONTROL_API_KEY"); v != "" {
		c.Control.Auth.APIKey = v
		c.Control.Auth.Enabled = true
	}
}

// validate checks that the configuration is usable.
func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Local.URL == "" {
		return fmt.Errorf("local backend url is required")
	}
	if c.Cloud.Model == "" {
		return fmt.Errorf("cloud model id is required")
	}
	if c.Orchestrator.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("orchestrator max_concurrent_runs must be positive")
	}
	if c.Orchestrator.MaxClarifyRounds <= 0 {
		return fmt.Errorf("orchestrator max_clarify_rounds must be positive")
	}
	if c.Synthesis.MapGroupSize <= 0 {
		return fmt.Errorf("synthesis map_group_size must be positive")
	}
	if c.Retrieval.SemanticWeight < 0 || c.Retrieval.SemanticWeight > 1 {
		return fmt.Errorf("retrieval semantic_weight must be between 0 and 1")
	}
	return nil
}
