// Package config provides configuration loading and management for stageflow.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/stageflow/model"
	"github.com/c360studio/stageflow/orchestrator"
	"github.com/c360studio/stageflow/quality"
	"github.com/c360studio/stageflow/workflow"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreNATS   = "nats"
	StoreRedis  = "redis"
)

// LLM backends.
const (
	LLMBackendHTTP   = "http"
	LLMBackendGemini = "gemini"
)

// Config represents the complete stageflow configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Generation GenerationConfig `yaml:"generation"`
	Quality    QualityConfig    `yaml:"quality"`
	Session    SessionConfig    `yaml:"session"`
	Store      StoreConfig      `yaml:"store"`
	LLM        LLMConfig        `yaml:"llm"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	// Addr is the listen address (default: :8080)
	Addr string `yaml:"addr"`
	// WriteTimeout bounds the write of one SSE frame
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GenerationConfig configures generation calls and tier profiles
type GenerationConfig struct {
	// Timeout is the per-call deadline
	Timeout time.Duration `yaml:"timeout"`
	// LiteTemperature, ProTemperature and ReviewTemperature are the tier temperatures
	LiteTemperature   float64 `yaml:"lite_temperature"`
	ProTemperature    float64 `yaml:"pro_temperature"`
	ReviewTemperature float64 `yaml:"review_temperature"`
	// ProVariants is the candidate count of the pro tier on variant stages
	ProVariants int `yaml:"pro_variants"`
	// DegradeTier and DegradeTemperature are used by the retry after a timeout
	DegradeTier        string  `yaml:"degrade_tier"`
	DegradeTemperature float64 `yaml:"degrade_temperature"`
	// FinalTemperature is used by the variant regeneration
	FinalTemperature float64 `yaml:"final_temperature"`
	// MaxTokens caps completions (0 = endpoint default)
	MaxTokens int `yaml:"max_tokens"`
	// ChunkSize is the approximate size of streamed prose chunks
	ChunkSize int `yaml:"chunk_size"`
}

// QualityConfig configures the quality gate
type QualityConfig struct {
	// RepairThreshold is the most missing ids repaired automatically (0 disables repair)
	RepairThreshold *int `yaml:"repair_threshold"`
	// StrictReview disables auto-repair on the review tier
	StrictReview *bool `yaml:"strict_review"`
}

// SessionConfig configures streaming sessions
type SessionConfig struct {
	// Heartbeat is the tip refresh interval while generating (negative disables)
	Heartbeat time.Duration `yaml:"heartbeat"`
	// Buffer is the per-session event buffer
	Buffer int `yaml:"buffer"`
}

// StoreConfig configures artifact persistence
type StoreConfig struct {
	// Backend is memory, nats or redis
	Backend string `yaml:"backend"`
	// TTL expires stored artifacts (0 = keep forever)
	TTL   time.Duration `yaml:"ttl"`
	NATS  NATSConfig    `yaml:"nats"`
	Redis RedisConfig   `yaml:"redis"`
}

// NATSConfig configures the JetStream KV store
type NATSConfig struct {
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket"`
}

// RedisConfig configures the Redis store
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LLMConfig configures the completion backend
type LLMConfig struct {
	// Backend is http (registry providers) or gemini
	Backend string `yaml:"backend"`
	// Registry is the model registry JSON file (empty = built-in registry)
	Registry string `yaml:"registry"`
	// WatchRegistry reloads the registry file when it changes
	WatchRegistry bool         `yaml:"watch_registry"`
	Gemini        GeminiConfig `yaml:"gemini"`
}

// GeminiConfig configures the Gemini backend
type GeminiConfig struct {
	Model string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the API key
	APIKeyEnv string `yaml:"api_key_env"`
}

// RateLimitConfig limits stage runs per client
type RateLimitConfig struct {
	// Requests per window (zero or negative disables limiting)
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	threshold := quality.DefaultRepairThreshold
	strict := true
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Generation: GenerationConfig{
			Timeout:            60 * time.Second,
			LiteTemperature:    0.7,
			ProTemperature:     0.7,
			ReviewTemperature:  0.4,
			ProVariants:        2,
			DegradeTier:        string(model.TierLite),
			DegradeTemperature: 0.3,
			FinalTemperature:   0.2,
			ChunkSize:          80,
		},
		Quality: QualityConfig{
			RepairThreshold: &threshold,
			StrictReview:    &strict,
		},
		Session: SessionConfig{
			Heartbeat: 9 * time.Second,
			Buffer:    64,
		},
		Store: StoreConfig{
			Backend: StoreMemory,
			NATS:    NATSConfig{URL: "nats://localhost:4222", Bucket: "STAGEFLOW_ARTIFACTS"},
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "stageflow"},
		},
		LLM: LLMConfig{
			Backend: LLMBackendHTTP,
			Gemini:  GeminiConfig{Model: "gemini-2.5-flash", APIKeyEnv: "GEMINI_API_KEY"},
		},
		RateLimit: RateLimitConfig{
			Requests: 30,
			Window:   time.Minute,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Generation.Timeout <= 0 {
		errs = append(errs, errors.New("generation.timeout must be positive"))
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive when requests is set"))
	}
	if c.Session.Buffer < 0 {
		errs = append(errs, errors.New("session.buffer must not be negative"))
	}
	if t := c.Quality.RepairThreshold; t != nil && *t < 0 {
		errs = append(errs, errors.New("quality.repair_threshold must not be negative"))
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreNATS:
		if c.Store.NATS.URL == "" {
			errs = append(errs, errors.New("store.nats.url is required for the nats backend"))
		}
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be memory, nats or redis, got %q", c.Store.Backend))
	}

	switch c.LLM.Backend {
	case LLMBackendHTTP:
	case LLMBackendGemini:
		if c.LLM.Gemini.Model == "" {
			errs = append(errs, errors.New("llm.gemini.model is required for the gemini backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.backend must be http or gemini, got %q", c.LLM.Backend))
	}
	if c.LLM.WatchRegistry && c.LLM.Registry == "" {
		errs = append(errs, errors.New("llm.watch_registry needs llm.registry"))
	}

	if err := c.Orchestrator().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("generation: %w", err))
	}
	return errors.Join(errs...)
}

// Orchestrator returns the run configuration of the generation section.
func (c *Config) Orchestrator() orchestrator.Config {
	g := c.Generation
	cfg := orchestrator.DefaultConfig()
	strict := c.Quality.StrictReview == nil || *c.Quality.StrictReview

	cfg.Profiles[workflow.TierLite] = orchestrator.Profile{ModelTier: model.TierLite, Temperature: g.LiteTemperature, Variants: 1}
	cfg.Profiles[workflow.TierPro] = orchestrator.Profile{ModelTier: model.TierPro, Temperature: g.ProTemperature, Variants: g.ProVariants}
	cfg.Profiles[workflow.TierReview] = orchestrator.Profile{ModelTier: model.TierReview, Temperature: g.ReviewTemperature, Variants: 1, Strict: strict}
	cfg.DegradeTier = model.Tier(g.DegradeTier)
	cfg.DegradeTemperature = g.DegradeTemperature
	cfg.FinalTemperature = g.FinalTemperature
	cfg.MaxTokens = g.MaxTokens
	if g.ChunkSize > 0 {
		cfg.ChunkSize = g.ChunkSize
	}
	return cfg
}

// QualityOptions returns the quality engine options.
func (c *Config) QualityOptions() quality.Options {
	opts := quality.Options{RepairThreshold: quality.DefaultRepairThreshold}
	if c.Quality.RepairThreshold != nil {
		opts.RepairThreshold = *c.Quality.RepairThreshold
	}
	return opts
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// parseOverlay decodes a config file without defaults, for merging.
func parseOverlay(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &overlay, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	setString(&c.Server.Addr, other.Server.Addr)
	setDuration(&c.Server.WriteTimeout, other.Server.WriteTimeout)
	setDuration(&c.Server.ShutdownTimeout, other.Server.ShutdownTimeout)

	// Generation
	g, og := &c.Generation, other.Generation
	setDuration(&g.Timeout, og.Timeout)
	setFloat(&g.LiteTemperature, og.LiteTemperature)
	setFloat(&g.ProTemperature, og.ProTemperature)
	setFloat(&g.ReviewTemperature, og.ReviewTemperature)
	setInt(&g.ProVariants, og.ProVariants)
	setString(&g.DegradeTier, og.DegradeTier)
	setFloat(&g.DegradeTemperature, og.DegradeTemperature)
	setFloat(&g.FinalTemperature, og.FinalTemperature)
	setInt(&g.MaxTokens, og.MaxTokens)
	setInt(&g.ChunkSize, og.ChunkSize)

	// Quality: pointers so an explicit 0 or false wins
	if other.Quality.RepairThreshold != nil {
		v := *other.Quality.RepairThreshold
		c.Quality.RepairThreshold = &v
	}
	if other.Quality.StrictReview != nil {
		v := *other.Quality.StrictReview
		c.Quality.StrictReview = &v
	}

	// Session
	setDuration(&c.Session.Heartbeat, other.Session.Heartbeat)
	setInt(&c.Session.Buffer, other.Session.Buffer)

	// Store
	setString(&c.Store.Backend, other.Store.Backend)
	setDuration(&c.Store.TTL, other.Store.TTL)
	setString(&c.Store.NATS.URL, other.Store.NATS.URL)
	setString(&c.Store.NATS.Bucket, other.Store.NATS.Bucket)
	setString(&c.Store.Redis.Addr, other.Store.Redis.Addr)
	setString(&c.Store.Redis.Password, other.Store.Redis.Password)
	setInt(&c.Store.Redis.DB, other.Store.Redis.DB)
	setString(&c.Store.Redis.Prefix, other.Store.Redis.Prefix)

	// LLM
	setString(&c.LLM.Backend, other.LLM.Backend)
	setString(&c.LLM.Registry, other.LLM.Registry)
	if other.LLM.WatchRegistry {
		c.LLM.WatchRegistry = true
	}
	setString(&c.LLM.Gemini.Model, other.LLM.Gemini.Model)
	setString(&c.LLM.Gemini.APIKeyEnv, other.LLM.Gemini.APIKeyEnv)

	// Rate limit
	setInt(&c.RateLimit.Requests, other.RateLimit.Requests)
	setDuration(&c.RateLimit.Window, other.RateLimit.Window)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
