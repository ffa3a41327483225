package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "stageflow.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/stageflow"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "STAGEFLOW_"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger  *slog.Logger
	workDir string
	homeDir string
	getenv  func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	wd, _ := os.Getwd()
	home, _ := os.UserHomeDir()
	return &Loader{logger: logger, workDir: wd, homeDir: home, getenv: os.Getenv}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/stageflow/config.yaml)
// 3. Project config (stageflow.yaml in current or parent directories), or
//    the explicit path when one is given
// 4. Environment variables (STAGEFLOW_*)
func (l *Loader) Load(explicitPath string) (*Config, error) {
	config := DefaultConfig()

	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		if userConfig, err := parseOverlay(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", "path", userConfigPath)
			config.Merge(userConfig)
		} else if !os.IsNotExist(err) {
			l.logger.Warn("Failed to load user config", "path", userConfigPath, "error", err)
		}
	}

	if explicitPath != "" {
		projectConfig, err := parseOverlay(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		l.logger.Debug("Loaded config", "path", explicitPath)
		config.Merge(projectConfig)
	} else if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if projectConfig, err := parseOverlay(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", "path", projectConfigPath)
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", "path", projectConfigPath, "error", err)
		}
	} else {
		l.logger.Debug("No project config found")
	}

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("no home directory")
	}
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	if err := DefaultConfig().SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", "path", userConfigPath)
	return nil
}

// applyEnv overrides config fields from STAGEFLOW_* variables.
func (l *Loader) applyEnv(c *Config) error {
	strs := map[string]*string{
		"ADDR":           &c.Server.Addr,
		"STORE_BACKEND":  &c.Store.Backend,
		"NATS_URL":       &c.Store.NATS.URL,
		"NATS_BUCKET":    &c.Store.NATS.Bucket,
		"REDIS_ADDR":     &c.Store.Redis.Addr,
		"REDIS_PASSWORD": &c.Store.Redis.Password,
		"REDIS_PREFIX":   &c.Store.Redis.Prefix,
		"LLM_BACKEND":    &c.LLM.Backend,
		"REGISTRY":       &c.LLM.Registry,
		"GEMINI_MODEL":   &c.LLM.Gemini.Model,
	}
	for key, dst := range strs {
		if v := l.getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"GENERATION_TIMEOUT": &c.Generation.Timeout,
		"HEARTBEAT":          &c.Session.Heartbeat,
		"STORE_TTL":          &c.Store.TTL,
	}
	for key, dst := range durations {
		v := l.getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}

	if v := l.getenv(EnvPrefix + "RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT: %w", EnvPrefix, err)
		}
		c.RateLimit.Requests = n
	}
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	if l.homeDir == "" {
		return ""
	}
	return filepath.Join(l.homeDir, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for stageflow.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	if l.workDir == "" {
		return ""
	}

	dir := l.workDir
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
