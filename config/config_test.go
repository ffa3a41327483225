package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/stageflow/model"
	"github.com/c360studio/stageflow/workflow"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Store.Backend != StoreMemory {
		t.Errorf("expected memory store by default, got %s", cfg.Store.Backend)
	}
	if cfg.Session.Heartbeat != 9*time.Second {
		t.Errorf("expected default heartbeat 9s, got %v", cfg.Session.Heartbeat)
	}
	if *cfg.Quality.RepairThreshold != 3 {
		t.Errorf("expected default repair threshold 3, got %d", *cfg.Quality.RepairThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "missing addr",
			modify:  func(c *Config) { c.Server.Addr = "" },
			wantErr: "server.addr",
		},
		{
			name:    "unknown store backend",
			modify:  func(c *Config) { c.Store.Backend = "etcd" },
			wantErr: "store.backend",
		},
		{
			name:    "redis without addr",
			modify:  func(c *Config) { c.Store.Backend = StoreRedis; c.Store.Redis.Addr = "" },
			wantErr: "store.redis.addr",
		},
		{
			name:    "unknown llm backend",
			modify:  func(c *Config) { c.LLM.Backend = "grpc" },
			wantErr: "llm.backend",
		},
		{
			name:    "watch without registry",
			modify:  func(c *Config) { c.LLM.WatchRegistry = true },
			wantErr: "watch_registry",
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { c.Generation.ProTemperature = 2.5 },
			wantErr: "temperature",
		},
		{
			name:    "unknown degrade tier",
			modify:  func(c *Config) { c.Generation.DegradeTier = "cheap" },
			wantErr: "degrade tier",
		},
		{
			name:    "rate limit without window",
			modify:  func(c *Config) { c.RateLimit.Window = 0 },
			wantErr: "rate_limit.window",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "stageflow.yaml")

	content := `
server:
  addr: ":9090"
generation:
  timeout: 45s
  pro_variants: 3
quality:
  repair_threshold: 0
  strict_review: false
store:
  backend: redis
  ttl: 24h
  redis:
    addr: "redis:6379"
rate_limit:
  requests: 5
  window: 10s
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected addr :9090, got %s", cfg.Server.Addr)
	}
	if cfg.Generation.Timeout != 45*time.Second {
		t.Errorf("expected timeout 45s, got %v", cfg.Generation.Timeout)
	}
	if cfg.Store.Backend != StoreRedis || cfg.Store.Redis.Addr != "redis:6379" {
		t.Errorf("expected redis store at redis:6379, got %s %s", cfg.Store.Backend, cfg.Store.Redis.Addr)
	}
	if cfg.Store.TTL != 24*time.Hour {
		t.Errorf("expected ttl 24h, got %v", cfg.Store.TTL)
	}
	// Unset fields keep their defaults.
	if cfg.Generation.LiteTemperature != 0.7 {
		t.Errorf("expected default lite temperature, got %f", cfg.Generation.LiteTemperature)
	}
	if got := cfg.QualityOptions().RepairThreshold; got != 0 {
		t.Errorf("expected repair threshold 0, got %d", got)
	}

	orch := cfg.Orchestrator()
	if orch.Profiles[workflow.TierPro].Variants != 3 {
		t.Errorf("expected 3 pro variants, got %d", orch.Profiles[workflow.TierPro].Variants)
	}
	if orch.Profiles[workflow.TierReview].Strict {
		t.Error("expected review tier to be non-strict")
	}
}

func TestLoadFromFile_Invalid(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "stageflow.yaml")
	if err := os.WriteFile(configPath, []byte("server: [oops"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(configPath); err == nil {
		t.Error("expected parse error")
	}
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected read error")
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	zero := 0
	override := &Config{
		Server:  ServerConfig{Addr: ":7000"},
		Store:   StoreConfig{Backend: StoreNATS, NATS: NATSConfig{URL: "nats://nats:4222"}},
		Quality: QualityConfig{RepairThreshold: &zero},
	}

	base.Merge(override)

	if base.Server.Addr != ":7000" {
		t.Errorf("expected addr :7000, got %s", base.Server.Addr)
	}
	// Write timeout should remain from base since override didn't set it
	if base.Server.WriteTimeout != 30*time.Second {
		t.Errorf("expected write timeout to remain default, got %v", base.Server.WriteTimeout)
	}
	if base.Store.NATS.URL != "nats://nats:4222" || base.Store.NATS.Bucket != "STAGEFLOW_ARTIFACTS" {
		t.Errorf("unexpected nats config %+v", base.Store.NATS)
	}
	if *base.Quality.RepairThreshold != 0 {
		t.Errorf("explicit zero threshold should win, got %d", *base.Quality.RepairThreshold)
	}
	if !*base.Quality.StrictReview {
		t.Error("strict review should stay on")
	}

	zero = 5
	if *base.Quality.RepairThreshold != 0 {
		t.Error("merge must copy pointer values")
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Store.Redis.Prefix = "saved"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Store.Redis.Prefix != "saved" {
		t.Errorf("expected prefix saved, got %s", loaded.Store.Redis.Prefix)
	}
	if loaded.Session.Heartbeat != cfg.Session.Heartbeat {
		t.Errorf("heartbeat did not round-trip: %v", loaded.Session.Heartbeat)
	}
}

func TestOrchestratorDefaultsMatch(t *testing.T) {
	orch := DefaultConfig().Orchestrator()
	if orch.DegradeTier != model.TierLite || orch.DegradeTemperature != 0.3 {
		t.Errorf("unexpected degrade settings %s %.1f", orch.DegradeTier, orch.DegradeTemperature)
	}
	if !orch.Profiles[workflow.TierReview].Strict {
		t.Error("review tier should be strict by default")
	}
	if err := orch.Validate(); err != nil {
		t.Errorf("orchestrator config invalid: %v", err)
	}
}
