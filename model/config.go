package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// RegistryConfig is the JSON form of the registry. A registry file holds either
// this object directly or wraps it under a "model_registry" key.
type RegistryConfig struct {
	Tiers     map[string]*TierConfig     `json:"tiers"`
	Endpoints map[string]*EndpointConfig `json:"endpoints"`
	Defaults  *DefaultsConfig            `json:"defaults,omitempty"`
}

// LoadFromFile loads a registry from a JSON file.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	return LoadFromJSON(data)
}

// LoadFromJSON loads a registry from JSON data.
func LoadFromJSON(data []byte) (*Registry, error) {
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	return registryFromConfig(cfg), nil
}

// ParseConfig decodes registry JSON, accepting the wrapped and bare forms.
func ParseConfig(data []byte) (*RegistryConfig, error) {
	var wrapped struct {
		ModelRegistry *RegistryConfig `json:"model_registry"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.ModelRegistry != nil {
		return wrapped.ModelRegistry, nil
	}

	var cfg RegistryConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse registry config: %w", err)
	}
	return &cfg, nil
}

func registryFromConfig(cfg *RegistryConfig) *Registry {
	tiers := make(map[Tier]*TierConfig, len(cfg.Tiers))
	for k, v := range cfg.Tiers {
		tiers[Tier(k)] = v
	}
	endpoints := cfg.Endpoints
	if endpoints == nil {
		endpoints = make(map[string]*EndpointConfig)
	}

	r := NewRegistry(tiers, endpoints)
	if cfg.Defaults != nil {
		r.defaults = cfg.Defaults
	}
	return r
}

// ToConfig converts the registry to its serializable form.
func (r *Registry) ToConfig() *RegistryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tiers := make(map[string]*TierConfig, len(r.tiers))
	for k, v := range r.tiers {
		tiers[string(k)] = v
	}
	return &RegistryConfig{
		Tiers:     tiers,
		Endpoints: r.endpoints,
		Defaults:  r.defaults,
	}
}

// MergeFromConfig merges configuration into the registry; incoming entries win.
// Endpoint health is kept, so a reload does not reset open circuits.
func (r *Registry) MergeFromConfig(cfg *RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tiers == nil {
		r.tiers = make(map[Tier]*TierConfig)
	}
	if r.endpoints == nil {
		r.endpoints = make(map[string]*EndpointConfig)
	}
	for k, v := range cfg.Tiers {
		r.tiers[Tier(k)] = v
	}
	for k, v := range cfg.Endpoints {
		r.endpoints[k] = v
	}
	if cfg.Defaults != nil {
		r.defaults = cfg.Defaults
	}
}
