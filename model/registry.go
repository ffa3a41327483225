package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Registry maps tiers to preferred endpoints with fallback chains.
type Registry struct {
	mu        sync.RWMutex
	tiers     map[Tier]*TierConfig
	endpoints map[string]*EndpointConfig
	defaults  *DefaultsConfig
	health    *healthState
}

// TierConfig defines endpoint preferences for a tier.
type TierConfig struct {
	// Description explains what this tier is for.
	Description string `json:"description"`

	// Preferred lists endpoints in order of preference.
	Preferred []string `json:"preferred"`

	// Fallback lists endpoints used when every preferred one has an open circuit.
	Fallback []string `json:"fallback"`
}

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Provider is the model provider (anthropic, ollama, openai, gemini).
	Provider string `json:"provider"`

	// URL is the API base URL (optional for hosted providers).
	URL string `json:"url,omitempty"`

	// Model is the model identifier sent to the provider.
	Model string `json:"model"`

	// MaxTokens caps the completion length. 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// DefaultsConfig holds default endpoint settings.
type DefaultsConfig struct {
	// Model is the endpoint used when a tier has no configuration.
	Model string `json:"model"`
}

// NewRegistry creates a registry with the given configuration.
func NewRegistry(tiers map[Tier]*TierConfig, endpoints map[string]*EndpointConfig) *Registry {
	return &Registry{
		tiers:     tiers,
		endpoints: endpoints,
		defaults:  &DefaultsConfig{Model: "default"},
		health:    newHealthState(DefaultHealthConfig()),
	}
}

// NewDefaultRegistry creates a registry with sensible defaults.
// Used when no registry file is configured.
func NewDefaultRegistry() *Registry {
	r := NewRegistry(
		map[Tier]*TierConfig{
			TierLite: {
				Description: "Fast, low-cost generation and degrade retries",
				Preferred:   []string{"claude-haiku"},
				Fallback:    []string{"qwen"},
			},
			TierPro: {
				Description: "Primary generation",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"claude-haiku", "qwen"},
			},
			TierReview: {
				Description: "Strongest model for strict review runs",
				Preferred:   []string{"claude-opus", "claude-sonnet"},
				Fallback:    []string{"qwen"},
			},
		},
		map[string]*EndpointConfig{
			"claude-opus": {
				Provider:  "anthropic",
				Model:     "claude-opus-4-5-20251101",
				MaxTokens: 8192,
			},
			"claude-sonnet": {
				Provider:  "anthropic",
				Model:     "claude-sonnet-4-20250514",
				MaxTokens: 8192,
			},
			"claude-haiku": {
				Provider:  "anthropic",
				Model:     "claude-haiku-3-5-20241022",
				MaxTokens: 4096,
			},
			"qwen": {
				Provider: "ollama",
				URL:      "http://localhost:11434/v1",
				Model:    "qwen2.5:14b",
			},
		},
	)
	r.defaults = &DefaultsConfig{Model: "qwen"}
	return r
}

// Resolve returns the preferred endpoint name for a tier.
func (r *Registry) Resolve(tier Tier) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.tiers[tier]; ok && len(cfg.Preferred) > 0 {
		return cfg.Preferred[0]
	}
	return r.defaults.Model
}

// GetFallbackChain returns all endpoints for a tier in order of preference.
func (r *Registry) GetFallbackChain(tier Tier) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.tiers[tier]; ok {
		chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
		chain = append(chain, cfg.Preferred...)
		chain = append(chain, cfg.Fallback...)
		return chain
	}
	return []string{r.defaults.Model}
}

// GetEndpoint returns the endpoint configuration for a name, or nil.
func (r *Registry) GetEndpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.endpoints[name]
}

// SetTier updates or adds a tier configuration.
func (r *Registry) SetTier(tier Tier, cfg *TierConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tiers == nil {
		r.tiers = make(map[Tier]*TierConfig)
	}
	r.tiers[tier] = cfg
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.endpoints == nil {
		r.endpoints = make(map[string]*EndpointConfig)
	}
	r.endpoints[name] = cfg
}

// SetDefault sets the default endpoint.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaults = &DefaultsConfig{Model: name}
}

// ListTiers returns the configured tiers, sorted.
func (r *Registry) ListTiers() []Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tiers := make([]Tier, 0, len(r.tiers))
	for t := range r.tiers {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}

// ListEndpoints returns the configured endpoint names, sorted.
func (r *Registry) ListEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every tier and the default reference known endpoints.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for tier, cfg := range r.tiers {
		if !tier.IsValid() {
			return fmt.Errorf("unknown tier %q", tier)
		}
		for _, name := range cfg.Preferred {
			if _, ok := r.endpoints[name]; !ok {
				return fmt.Errorf("tier %s: preferred endpoint %q not found", tier, name)
			}
		}
		for _, name := range cfg.Fallback {
			if _, ok := r.endpoints[name]; !ok {
				return fmt.Errorf("tier %s: fallback endpoint %q not found", tier, name)
			}
		}
	}
	if r.defaults != nil && r.defaults.Model != "" {
		if _, ok := r.endpoints[r.defaults.Model]; !ok {
			return fmt.Errorf("default endpoint %q not found", r.defaults.Model)
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ToConfig())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Registry) UnmarshalJSON(data []byte) error {
	var cfg RegistryConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}
	loaded := registryFromConfig(&cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers = loaded.tiers
	r.endpoints = loaded.endpoints
	r.defaults = loaded.defaults
	if r.health == nil {
		r.health = loaded.health
	}
	return nil
}
