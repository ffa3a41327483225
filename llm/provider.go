package llm

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/c360studio/stageflow/model"
)

// RequestOptions carries the per-call knobs a provider maps onto its wire format.
type RequestOptions struct {
	// Temperature is nil to use the provider default.
	Temperature *float64

	// MaxTokens is 0 to use the provider default.
	MaxTokens int

	// JSONMode asks the provider for a JSON object response where supported.
	JSONMode bool
}

// Provider defines the interface for HTTP chat-completion providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "ollama").
	Name() string

	// BuildURL constructs the full API endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers to the request.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body for the provider.
	BuildRequestBody(model string, messages []Message, opts RequestOptions) ([]byte, error)

	// ParseResponse extracts the response from provider-specific JSON.
	ParseResponse(body []byte, model string) (*Response, error)
}

// Backend completes requests for providers that ship their own SDK instead of
// speaking a JSON-over-HTTP format the client builds itself.
type Backend interface {
	Complete(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error)
}

var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names, sorted.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
