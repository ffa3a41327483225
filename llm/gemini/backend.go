// Package gemini routes registry endpoints with provider "gemini" through the
// Google GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/c360studio/stageflow/llm"
	"github.com/c360studio/stageflow/model"
	"google.golang.org/genai"
)

// ProviderName is the registry provider value served by this backend.
const ProviderName = "gemini"

// Backend implements llm.Backend on top of genai.Client.
// One SDK client is kept per base URL.
type Backend struct {
	apiKey     string
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// Option configures a Backend.
type Option func(*Backend)

// WithAPIKey overrides the key read from GEMINI_API_KEY / GOOGLE_API_KEY.
func WithAPIKey(key string) Option {
	return func(b *Backend) { b.apiKey = key }
}

// WithHTTPClient sets the transport used by the SDK.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.httpClient = c }
}

// New creates a gemini backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		apiKey:  firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY")),
		clients: make(map[string]*genai.Client),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Complete implements llm.Backend.
func (b *Backend) Complete(ctx context.Context, ep *model.EndpointConfig, req llm.Request) (*llm.Response, error) {
	client, err := b.client(ctx, ep.URL)
	if err != nil {
		return nil, llm.NewError(llm.KindProvider, err)
	}

	contents, cfg := buildContents(req)
	resp, err := client.Models.GenerateContent(ctx, ep.Model, contents, cfg)
	if err != nil {
		return nil, classify(err)
	}

	out := &llm.Response{Content: resp.Text(), Model: ep.Model}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.TokenUsage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	return out, nil
}

func (b *Backend) client(ctx context.Context, baseURL string) (*genai.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[baseURL]; ok {
		return c, nil
	}
	if b.apiKey == "" {
		return nil, errors.New("gemini: GEMINI_API_KEY is not set")
	}
	cfg := &genai.ClientConfig{
		APIKey:     b.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: b.httpClient,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	b.clients[baseURL] = c
	return c, nil
}

// buildContents splits system messages into the system instruction and maps
// the remaining turns onto genai roles.
func buildContents(req llm.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{}
	if sys := req.SystemPrompt(); sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			continue
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, cfg
}

func classify(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	default:
		return llm.NewError(llm.KindOf(err), err)
	}

	e := &llm.Error{StatusCode: code, Err: err}
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		e.Kind = llm.KindTimeout
	case code == http.StatusTooManyRequests, code >= 500:
		e.Kind = llm.KindUnavailable
	default:
		e.Kind = llm.KindProvider
	}
	return e
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
