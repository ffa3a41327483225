// Package llm provides a provider-agnostic completion client.
// Requests name a run tier; the model.Registry resolves the tier to an
// endpoint and tracks endpoint health across calls.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/stageflow/model"
	"github.com/google/uuid"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Completer is anything that can turn a Request into a Response.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines an LLM completion request.
type Request struct {
	// Tier selects the endpoint chain in the registry.
	Tier model.Tier

	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the endpoint default.
	MaxTokens int

	// JSONMode requests a JSON object response.
	JSONMode bool
}

// Options returns the provider-facing options for the request.
func (r Request) Options() RequestOptions {
	return RequestOptions{Temperature: r.Temperature, MaxTokens: r.MaxTokens, JSONMode: r.JSONMode}
}

// SystemPrompt returns the concatenated content of all system messages.
func (r Request) SystemPrompt() string {
	var parts []string
	for _, m := range r.Messages {
		if m.Role == "system" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the LLM completion result.
type Response struct {
	// RequestID uniquely identifies this call; set by Client.Complete.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Endpoint is the registry endpoint name that served the call.
	Endpoint string

	// Usage contains token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// CallRecord describes one completed or failed call.
type CallRecord struct {
	RequestID  string
	TraceID    string
	FlowID     string
	Tier       model.Tier
	Endpoint   string
	Provider   string
	Model      string
	Usage      TokenUsage
	StartedAt  time.Time
	Duration   time.Duration
	ErrorKind  ErrorKind
	Error      string
	Skipped    []string
	MaxTokens  int
	FinishedOK bool
}

// CallRecorder receives a record for every call the client makes.
type CallRecorder interface {
	RecordCall(ctx context.Context, rec *CallRecord)
}

// Client is a tier-routed LLM client. Each Complete makes exactly one request;
// retry and degrade policy belong to the caller.
type Client struct {
	registry   *model.Registry
	httpClient *http.Client
	backends   map[string]Backend
	recorder   CallRecorder
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithBackend routes endpoints of the named provider to b.
func WithBackend(provider string, b Backend) ClientOption {
	return func(client *Client) {
		client.backends[provider] = b
	}
}

// WithRecorder sets the call recorder.
func WithRecorder(r CallRecorder) ClientOption {
	return func(client *Client) {
		client.recorder = r
	}
}

// NewClient creates a new LLM client with the given model registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry: registry,
		// No client-level timeout; callers bound each call with a context deadline.
		httpClient: &http.Client{},
		backends:   make(map[string]Backend),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Complete sends req to the first healthy endpoint for its tier.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if !req.Tier.IsValid() {
		return nil, NewError(KindProvider, fmt.Errorf("unknown tier %q", req.Tier))
	}
	if len(req.Messages) == 0 {
		return nil, NewError(KindProvider, errors.New("at least one message is required"))
	}

	rec := &CallRecord{
		RequestID: uuid.New().String(),
		Tier:      req.Tier,
		StartedAt: time.Now(),
	}
	tc := GetTraceContext(ctx)
	rec.TraceID, rec.FlowID = tc.TraceID, tc.FlowID

	name, ep := c.pickEndpoint(req.Tier, rec)
	if ep == nil {
		err := &Error{Kind: KindUnavailable, Err: fmt.Errorf("no endpoint configured for tier %s", req.Tier)}
		c.finish(ctx, rec, nil, err)
		return nil, err
	}
	rec.Endpoint, rec.Provider, rec.Model, rec.MaxTokens = name, ep.Provider, ep.Model, ep.MaxTokens

	if req.MaxTokens == 0 {
		req.MaxTokens = ep.MaxTokens
	}

	resp, err := c.dispatch(ctx, ep, req)
	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = NewError(KindEmpty, errors.New("provider returned no content"))
	}
	if err != nil {
		err = c.annotate(ctx, err, name)
		if IsTransient(err) {
			c.registry.MarkEndpointFailure(name)
		}
		c.logger.Warn("LLM call failed",
			"tier", req.Tier,
			"endpoint", name,
			"kind", KindOf(err),
			"error", err)
		c.finish(ctx, rec, nil, err)
		return nil, err
	}

	c.registry.MarkEndpointSuccess(name)
	resp.RequestID = rec.RequestID
	resp.Endpoint = name
	if resp.Model == "" {
		resp.Model = ep.Model
	}
	c.finish(ctx, rec, resp, nil)
	return resp, nil
}

// pickEndpoint returns the first configured endpoint in the tier's healthy chain.
func (c *Client) pickEndpoint(tier model.Tier, rec *CallRecord) (string, *model.EndpointConfig) {
	for _, name := range c.registry.GetAvailableFallbackChain(tier) {
		ep := c.registry.GetEndpoint(name)
		if ep == nil {
			c.logger.Debug("No endpoint config, skipping", "endpoint", name)
			rec.Skipped = append(rec.Skipped, name)
			continue
		}
		return name, ep
	}
	return "", nil
}

func (c *Client) dispatch(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error) {
	if b, ok := c.backends[ep.Provider]; ok {
		return b.Complete(ctx, ep, req)
	}
	return c.doRequest(ctx, ep, req)
}

// annotate attaches the endpoint and reclassifies errors by the context state.
func (c *Client) annotate(ctx context.Context, err error, endpoint string) error {
	var le *Error
	if !errors.As(err, &le) {
		le = &Error{Kind: classify(err), Err: err}
	}
	switch ctx.Err() {
	case context.DeadlineExceeded:
		le.Kind = KindTimeout
	case context.Canceled:
		le.Kind = KindCanceled
	}
	if le.Endpoint == "" {
		le.Endpoint = endpoint
	}
	return le
}

func (c *Client) finish(ctx context.Context, rec *CallRecord, resp *Response, err error) {
	rec.Duration = time.Since(rec.StartedAt)
	if err != nil {
		rec.ErrorKind = KindOf(err)
		rec.Error = err.Error()
	} else {
		rec.FinishedOK = true
		rec.Usage = resp.Usage
		if resp.Model != "" {
			rec.Model = resp.Model
		}
	}
	if c.recorder != nil {
		c.recorder.RecordCall(ctx, rec)
	}
}

// doRequest executes a single HTTP request to the LLM endpoint.
func (c *Client) doRequest(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewError(KindProvider, fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	url := provider.BuildURL(ep.URL)

	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Options())
	if err != nil {
		return nil, NewError(KindProvider, fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(KindProvider, fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: classifyTransport(err), Err: fmt.Errorf("HTTP request failed: %w", err)}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, &Error{Kind: classifyTransport(err), Err: fmt.Errorf("read response body: %w", err)}
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	resp, err := provider.ParseResponse(respBody, ep.Model)
	if err != nil {
		return nil, NewError(KindProvider, err)
	}
	return resp, nil
}

// classifyTransport maps transport failures to timeout or unavailable.
func classifyTransport(err error) ErrorKind {
	if k := classify(err); k == KindTimeout || k == KindCanceled {
		return k
	}
	return KindUnavailable
}

// classifyHTTPError maps a non-200 status to an error kind.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	e := &Error{
		StatusCode: statusCode,
		Err:        fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr),
	}

	switch {
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusGatewayTimeout:
		e.Kind = KindTimeout
	case statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		e.Kind = KindUnavailable
	default:
		// Auth, bad request and anything unrecognized.
		e.Kind = KindProvider
	}
	return e
}

// TraceContext holds trace information carried on a context.
type TraceContext struct {
	TraceID string
	FlowID  string
}

type traceContextKey struct{}

// WithTraceContext adds trace information to a context.
func WithTraceContext(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, tc)
}

// GetTraceContext extracts trace information from a context.
func GetTraceContext(ctx context.Context) TraceContext {
	if tc, ok := ctx.Value(traceContextKey{}).(TraceContext); ok {
		return tc
	}
	return TraceContext{}
}
