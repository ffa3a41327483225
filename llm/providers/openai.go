package providers

import (
	"net/http"
	"os"

	"github.com/c360studio/stageflow/llm"
)

// openRouterHeaders maps the optional attribution variables OpenRouter uses
// for its app rankings onto the headers it expects.
var openRouterHeaders = []struct {
	env, header string
}{
	{"OPENROUTER_SITE_URL", "HTTP-Referer"},
	{"OPENROUTER_SITE_NAME", "X-Title"},
}

// OpenAIProvider sends stage generations to a hosted chat-completions API:
// api.openai.com by default, or OpenRouter when the model's base URL points
// there. Request and response bodies are the Ollama ones.
type OpenAIProvider struct {
	OllamaProvider
}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

func (o *OpenAIProvider) Name() string { return "openai" }

// BuildURL falls back to the public OpenAI endpoint when no base URL is set.
func (o *OpenAIProvider) BuildURL(baseURL string) string {
	return chatCompletionsURL(baseURL, "https://api.openai.com/v1")
}

// SetHeaders sets the bearer token from OPENAI_API_KEY plus any configured
// OpenRouter attribution.
func (o *OpenAIProvider) SetHeaders(req *http.Request) {
	o.OllamaProvider.SetHeaders(req)
	for _, h := range openRouterHeaders {
		if v := os.Getenv(h.env); v != "" {
			req.Header.Set(h.header, v)
		}
	}
}
