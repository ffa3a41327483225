// Package main implements a mock LLM server for stage pipeline tests.
// It serves OpenAI-compatible /v1/chat/completions responses from JSON
// fixture files, routed by the request model and by the stage marker
// ("[stage:S2]") at the start of the system prompt.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434 -delay 0 -slow mock-pro=90s
//
// Fixture lookup for model M and stage S tries "M.S.json" first and then
// "M.json"; a "mock-" prefix on the model is optional in file names.
//
// Sequential fixtures: numbered files ("mock-lite.S1.1.json",
// "mock-lite.S1.2.json") are served in order for successive calls with the
// same key. After they run out the base file repeats, or the last numbered
// one when there is no base file.
//
// Delays: -delay applies to every call and -slow adds per-model delays, so a
// tier can be made to time out while its degrade target answers. Delays end
// early when the client disconnects.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Server ---

// stageMarkerRe finds the stage marker prompts place in the system message.
var stageMarkerRe = regexp.MustCompile(`\[stage:(S[0-4])\]`)

// capturedRequest stores the key fields of an incoming request for test verification.
type capturedRequest struct {
	Model       string        `json:"model"`
	Stage       string        `json:"stage,omitempty"`
	Fixture     string        `json:"fixture"`
	Temperature *float64      `json:"temperature,omitempty"`
	Messages    []chatMessage `json:"messages"`
	CallIndex   int           `json:"call_index"` // 1-indexed per-fixture call number
	Timestamp   int64         `json:"timestamp"`
}

type server struct {
	fixtures    map[string][]string // fixture key → ordered contents
	delay       time.Duration
	modelDelays map[string]time.Duration
	logger      *slog.Logger

	calls atomic.Int64

	mu       sync.Mutex
	counters map[string]int
	requests []capturedRequest
}

func newServer(fixtures map[string][]string, delay time.Duration, modelDelays map[string]time.Duration, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures:    fixtures,
		delay:       delay,
		modelDelays: modelDelays,
		logger:      logger,
		counters:    make(map[string]int),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	return mux
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	delay := flag.Duration("delay", 0, "delay added to every response")
	slow := flag.String("slow", "", "per-model delays, e.g. mock-pro=90s,mock-review=2s")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("app", "mock-llm")

	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	modelDelays, err := parseModelDelays(*slow)
	if err != nil {
		logger.Error("Invalid -slow flag", "error", err)
		os.Exit(1)
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
		os.Exit(1)
	}
	keys := make([]string, 0, len(fixtures))
	for k := range fixtures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	logger.Info("Loaded fixtures", "dir", *fixtureDir, "keys", keys)

	s := newServer(fixtures, *delay, modelDelays, logger)

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Mock LLM server listening", "addr", addr, "delay", *delay, "slow", *slow)
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	stage := stageOf(req.Messages)
	logger := s.logger.With("call", callNum, "model", req.Model, "stage", stage)

	key, seq, ok := s.resolve(req.Model, stage)
	if !ok {
		logger.Warn("No fixture for request")
		http.Error(w, fmt.Sprintf("no fixture for model %q stage %q", req.Model, stage), http.StatusNotFound)
		return
	}

	content, callIndex := s.next(key, seq, req, stage)
	logger.Debug("Serving fixture", "fixture", key, "call_index", callIndex, "of", len(seq))

	if d := s.delayFor(req.Model); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-r.Context().Done():
			timer.Stop()
			logger.Info("Client went away during delay", "delay", d)
			return
		}
	}

	writeJSON(w, chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4, // rough estimate
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	})
}

// stageOf returns the stage named by the marker of the first system message.
func stageOf(messages []chatMessage) string {
	for _, m := range messages {
		if m.Role != "system" {
			continue
		}
		if match := stageMarkerRe.FindStringSubmatch(m.Content); match != nil {
			return match[1]
		}
		return ""
	}
	return ""
}

// resolve picks the fixture key for model and stage.
func (s *server) resolve(model, stage string) (string, []string, bool) {
	names := []string{model}
	if stripped := strings.TrimPrefix(model, "mock-"); stripped != model {
		names = append(names, stripped)
	}

	var candidates []string
	if stage != "" {
		for _, n := range names {
			candidates = append(candidates, n+"."+stage)
		}
	}
	candidates = append(candidates, names...)

	for _, key := range candidates {
		if seq, ok := s.fixtures[key]; ok {
			return key, seq, true
		}
	}
	return "", nil, false
}

// next returns the fixture for the next call with key and records the request.
func (s *server) next(key string, seq []string, req chatRequest, stage string) (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.counters[key]
	s.counters[key] = idx + 1
	s.requests = append(s.requests, capturedRequest{
		Model:       req.Model,
		Stage:       stage,
		Fixture:     key,
		Temperature: req.Temperature,
		Messages:    req.Messages,
		CallIndex:   idx + 1,
		Timestamp:   time.Now().UnixMilli(),
	})

	if idx < len(seq) {
		return seq[idx], idx + 1
	}
	return seq[len(seq)-1], idx + 1
}

func (s *server) delayFor(model string) time.Duration {
	d := s.delay
	if extra, ok := s.modelDelays[model]; ok {
		d += extra
	}
	return d
}

// handleModels returns the list of available mock models (Ollama-compatible).
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	seen := make(map[string]bool)
	var models []modelEntry
	for key := range s.fixtures {
		name := key
		if i := strings.Index(key, ".S"); i > 0 {
			name = key[:i]
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	writeJSON(w, map[string]any{"object": "list", "data": models})
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byFixture := make(map[string]int, len(s.counters))
	for k, v := range s.counters {
		byFixture[k] = v
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"total_calls":      s.calls.Load(),
		"calls_by_fixture": byFixture,
	})
}

// handleRequests returns captured requests for test assertions.
// Query params:
//   - model: filter by model name
//   - stage: filter by stage marker
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	stageFilter := r.URL.Query().Get("stage")

	s.mu.Lock()
	out := make([]capturedRequest, 0, len(s.requests))
	for _, c := range s.requests {
		if modelFilter != "" && c.Model != modelFilter {
			continue
		}
		if stageFilter != "" && c.Stage != stageFilter {
			continue
		}
		out = append(out, c)
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"requests": out})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// parseModelDelays parses "model=duration" pairs separated by commas.
func parseModelDelays(spec string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		model, raw, ok := strings.Cut(part, "=")
		if !ok || model == "" {
			return nil, fmt.Errorf("expected model=duration, got %q", part)
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("delay for %s: %w", model, err)
		}
		out[model] = d
	}
	return out, nil
}

// numberedFileRe matches files like "mock-lite.S1.1.json" or "mock-lite.2.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads JSON files from dir and returns fixture key → content
// sequence. The key is the file name without the sequence number and
// extension, so "mock-lite.S1.2.json" belongs to key "mock-lite.S1".
//
// Each sequence holds the numbered files in numeric order followed by the
// base file, if any.
func loadFixtures(dir string) (map[string][]string, error) {
	base := make(map[string]string)
	numbered := make(map[string]map[int]string)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}

		if m := numberedFileRe.FindStringSubmatch(info.Name()); m != nil {
			index, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]string)
			}
			numbered[m[1]][index] = string(data)
			return nil
		}
		base[strings.TrimSuffix(info.Name(), ".json")] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]string)
	for key, files := range numbered {
		indices := make([]int, 0, len(files))
		for idx := range files {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			fixtures[key] = append(fixtures[key], files[idx])
		}
	}
	for key, content := range base {
		fixtures[key] = append(fixtures[key], content)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
