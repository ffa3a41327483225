// Package metrics exposes Prometheus collectors for stage runs, generation
// attempts, quality issues, sessions and backend calls.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/stageflow/generation"
	"github.com/c360studio/stageflow/llm"
	"github.com/c360studio/stageflow/stream"
	"github.com/c360studio/stageflow/workflow"
)

const namespace = "stageflow"

// Recorder holds the collectors. It implements the orchestrator and stream
// observers and llm.CallRecorder.
type Recorder struct {
	stageRuns      *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	attempts       *prometheus.CounterVec
	qaIssues       *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	sessions       *prometheus.CounterVec
	sessionLength  *prometheus.HistogramVec
	heartbeats     *prometheus.CounterVec
	llmCalls       *prometheus.CounterVec
	llmTokens      *prometheus.CounterVec
	llmDuration    *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		stageRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Stage runs by stage, tier and outcome",
		}, []string{"stage", "tier", "outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_run_duration_seconds",
			Help:      "Wall time of a stage run",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"stage", "outcome"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_attempts_total",
			Help:      "Generation attempts by stage, model tier and result",
		}, []string{"stage", "tier", "result"}),
		qaIssues: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_issues_total",
			Help:      "Quality issues reported by the gate",
		}, []string{"stage", "area", "severity"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Streaming sessions currently running",
		}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Closed streaming sessions by final state",
		}, []string{"stage", "state"}),
		sessionLength: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of a streaming session",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"state"}),
		heartbeats: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat events emitted while generating",
		}, []string{"stage"}),
		llmCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Backend calls by model tier, endpoint and result",
		}, []string{"tier", "endpoint", "result"}),
		llmTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed by backend calls",
		}, []string{"tier", "kind"}),
		llmDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "Latency of backend calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"tier"}),
	}
}

// ObserveStage records the end of a stage run.
func (r *Recorder) ObserveStage(stage workflow.Stage, tier workflow.RunTier, outcome string, d time.Duration) {
	r.stageRuns.WithLabelValues(string(stage), string(tier), outcome).Inc()
	r.stageDuration.WithLabelValues(string(stage), outcome).Observe(d.Seconds())
}

// ObserveAttempt records one generation attempt.
func (r *Recorder) ObserveAttempt(stage workflow.Stage, a generation.Attempt) {
	result := "ok"
	if !a.OK {
		result = string(a.Kind)
	}
	r.attempts.WithLabelValues(string(stage), string(a.Tier), result).Inc()
}

// ObserveIssues records the issues of a quality report.
func (r *Recorder) ObserveIssues(stage workflow.Stage, issues []workflow.QualityIssue) {
	for _, is := range issues {
		r.qaIssues.WithLabelValues(string(stage), is.Area, string(is.Severity)).Inc()
	}
}

// SessionOpened implements stream.Observer.
func (r *Recorder) SessionOpened(workflow.Stage) {
	r.sessionsActive.Inc()
}

// SessionClosed implements stream.Observer.
func (r *Recorder) SessionClosed(stage workflow.Stage, state stream.State, d time.Duration) {
	r.sessionsActive.Dec()
	r.sessions.WithLabelValues(string(stage), string(state)).Inc()
	r.sessionLength.WithLabelValues(string(state)).Observe(d.Seconds())
}

// Heartbeat implements stream.Observer.
func (r *Recorder) Heartbeat(stage workflow.Stage) {
	r.heartbeats.WithLabelValues(string(stage)).Inc()
}

// RecordCall implements llm.CallRecorder.
func (r *Recorder) RecordCall(_ context.Context, rec *llm.CallRecord) {
	result := "ok"
	if !rec.FinishedOK {
		result = string(rec.ErrorKind)
	}
	tier := string(rec.Tier)
	r.llmCalls.WithLabelValues(tier, rec.Endpoint, result).Inc()
	r.llmDuration.WithLabelValues(tier).Observe(rec.Duration.Seconds())
	if rec.Usage.PromptTokens > 0 {
		r.llmTokens.WithLabelValues(tier, "prompt").Add(float64(rec.Usage.PromptTokens))
	}
	if rec.Usage.CompletionTokens > 0 {
		r.llmTokens.WithLabelValues(tier, "completion").Add(float64(rec.Usage.CompletionTokens))
	}
}

var _ stream.Observer = (*Recorder)(nil)
var _ llm.CallRecorder = (*Recorder)(nil)
