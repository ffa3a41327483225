// Package testutil provides a scripted llm.Completer for tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/c360studio/stageflow/llm"
)

// Step scripts one call to MockCompleter.
type Step struct {
	// Content is returned as the response body.
	Content string

	// Err is returned instead of a response.
	Err error

	// Delay is waited before answering. The wait honours cancellation.
	Delay time.Duration

	// Block waits until the context is done and returns its classified error.
	Block bool
}

// MockCompleter is a thread-safe llm.Completer that replays scripted steps.
//
// Usage:
//
//	mock := testutil.NewMockCompleter(
//	    testutil.Step{Err: llm.NewError(llm.KindTimeout, context.DeadlineExceeded)},
//	    testutil.Step{Content: `{"title": "Goal"}`},
//	)
//
// When the script runs out the Fallback step (if set) or the last step repeats.
type MockCompleter struct {
	mu       sync.Mutex
	steps    []Step
	next     int
	requests []llm.Request
	contexts []context.Context

	// Fallback answers calls past the end of the script.
	Fallback *Step

	// Route, when set, picks the step from the request instead of the script.
	// Returning false falls through to the script.
	Route func(req llm.Request) (Step, bool)
}

// NewMockCompleter creates a mock that replays steps in order.
func NewMockCompleter(steps ...Step) *MockCompleter {
	return &MockCompleter{steps: steps}
}

// Complete implements llm.Completer.
func (m *MockCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	step := m.take(ctx, req)

	if step.Block {
		<-ctx.Done()
		return nil, ctxError(ctx)
	}
	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctxError(ctx)
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &llm.Response{Content: step.Content, Model: "mock-" + string(req.Tier), Endpoint: "mock"}, nil
}

func (m *MockCompleter) take(ctx context.Context, req llm.Request) Step {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	m.contexts = append(m.contexts, ctx)

	if m.Route != nil {
		if s, ok := m.Route(req); ok {
			return s
		}
	}
	if m.next < len(m.steps) {
		s := m.steps[m.next]
		m.next++
		return s
	}
	if m.Fallback != nil {
		return *m.Fallback
	}
	if len(m.steps) > 0 {
		return m.steps[len(m.steps)-1]
	}
	return Step{}
}

func ctxError(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return llm.NewError(llm.KindTimeout, ctx.Err())
	}
	return llm.NewError(llm.KindCanceled, ctx.Err())
}

// CallCount returns the number of calls made.
func (m *MockCompleter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request received, in call order.
func (m *MockCompleter) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastContext returns the context of the most recent call, or nil.
func (m *MockCompleter) LastContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.contexts) == 0 {
		return nil
	}
	return m.contexts[len(m.contexts)-1]
}

// Reset clears recorded calls and rewinds the script.
func (m *MockCompleter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next = 0
	m.requests = nil
	m.contexts = nil
}
