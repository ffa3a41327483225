package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/stageflow/workflow"
)

// ErrSessionClosed is returned by Emit once a session is no longer active or
// has already produced its terminal event.
var ErrSessionClosed = errors.New("session closed")

// State is the lifecycle state of a session.
type State string

const (
	StateIdle      State = "idle"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// Runner executes one stage run, emitting its events to sink. The run must
// end with a terminal event (error or successful data_structure) unless ctx
// is canceled; done is emitted by the session.
type Runner interface {
	Run(ctx context.Context, req workflow.StageRequest, sink Sink) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req workflow.StageRequest, sink Sink) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, req workflow.StageRequest, sink Sink) error {
	return f(ctx, req, sink)
}

// CodedError is implemented by run errors that carry a wire code.
type CodedError interface {
	error
	ErrorCode() ErrorCode
}

// Observer receives session lifecycle notifications.
type Observer interface {
	SessionOpened(stage workflow.Stage)
	SessionClosed(stage workflow.Stage, state State, d time.Duration)
	Heartbeat(stage workflow.Stage)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(workflow.Stage)                       {}
func (nopObserver) SessionClosed(workflow.Stage, State, time.Duration) {}
func (nopObserver) Heartbeat(workflow.Stage)                           {}

// DefaultTips are rotated through by heartbeats.
var DefaultTips = []string{
	"Still working on it",
	"The model is composing a response",
	"Taking a little longer than usual",
}

// Session is one streaming stage run. Events are read from Events until the
// channel closes. A completed session's last event is done; an aborted
// session emits nothing after it is canceled.
type Session struct {
	ID      string
	FlowID  string
	Stage   workflow.Stage
	TraceID string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	terminal  bool
	closed    bool
	lastSteps *StepsPayload
	tipIndex  int

	events chan Event
	done   chan struct{}

	heartbeat time.Duration
	tips      []string
	startedAt time.Time
	onClose   func(*Session)
	observer  Observer
	logger    *slog.Logger
}

func newSession(parent context.Context, req workflow.StageRequest, cfg sessionConfig) *Session {
	ctx, cancel := context.WithCancel(parent)
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.New().String()
	}
	s := &Session{
		ID:        uuid.New().String(),
		FlowID:    req.FlowID,
		Stage:     req.Stage,
		TraceID:   traceID,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		events:    make(chan Event, cfg.buffer),
		done:      make(chan struct{}),
		heartbeat: cfg.heartbeat,
		tips:      cfg.tips,
		observer:  cfg.observer,
		logger:    cfg.logger,
	}
	s.logger = s.logger.With("session_id", s.ID, "flow_id", s.FlowID, "stage", s.Stage, "trace_id", s.TraceID)
	return s
}

// Events returns the event channel. It is closed when the session ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed once the session has fully stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Wait blocks until the session stops or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts the session. The in-flight run observes cancellation through
// its context and no further events are delivered.
func (s *Session) Cancel() {
	s.cancel()

	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.state = StateAborted
		s.closeLocked()
		s.mu.Unlock()
		s.release()
		close(s.done)
		return
	case StateActive:
		s.state = StateAborted
	}
	s.mu.Unlock()
}

// Emit implements Sink for the runner. done is reserved for the session.
func (s *Session) Emit(e Event) error {
	if e.Type == EventDone {
		return fmt.Errorf("done is emitted by the session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || s.terminal || s.ctx.Err() != nil {
		return ErrSessionClosed
	}

	if e.Type == EventCognitiveStep {
		if p, ok := e.Payload.(StepsPayload); ok {
			s.lastSteps = &p
		}
	}
	if e.IsTerminal() {
		s.terminal = true
	}
	return s.sendLocked(e)
}

func (s *Session) sendLocked(e Event) error {
	select {
	case s.events <- e:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

func (s *Session) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// start runs req on r in the background. A session canceled before start
// stays aborted.
func (s *Session) start(r Runner, req workflow.StageRequest) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateActive
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.observer.SessionOpened(s.Stage)
	s.logger.Info("Session opened")

	req.TraceID = s.TraceID

	var hb sync.WaitGroup
	finished := make(chan struct{})
	if s.heartbeat > 0 {
		hb.Add(1)
		go func() {
			defer hb.Done()
			s.heartbeatLoop(finished)
		}()
	}

	go func() {
		err := s.runSafely(r, req)
		close(finished)
		hb.Wait()
		s.finish(err)
	}()
}

func (s *Session) runSafely(r Runner, req workflow.StageRequest) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Stage run panicked", "panic", p)
			err = fmt.Errorf("stage run panicked: %v", p)
		}
	}()
	return r.Run(s.ctx, req, s)
}

func (s *Session) heartbeatLoop(finished <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-finished:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.beat()
		}
	}
}

// beat re-emits the last step list with a fresh tip while generation is in
// progress.
func (s *Session) beat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || s.terminal || s.lastSteps == nil || s.ctx.Err() != nil {
		return
	}
	cur, ok := s.lastSteps.Steps.Current()
	if !ok || cur.ID != workflow.StepGenerate {
		return
	}

	tip := ""
	if len(s.tips) > 0 {
		tip = s.tips[s.tipIndex%len(s.tips)]
		s.tipIndex++
	}
	if s.sendLocked(StepsEvent(s.lastSteps.Steps, tip, s.TraceID)) == nil {
		s.logger.Debug("Heartbeat", "step", cur.ID)
		s.observer.Heartbeat(s.Stage)
	}
}

// finish emits the missing terminal event and done, unless the session was
// aborted, then closes the event channel.
func (s *Session) finish(runErr error) {
	s.mu.Lock()
	aborted := s.state != StateActive || s.ctx.Err() != nil
	if aborted {
		s.state = StateAborted
	} else {
		if !s.terminal {
			code, msg := codeOf(runErr)
			s.logger.Warn("Run ended without a terminal event", "code", code, "error", runErr)
			s.terminal = true
			_ = s.sendLocked(ErrorEvent(code, msg, nil))
		}
		_ = s.sendLocked(DoneEvent())
		s.state = StateCompleted
	}
	state := s.state
	s.closeLocked()
	s.mu.Unlock()

	s.cancel()
	d := time.Since(s.startedAt)
	s.observer.SessionClosed(s.Stage, state, d)
	s.logger.Info("Session closed", "state", state, "duration", d)
	s.release()
	close(s.done)
}

func (s *Session) release() {
	if s.onClose != nil {
		s.onClose(s)
	}
}

func codeOf(err error) (ErrorCode, string) {
	if err == nil {
		return CodeUnknown, "stage run ended without a result"
	}
	var ce CodedError
	if errors.As(err, &ce) {
		return ce.ErrorCode(), ce.Error()
	}
	return CodeUnknown, err.Error()
}
