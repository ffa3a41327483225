package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/stageflow/workflow"
)

const (
	// DefaultHeartbeat is the interval between heartbeats while generating.
	DefaultHeartbeat = 9 * time.Second

	// DefaultBuffer is the event channel capacity of a session.
	DefaultBuffer = 64
)

type sessionConfig struct {
	heartbeat time.Duration
	buffer    int
	tips      []string
	observer  Observer
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*sessionConfig)

// WithHeartbeat sets the heartbeat interval. Zero or less disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(c *sessionConfig) {
		c.heartbeat = d
	}
}

// WithBuffer sets the event channel capacity.
func WithBuffer(n int) Option {
	return func(c *sessionConfig) {
		if n >= 0 {
			c.buffer = n
		}
	}
}

// WithTips replaces the heartbeat tips.
func WithTips(tips []string) Option {
	return func(c *sessionConfig) {
		c.tips = tips
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(c *sessionConfig) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *sessionConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Manager owns the streaming sessions. At most one session per flow is
// active; opening another cancels the previous one first.
type Manager struct {
	runner Runner
	cfg    sessionConfig

	mu     sync.Mutex
	active map[string]*Session
	closed bool
}

// ErrManagerClosed is returned by Open after Shutdown.
var ErrManagerClosed = errors.New("session manager is shut down")

// NewManager creates a manager running stages on runner.
func NewManager(runner Runner, opts ...Option) *Manager {
	cfg := sessionConfig{
		heartbeat: DefaultHeartbeat,
		buffer:    DefaultBuffer,
		tips:      DefaultTips,
		observer:  nopObserver{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{runner: runner, cfg: cfg, active: make(map[string]*Session)}
}

// Open starts a session for req. Any active session of the same flow is
// canceled and waited for before the new run starts, so its events never
// interleave with the new session's. ctx bounds the session's lifetime:
// canceling it tears the session down.
func (m *Manager) Open(ctx context.Context, req workflow.StageRequest) (*Session, error) {
	if req.FlowID == "" {
		return nil, errors.New("flow id is required")
	}
	if !req.Stage.IsValid() {
		return nil, workflow.ErrUnknownStage
	}

	s := newSession(ctx, req, m.cfg)
	s.onClose = m.release

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.Cancel()
		return nil, ErrManagerClosed
	}
	prev := m.active[req.FlowID]
	m.active[req.FlowID] = s
	m.mu.Unlock()

	if prev != nil {
		s.logger.Info("Canceling prior session", "prior_session_id", prev.ID)
		prev.Cancel()
		if err := prev.Wait(ctx); err != nil {
			s.Cancel()
			return nil, err
		}
	}

	s.start(m.runner, req)
	return s, nil
}

// Active returns the active session of flowID.
func (m *Manager) Active(flowID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[flowID]
	return s, ok
}

// Cancel aborts the active session of flowID and reports whether there was one.
func (m *Manager) Cancel(flowID string) bool {
	m.mu.Lock()
	s, ok := m.active[flowID]
	m.mu.Unlock()
	if ok {
		s.Cancel()
	}
	return ok
}

// Len returns the number of sessions not yet released.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown cancels every session and waits for them to stop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}
	for _, s := range sessions {
		if err := s.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[s.FlowID] == s {
		delete(m.active, s.FlowID)
	}
}
