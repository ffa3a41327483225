package store

import (
	"context"
	"sync"

	"github.com/c360studio/stageflow/workflow"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]map[workflow.Stage]*workflow.StoredArtifact
	history   map[string][]workflow.Turn
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts: make(map[string]map[workflow.Stage]*workflow.StoredArtifact),
		history:   make(map[string][]workflow.Turn),
	}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, flowID string, stage workflow.Stage) (*workflow.StoredArtifact, error) {
	if err := validateGet(flowID, stage); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.artifacts[flowID][stage]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, rec workflow.StoredArtifact) (*workflow.StoredArtifact, error) {
	if err := validatePut(&rec); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stages, ok := m.artifacts[rec.FlowID]
	if !ok {
		stages = make(map[workflow.Stage]*workflow.StoredArtifact)
		m.artifacts[rec.FlowID] = stages
	}
	rec.Version = 1
	if prev, ok := stages[rec.Stage]; ok {
		rec.Version = prev.Version + 1
	}
	stored := cloneRecord(&rec)
	stages[rec.Stage] = stored
	return cloneRecord(stored), nil
}

// AppendTurn implements Store.
func (m *MemoryStore) AppendTurn(ctx context.Context, flowID string, turn workflow.Turn) error {
	if err := ValidateFlowID(flowID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[flowID] = append(m.history[flowID], turn)
	return nil
}

// History implements Store.
func (m *MemoryStore) History(ctx context.Context, flowID string) ([]workflow.Turn, error) {
	if err := ValidateFlowID(flowID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]workflow.Turn(nil), m.history[flowID]...), nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
