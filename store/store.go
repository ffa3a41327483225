// Package store persists stage artifacts and conversation history per flow.
//
// Each flow keeps the latest artifact of every stage with a version that
// increases on every Put, plus an append-only list of conversation turns.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/c360studio/stageflow/workflow"
)

// ErrNotFound is returned when a flow has no artifact for a stage.
var ErrNotFound = errors.New("artifact not found")

// ErrInvalidFlowID is returned for flow ids that cannot be used as keys.
var ErrInvalidFlowID = errors.New("invalid flow id")

var flowIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Store is the session artifact store. The orchestrator is its only writer.
type Store interface {
	// Get returns the latest artifact of stage, or ErrNotFound.
	Get(ctx context.Context, flowID string, stage workflow.Stage) (*workflow.StoredArtifact, error)

	// Put stores rec as the latest artifact of its stage and returns the
	// stored record with its assigned version.
	Put(ctx context.Context, rec workflow.StoredArtifact) (*workflow.StoredArtifact, error)

	// AppendTurn adds a turn to the flow's history.
	AppendTurn(ctx context.Context, flowID string, turn workflow.Turn) error

	// History returns the flow's turns in append order.
	History(ctx context.Context, flowID string) ([]workflow.Turn, error)

	Close() error
}

// ValidateFlowID checks that id is usable as a key by every backend.
func ValidateFlowID(id string) error {
	if !flowIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidFlowID, id)
	}
	return nil
}

func validatePut(rec *workflow.StoredArtifact) error {
	if err := ValidateFlowID(rec.FlowID); err != nil {
		return err
	}
	if !rec.Stage.IsValid() {
		return fmt.Errorf("%w: %q", workflow.ErrUnknownStage, rec.Stage)
	}
	if len(rec.Data) == 0 || !json.Valid(rec.Data) {
		return fmt.Errorf("artifact data for %s is not valid JSON", rec.Stage)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return nil
}

func validateGet(flowID string, stage workflow.Stage) error {
	if err := ValidateFlowID(flowID); err != nil {
		return err
	}
	if !stage.IsValid() {
		return fmt.Errorf("%w: %q", workflow.ErrUnknownStage, stage)
	}
	return nil
}

func cloneRecord(rec *workflow.StoredArtifact) *workflow.StoredArtifact {
	c := *rec
	c.Data = append(json.RawMessage(nil), rec.Data...)
	c.Issues = append([]workflow.QualityIssue(nil), rec.Issues...)
	return &c
}
