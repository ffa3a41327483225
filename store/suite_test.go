package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/stageflow/workflow"
)

// runStoreSuite exercises the Store contract against s.
func runStoreSuite(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := s.Get(ctx, "flow-missing", workflow.StageGoal)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put assigns versions", func(t *testing.T) {
		first, err := s.Put(ctx, workflow.StoredArtifact{
			FlowID: "flow-1",
			Stage:  workflow.StageGoal,
			Data:   json.RawMessage(`{"title":"v1"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, first.Version)
		assert.False(t, first.CreatedAt.IsZero())

		second, err := s.Put(ctx, workflow.StoredArtifact{
			FlowID:   "flow-1",
			Stage:    workflow.StageGoal,
			Data:     json.RawMessage(`{"title":"v2"}`),
			Degraded: true,
			Issues:   []workflow.QualityIssue{{Severity: workflow.SeverityBlocker, Area: "schema", Hint: "x"}},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, second.Version)

		got, err := s.Get(ctx, "flow-1", workflow.StageGoal)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.True(t, got.Degraded)
		assert.Len(t, got.Issues, 1)
		assert.JSONEq(t, `{"title":"v2"}`, string(got.Data))

		a, err := got.Decode()
		require.NoError(t, err)
		assert.Equal(t, "v2", a.(*workflow.GoalStatement).Title)
	})

	t.Run("stages and flows are independent", func(t *testing.T) {
		_, err := s.Put(ctx, workflow.StoredArtifact{FlowID: "flow-2", Stage: workflow.StageFramework, Data: json.RawMessage(`{}`)})
		require.NoError(t, err)

		rec, err := s.Put(ctx, workflow.StoredArtifact{FlowID: "flow-3", Stage: workflow.StageFramework, Data: json.RawMessage(`{}`)})
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Version)

		_, err = s.Get(ctx, "flow-2", workflow.StageGoal)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent puts get distinct versions", func(t *testing.T) {
		const writers = 4
		var wg sync.WaitGroup
		versions := make(chan int, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec, err := s.Put(ctx, workflow.StoredArtifact{FlowID: "flow-cc", Stage: workflow.StageDiagram, Data: json.RawMessage(`{}`)})
				if assert.NoError(t, err) {
					versions <- rec.Version
				}
			}()
		}
		wg.Wait()
		close(versions)

		seen := map[int]bool{}
		for v := range versions {
			assert.False(t, seen[v], "version %d assigned twice", v)
			seen[v] = true
		}
		got, err := s.Get(ctx, "flow-cc", workflow.StageDiagram)
		require.NoError(t, err)
		assert.Equal(t, writers, got.Version)
	})

	t.Run("history", func(t *testing.T) {
		empty, err := s.History(ctx, "flow-h")
		require.NoError(t, err)
		assert.Empty(t, empty)

		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		require.NoError(t, s.AppendTurn(ctx, "flow-h", workflow.Turn{Stage: workflow.StageGoal, Role: "user", Content: "tracing", At: at}))
		require.NoError(t, s.AppendTurn(ctx, "flow-h", workflow.Turn{Stage: workflow.StageGoal, Role: "assistant", Content: "{}", At: at}))

		turns, err := s.History(ctx, "flow-h")
		require.NoError(t, err)
		require.Len(t, turns, 2)
		assert.Equal(t, "user", turns[0].Role)
		assert.Equal(t, "assistant", turns[1].Role)
		assert.True(t, at.Equal(turns[0].At))
	})

	t.Run("validation", func(t *testing.T) {
		_, err := s.Get(ctx, "bad flow/id", workflow.StageGoal)
		assert.ErrorIs(t, err, ErrInvalidFlowID)
		_, err = s.Get(ctx, "flow-1", "S9")
		assert.ErrorIs(t, err, workflow.ErrUnknownStage)
		_, err = s.Put(ctx, workflow.StoredArtifact{FlowID: "flow-1", Stage: workflow.StageGoal, Data: json.RawMessage(`{not json`)})
		assert.Error(t, err)
		assert.ErrorIs(t, s.AppendTurn(ctx, "", workflow.Turn{}), ErrInvalidFlowID)
	})
}
