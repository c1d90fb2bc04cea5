package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/chousei/internal/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for v := int64(1); v <= 3; v++ {
		snap := model.NewStateSnapshot("agent-1", map[string]any{"counter": float64(v)}, v)
		require.NoError(t, s.SaveSnapshot(ctx, snap))
	}
	require.NoError(t, s.SaveSnapshot(ctx,
		model.NewStateSnapshot("agent-2", map[string]any{"mode": "idle"}, 1)))

	latest, err := s.LatestSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)

	assert.Equal(t, "agent-1", latest[0].ComponentID)
	assert.Equal(t, int64(3), latest[0].Version)
	assert.Equal(t, map[string]any{"counter": float64(3)}, latest[0].StateData)
	assert.NotEmpty(t, latest[0].Checksum)

	assert.Equal(t, "agent-2", latest[1].ComponentID)
	assert.Equal(t, int64(1), latest[1].Version)
}

func TestSnapshotOverwriteSameVersion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx,
		model.NewStateSnapshot("agent-1", map[string]any{"x": "old"}, 1)))
	require.NoError(t, s.SaveSnapshot(ctx,
		model.NewStateSnapshot("agent-1", map[string]any{"x": "new"}, 1)))

	latest, err := s.LatestSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, map[string]any{"x": "new"}, latest[0].StateData)
}

func TestWorkflowRecordRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	wf := model.Workflow{
		ID:     uuid.New(),
		Type:   "research",
		Status: model.WorkflowFailed,
		Error:  "failed steps: fetch: boom",
		Steps: []*model.WorkflowStep{
			{ID: "fetch", Name: "fetch", Executor: "agent", Status: model.StepFailed, Error: "boom"},
		},
		CreatedAt:   now,
		CompletedAt: &now,
	}
	require.NoError(t, s.SaveWorkflowRecord(ctx, wf))

	got, err := s.WorkflowRecord(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.Status, got.Status)
	assert.Equal(t, wf.Error, got.Error)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, model.StepFailed, got.Steps[0].Status)

	_, err = s.WorkflowRecord(ctx, uuid.New())
	require.Error(t, err)
}
