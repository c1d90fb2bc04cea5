package chousei

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/chousei/internal/checkpoint"
	"github.com/ashita-ai/chousei/internal/model"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestAccessorsFailBeforeInitialize(t *testing.T) {
	sys, err := New(WithLogger(discardLogger()))
	require.NoError(t, err)

	_, err = sys.Sync()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = sys.Resource()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = sys.Recovery()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = sys.Workflow()
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, sys.Initialize(context.Background()))
	_, err = sys.Sync()
	assert.NoError(t, err)
	require.NoError(t, sys.Shutdown(context.Background()))
}

func TestSystemLifecycleWithCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	ctx := context.Background()

	sys, err := New(
		WithLogger(discardLogger()),
		WithCheckpointPath(path),
		WithExecutor("echo", StepExecutorFunc(
			func(_ context.Context, step Step) (map[string]any, error) {
				return map[string]any{"step": step.Name}, nil
			})),
	)
	require.NoError(t, err)
	require.NoError(t, sys.Initialize(ctx))

	require.NoError(t, sys.RegisterTemplate(Template{
		Type: "report",
		Steps: []StepSpec{
			{Name: "gather", Executor: "echo"},
			{Name: "render", Executor: "echo", Dependencies: []string{"gather"}},
		},
	}))

	wfC, err := sys.Workflow()
	require.NoError(t, err)
	wfID, err := wfC.CreateWorkflow(ctx, "report", map[string]any{"target": "weekly"}, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		wf, ok := wfC.GetWorkflow(wfID)
		return ok && wf.Status == model.WorkflowCompleted
	}, 5*time.Second, 20*time.Millisecond)

	syncC, err := sys.Sync()
	require.NoError(t, err)
	_, err = syncC.UpdateComponentState(ctx, "worker-1", map[string]any{"phase": "done"}, nil)
	require.NoError(t, err)

	// Checkpointing is asynchronous, behind event delivery.
	require.Eventually(t, func() bool {
		store, err := checkpoint.Open(path)
		if err != nil {
			return false
		}
		defer store.Close()
		snaps, err := store.LatestSnapshots(ctx)
		if err != nil {
			return false
		}
		for _, s := range snaps {
			if s.ComponentID == "worker-1" {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, sys.Shutdown(ctx))

	// A fresh system on the same path sees the persisted state.
	sys2, err := New(WithLogger(discardLogger()), WithCheckpointPath(path))
	require.NoError(t, err)
	require.NoError(t, sys2.Initialize(ctx))
	defer sys2.Shutdown(ctx)

	sync2, err := sys2.Sync()
	require.NoError(t, err)
	snap, ok := sync2.GetComponentState("worker-1")
	require.True(t, ok)
	assert.Equal(t, "done", snap.StateData["phase"])
}

func TestStrategyAndRuleFlagsCarryThrough(t *testing.T) {
	st := toModelStrategy(Strategy{ID: "retry", SeverityThreshold: "warning"})
	assert.True(t, st.AutoRetry, "strategies auto-retry unless marked manual-only")
	assert.Equal(t, model.SeverityWarning, st.SeverityThreshold)

	st = toModelStrategy(Strategy{ID: "escalate", ManualOnly: true})
	assert.False(t, st.AutoRetry)

	rule := toModelAlertRule(AlertRule{ID: "burst", Condition: "total_errors > 3"})
	assert.True(t, rule.Enabled, "rules are enabled unless marked disabled")

	rule = toModelAlertRule(AlertRule{ID: "quiet", Disabled: true})
	assert.False(t, rule.Enabled)
}

func TestRunShutsDownOnAllPaths(t *testing.T) {
	sys, err := New(WithLogger(discardLogger()))
	require.NoError(t, err)

	wantErr := errors.New("host failed")
	err = sys.Run(context.Background(), func(ctx context.Context, s *System) error {
		_, err := s.Sync()
		require.NoError(t, err)
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// The system is shut down; it cannot be initialized again.
	err = sys.Initialize(context.Background())
	assert.Error(t, err)
}
