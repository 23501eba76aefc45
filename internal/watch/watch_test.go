package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusline/internal/config"
	"statusline/internal/domain"
	"statusline/internal/engine"
	"statusline/internal/events"
	"statusline/internal/notify"
	"statusline/internal/reducer"
)

func TestWatcherMaterializesOnLogChange(t *testing.T) {
	root := t.TempDir()
	featureDir := filepath.Join(root, config.SpecsDir, "001-feature")
	require.NoError(t, os.MkdirAll(featureDir, 0o755))
	e := engine.New(root, &config.Config{})
	e.Notifier = notify.Nop{}
	e.Branch = func(context.Context, string) (string, error) { return "main", nil }

	done := make(chan engine.MaterializeResult, 4)
	w := Watcher{
		Engine:   e,
		Features: []string{"001-feature"},
		Debounce: 20 * time.Millisecond,
		OnChange: func(_ string, res engine.MaterializeResult, err error) {
			assert.NoError(t, err)
			done <- res
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- w.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, events.NewStore(featureDir).Append(domain.StatusEvent{
		Actor:         "agent1",
		At:            "2026-01-01T10:00:00.000000Z",
		EventID:       "01J00000000000000000000001",
		ExecutionMode: domain.ModeWorktree,
		FeatureSlug:   "001-feature",
		FromLane:      domain.LanePlanned,
		ToLane:        domain.LaneClaimed,
		WPID:          "WP01",
	}))

	select {
	case res := <-done:
		assert.Equal(t, 1, res.Snapshot.EventCount)
	case <-time.After(5 * time.Second):
		t.Fatal("no materialization after log change")
	}
	snap, err := reducer.LoadSnapshot(featureDir)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, domain.LaneClaimed, snap.WorkPackages["WP01"].Lane)

	cancel()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherRejectsUnknownFeature(t *testing.T) {
	e := engine.New(t.TempDir(), &config.Config{})
	err := Watcher{Engine: e, Features: []string{"nope"}}.Run(context.Background())
	assert.ErrorIs(t, err, engine.ErrUnknownFeature)
	assert.Error(t, Watcher{Engine: e}.Run(context.Background()))
}
