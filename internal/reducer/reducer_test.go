package reducer

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusline/internal/domain"
	"statusline/internal/events"
	"statusline/internal/transitions"
)

const feature = "001-feature"

func id(n int) string { return fmt.Sprintf("01J%023d", n) }

func at(minute int) string {
	return time.Date(2026, 1, 1, 10, minute, 0, 0, time.UTC).Format(time.RFC3339)
}

func ev(n int, wp string, from, to domain.Lane, minute int) domain.StatusEvent {
	return domain.StatusEvent{
		Actor:         "agent1",
		At:            at(minute),
		EventID:       id(n),
		ExecutionMode: domain.ModeWorktree,
		FeatureSlug:   feature,
		FromLane:      from,
		ToLane:        to,
		WPID:          wp,
	}
}

func rollback(n int, wp string, minute int) domain.StatusEvent {
	e := ev(n, wp, domain.LaneForReview, domain.LaneInProgress, minute)
	e.ReviewRef = domain.StringPtr("review-" + id(n))
	return e
}

func fixedNow(t time.Time) Options {
	return Options{Now: func() time.Time { return t }}
}

func lifecycle() []domain.StatusEvent {
	return []domain.StatusEvent{
		ev(1, "WP01", domain.LanePlanned, domain.LaneClaimed, 1),
		ev(2, "WP01", domain.LaneClaimed, domain.LaneInProgress, 2),
		ev(3, "WP01", domain.LaneInProgress, domain.LaneForReview, 3),
		ev(4, "WP01", domain.LaneForReview, domain.LaneDone, 4),
		ev(5, "WP02", domain.LanePlanned, domain.LaneClaimed, 5),
		ev(6, "WP03", domain.LanePlanned, domain.LaneBlocked, 6),
	}
}

func TestReduceEmpty(t *testing.T) {
	snap := Reduce(feature, nil, Options{})
	assert.Equal(t, 0, snap.EventCount)
	assert.Nil(t, snap.LastEventID)
	assert.Empty(t, snap.WorkPackages)
	require.Len(t, snap.Summary, 7)
	for _, l := range domain.AllLanes() {
		assert.Equal(t, 0, snap.Summary[l], string(l))
	}
}

func TestReduceLifecycle(t *testing.T) {
	snap := Reduce(feature, lifecycle(), Options{})
	assert.Equal(t, 6, snap.EventCount)
	require.NotNil(t, snap.LastEventID)
	assert.Equal(t, id(6), *snap.LastEventID)

	wp1 := snap.WorkPackages["WP01"]
	assert.Equal(t, domain.LaneDone, wp1.Lane)
	assert.Equal(t, id(4), wp1.LastEventID)
	assert.Equal(t, at(4), wp1.LastTransitionAt)
	assert.Equal(t, 1, snap.Summary[domain.LaneDone])
	assert.Equal(t, 1, snap.Summary[domain.LaneClaimed])
	assert.Equal(t, 1, snap.Summary[domain.LaneBlocked])
	assert.Equal(t, 0, snap.Summary[domain.LanePlanned])
}

func TestReduceSequentialMoveBackward(t *testing.T) {
	evts := []domain.StatusEvent{
		ev(1, "WP01", domain.LanePlanned, domain.LaneClaimed, 1),
		ev(2, "WP01", domain.LaneClaimed, domain.LaneInProgress, 2),
		ev(3, "WP01", domain.LaneInProgress, domain.LanePlanned, 3),
	}
	lane, ok := CurrentLane(evts, "WP01")
	require.True(t, ok)
	assert.Equal(t, domain.LanePlanned, lane)
}

func TestRollbackWinsRegardlessOfTimestamp(t *testing.T) {
	base := []domain.StatusEvent{
		ev(1, "WP01", domain.LanePlanned, domain.LaneClaimed, 1),
		ev(2, "WP01", domain.LaneClaimed, domain.LaneInProgress, 2),
		ev(3, "WP01", domain.LaneInProgress, domain.LaneForReview, 3),
	}
	done := ev(9, "WP01", domain.LaneForReview, domain.LaneDone, 20)

	t.Run("rollback earlier", func(t *testing.T) {
		evts := append(append([]domain.StatusEvent{}, base...), done, rollback(8, "WP01", 10))
		snap := Reduce(feature, evts, Options{})
		assert.Equal(t, domain.LaneInProgress, snap.WorkPackages["WP01"].Lane)
		assert.Equal(t, id(8), snap.WorkPackages["WP01"].LastEventID)
	})
	t.Run("rollback later", func(t *testing.T) {
		evts := append(append([]domain.StatusEvent{}, base...), rollback(10, "WP01", 30), done)
		snap := Reduce(feature, evts, Options{})
		assert.Equal(t, domain.LaneInProgress, snap.WorkPackages["WP01"].Lane)
	})
}

func TestResolveConcurrent(t *testing.T) {
	p := transitions.DefaultPriority
	done := ev(1, "WP01", domain.LaneForReview, domain.LaneDone, 1)
	blocked := ev(2, "WP01", domain.LaneForReview, domain.LaneBlocked, 2)
	rbA := rollback(3, "WP01", 3)
	rbB := rollback(4, "WP01", 4)
	rbB.Actor = "reviewer2"

	assert.Equal(t, done, ResolveConcurrent(done, blocked, p), "most progressed wins")
	assert.Equal(t, done, ResolveConcurrent(blocked, done, p))
	assert.Equal(t, rbA, ResolveConcurrent(done, rbA, p), "incoming rollback wins")
	assert.Equal(t, rbA, ResolveConcurrent(rbA, done, p), "current rollback holds")
	assert.Equal(t, rbB, ResolveConcurrent(rbA, rbB, p), "equal rollbacks go to the later event")
	assert.Equal(t, done, ResolveConcurrent(done, done, nil))
}

func TestForceCount(t *testing.T) {
	evts := lifecycle()
	f := ev(7, "WP01", domain.LaneDone, domain.LaneInProgress, 30)
	f.Force = true
	f.Reason = domain.StringPtr("hotfix")
	f2 := ev(8, "WP01", domain.LaneInProgress, domain.LaneDone, 31)
	f2.Force = true
	f2.Reason = domain.StringPtr("redo")
	snap := Reduce(feature, append(evts, f, f2), Options{})
	assert.Equal(t, 2, snap.WorkPackages["WP01"].ForceCount)
	assert.Equal(t, domain.LaneDone, snap.WorkPackages["WP01"].Lane)
	assert.Equal(t, 0, snap.WorkPackages["WP02"].ForceCount)
}

func TestDeterminism(t *testing.T) {
	evts := lifecycle()
	a, err := MarshalDeterministic(Reduce(feature, evts, fixedNow(time.Unix(0, 0))))
	require.NoError(t, err)
	b, err := MarshalDeterministic(Reduce(feature, evts, fixedNow(time.Unix(1e9, 0))))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.NotContains(t, string(a), "materialized_at")

	full, err := Marshal(Reduce(feature, evts, fixedNow(time.Unix(0, 0))))
	require.NoError(t, err)
	assert.Contains(t, string(full), `"materialized_at": "1970-01-01T00:00:00Z"`)
	assert.True(t, strings.HasSuffix(string(full), "}\n"))
	assert.False(t, strings.HasSuffix(string(full), "\n\n"))
}

func TestOrderIndependence(t *testing.T) {
	evts := append(lifecycle(), rollback(20, "WP02", 40), ev(21, "WP02", domain.LaneClaimed, domain.LaneInProgress, 41))
	opts := fixedNow(time.Unix(0, 0))
	want, err := Marshal(Reduce(feature, evts, opts))
	require.NoError(t, err)

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		perm := append([]domain.StatusEvent{}, evts...)
		r.Shuffle(len(perm), func(a, b int) { perm[a], perm[b] = perm[b], perm[a] })
		got, err := Marshal(Reduce(feature, perm, opts))
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	}
}

func TestDedupeIdempotence(t *testing.T) {
	evts := lifecycle()
	opts := fixedNow(time.Unix(0, 0))
	once := Reduce(feature, evts, opts)
	twice := Reduce(feature, append(append([]domain.StatusEvent{}, evts...), evts...), opts)
	assert.Equal(t, once, twice)
}

func TestMarshalKeepsNonASCII(t *testing.T) {
	e := ev(1, "WP01", domain.LanePlanned, domain.LaneClaimed, 1)
	e.Actor = "zoë <ops>"
	out, err := Marshal(Reduce(feature, []domain.StatusEvent{e}, Options{}))
	require.NoError(t, err)
	assert.Contains(t, string(out), `"actor": "zoë <ops>"`)
}

func TestMaterializeAndLoad(t *testing.T) {
	dir := t.TempDir()
	snap, err := LoadSnapshot(dir)
	require.NoError(t, err)
	assert.Nil(t, snap)

	store := events.NewStore(dir)
	for _, e := range lifecycle() {
		require.NoError(t, store.Append(e))
	}
	got, err := Materialize(dir, feature, fixedNow(time.Unix(0, 0)))
	require.NoError(t, err)
	assert.Equal(t, 6, got.EventCount)

	data, err := os.ReadFile(filepath.Join(dir, SnapshotFile))
	require.NoError(t, err)
	want, err := Marshal(got)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(data))

	loaded, err := LoadSnapshot(dir)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, got, *loaded)
}

func TestMaterializeFailsOnCorruptLog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, events.FileName), []byte("{}\n"), 0o644))
	_, err := Materialize(dir, feature, Options{})
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, SnapshotFile))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCurrentLaneAndHistory(t *testing.T) {
	evts := lifecycle()
	_, ok := CurrentLane(evts, "WP99")
	assert.False(t, ok)

	h := History(append(evts, evts[0]), "WP01")
	require.Len(t, h, 4)
	assert.Equal(t, id(1), h[0].EventID)
	assert.Equal(t, id(4), h[3].EventID)
	assert.Empty(t, History(evts, "WP99"))
}
