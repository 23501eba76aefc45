package events

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusline/internal/domain"
)

func sampleEvent(t *testing.T, wp string, from, to domain.Lane) domain.StatusEvent {
	t.Helper()
	return domain.StatusEvent{
		Actor:         "agent1",
		At:            "2026-01-01T00:00:00Z",
		EventID:       NewEventID(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		ExecutionMode: domain.ModeWorktree,
		FeatureSlug:   "001-feature",
		FromLane:      from,
		ToLane:        to,
		WPID:          wp,
	}
}

func TestAppendCreatesFileAndReadsBack(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kitty-specs", "001-feature")
	s := NewStore(dir)

	evts, err := s.ReadTyped()
	require.NoError(t, err)
	assert.Empty(t, evts)

	e1 := sampleEvent(t, "WP01", domain.LanePlanned, domain.LaneClaimed)
	e2 := sampleEvent(t, "WP01", domain.LaneClaimed, domain.LaneInProgress)
	e2.Reason = domain.StringPtr("café ünïcode <ok>")
	require.NoError(t, s.Append(e1))
	require.NoError(t, s.Append(e2))

	got, err := s.ReadTyped()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, e1, got[0])
	assert.Equal(t, e2, got[1])

	data, err := os.ReadFile(s.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], `{"actor":"agent1","at":`))
	assert.Contains(t, lines[1], "café ünïcode <ok>")
	assert.Contains(t, lines[0], `"evidence":null`)
}

func TestCanonicalJSONSortsNestedKeys(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{
		"b": 1,
		"a": map[string]any{"z": true, "m": []any{map[string]any{"y": 1, "x": 2}}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"m":[{"x":2,"y":1}],"z":true},"b":1}`, string(out))
}

func TestReadRawReportsCorruptLine(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Append(sampleEvent(t, "WP01", domain.LanePlanned, domain.LaneClaimed)))
	require.NoError(t, s.Append(sampleEvent(t, "WP01", domain.LaneClaimed, domain.LaneInProgress)))
	f, err := os.OpenFile(s.Path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = s.ReadRaw()
	require.Error(t, err)
	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 3, se.Line)
	assert.Contains(t, err.Error(), "3")
	assert.ErrorIs(t, err, ErrCorruptRecord)

	_, err = s.ReadTyped()
	require.Error(t, err)
}

func TestReadSkipsBlankLines(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	line, err := CanonicalJSON(sampleEvent(t, "WP02", domain.LanePlanned, domain.LaneBlocked))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path, []byte("\n"+string(line)+"\n\n"), 0o644))
	raw, err := s.ReadRaw()
	require.NoError(t, err)
	assert.Len(t, raw, 1)
}

func TestReadTypedRejectsMissingFieldsAndBadLanes(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, os.WriteFile(s.Path, []byte(`{"event_id":"01HZZZZZZZZZZZZZZZZZZZZZZZ","wp_id":"WP01"}`+"\n"), 0o644))
	_, err := s.ReadTyped()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
	assert.Contains(t, err.Error(), "feature_slug")

	evt := sampleEvent(t, "WP01", domain.LanePlanned, domain.LaneClaimed)
	line, err := CanonicalJSON(evt)
	require.NoError(t, err)
	bad := strings.Replace(string(line), `"to_lane":"claimed"`, `"to_lane":"shipping"`, 1)
	require.NoError(t, os.WriteFile(s.Path, []byte(string(line)+"\n"+bad+"\n"), 0o644))
	_, err = s.ReadTyped()
	require.Error(t, err)
	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 2, se.Line)
}

func TestReadTypedResolvesDoingAlias(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	evt := sampleEvent(t, "WP01", domain.LaneClaimed, domain.LaneInProgress)
	line, err := CanonicalJSON(evt)
	require.NoError(t, err)
	legacy := strings.Replace(string(line), `"to_lane":"in_progress"`, `"to_lane":"doing"`, 1)
	require.NoError(t, os.WriteFile(s.Path, []byte(legacy+"\n"), 0o644))
	got, err := s.ReadTyped()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.LaneInProgress, got[0].ToLane)
}

func TestNewEventIDIsSortable(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewEventID(t0)
	b := NewEventID(t0.Add(time.Millisecond))
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
}
