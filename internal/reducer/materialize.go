package reducer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"statusline/internal/domain"
	"statusline/internal/events"
	"statusline/internal/fsutil"
)

// SnapshotFile is the materialized snapshot name inside a feature directory.
const SnapshotFile = "status.json"

// Marshal renders a snapshot with sorted keys, two-space indentation and a
// single trailing newline.
func Marshal(snap domain.Snapshot) ([]byte, error) {
	return events.CanonicalIndentJSON(snap)
}

// MarshalDeterministic is Marshal without materialized_at, for comparing
// two reductions.
func MarshalDeterministic(snap domain.Snapshot) ([]byte, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	delete(m, "materialized_at")
	return events.CanonicalIndentJSON(m)
}

// Materialize reads the feature's event log, reduces it and atomically
// rewrites status.json.
func Materialize(featureDir, feature string, opts Options) (domain.Snapshot, error) {
	evts, err := events.NewStore(featureDir).ReadTyped()
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap := Reduce(feature, evts, opts)
	data, err := Marshal(snap)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(featureDir, SnapshotFile), data, 0o644); err != nil {
		return domain.Snapshot{}, fmt.Errorf("write snapshot: %w", err)
	}
	return snap, nil
}

// LoadSnapshot reads a previously materialized snapshot. It returns nil
// without error when none exists.
func LoadSnapshot(featureDir string) (*domain.Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(featureDir, SnapshotFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse %s: %w", SnapshotFile, err)
	}
	return &snap, nil
}
