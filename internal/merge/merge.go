package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"statusline/internal/domain"
	"statusline/internal/events"
	"statusline/internal/fsutil"
	"statusline/internal/reducer"
)

type line struct {
	raw     []byte
	at      string
	eventID string
}

// MergeLogs unions two event logs: lines from both sides are deduplicated by
// event_id (first occurrence wins, a before b) and sorted by (at, event_id).
// The original line bytes are kept.
func MergeLogs(a, b []byte) ([]byte, error) {
	left, err := parseSide("ours", a)
	if err != nil {
		return nil, err
	}
	right, err := parseSide("theirs", b)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(left)+len(right))
	merged := make([]line, 0, len(left)+len(right))
	for _, l := range append(left, right...) {
		if seen[l.eventID] {
			continue
		}
		seen[l.eventID] = true
		merged = append(merged, l)
	}
	slices.SortStableFunc(merged, func(x, y line) int {
		if x.at != y.at {
			if x.at < y.at {
				return -1
			}
			return 1
		}
		switch {
		case x.eventID < y.eventID:
			return -1
		case x.eventID > y.eventID:
			return 1
		}
		return 0
	})

	var out bytes.Buffer
	for _, l := range merged {
		out.Write(l.raw)
		out.WriteByte('\n')
	}
	return out.Bytes(), nil
}

func parseSide(side string, data []byte) ([]line, error) {
	var out []line
	err := events.ScanLines(bytes.NewReader(data), func(lineNo int, raw []byte) error {
		rec, err := events.ParseLine(raw)
		if err != nil {
			return fmt.Errorf("%s line %d: %w", side, lineNo, err)
		}
		id, _ := rec["event_id"].(string)
		at, _ := rec["at"].(string)
		if id == "" {
			return fmt.Errorf("%s line %d: %w: missing event_id", side, lineNo, events.ErrCorruptRecord)
		}
		out = append(out, line{raw: append([]byte(nil), raw...), at: at, eventID: id})
		return nil
	})
	return out, err
}

// MergeFiles is the git merge driver entry point (%O %A %B). The merged log
// is written atomically to ours. The base path is part of the driver
// contract; the union merge does not read it.
func MergeFiles(ctx context.Context, _, ours, theirs string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a, err := readOptional(ours)
	if err != nil {
		return fmt.Errorf("read ours: %w", err)
	}
	b, err := readOptional(theirs)
	if err != nil {
		return fmt.Errorf("read theirs: %w", err)
	}
	merged, err := MergeLogs(a, b)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(ours, merged, 0o644)
}

// ResolveLogs merges two logs and reduces the result.
func ResolveLogs(feature string, a, b []byte, opts reducer.Options) (domain.Snapshot, error) {
	merged, err := MergeLogs(a, b)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var evts []domain.StatusEvent
	err = events.ScanLines(bytes.NewReader(merged), func(lineNo int, raw []byte) error {
		e, err := events.DecodeEvent(raw)
		if err != nil {
			return fmt.Errorf("merged line %d: %w", lineNo, err)
		}
		evts = append(evts, e)
		return nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return reducer.Reduce(feature, evts, opts), nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}
