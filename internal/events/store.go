package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"statusline/internal/domain"
	"statusline/internal/transitions"
)

// FileName is the event log name inside a feature directory.
const FileName = "status.events.jsonl"

const (
	previewLen    = 80
	maxLineLength = 16 * 1024 * 1024
)

var requiredFields = []string{"event_id", "feature_slug", "wp_id", "from_lane", "to_lane", "at", "actor"}

// StoreError reports a corrupt record in the event log.
type StoreError struct {
	Path    string
	Line    int
	Preview string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s line %d: %v (content: %q); inspect this line manually", e.Path, e.Line, e.Err, e.Preview)
}

func (e *StoreError) Unwrap() error { return e.Err }

var ErrCorruptRecord = errors.New("corrupt event record")

// Store is the append-only line-delimited event log of one feature.
type Store struct {
	Path string
}

func NewStore(featureDir string) Store {
	return Store{Path: filepath.Join(featureDir, FileName)}
}

// NewEventID returns a time-ordered ULID.
func NewEventID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

// Append writes one event as a single canonical JSON line.
func (s Store) Append(evt domain.StatusEvent) error {
	line, err := CanonicalJSON(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.EventID, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	// one write per record so concurrent appenders interleave at line granularity
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadRaw returns every non-blank line decoded as a JSON object.
func (s Store) ReadRaw() ([]map[string]any, error) {
	var out []map[string]any
	err := s.scan(func(lineNo int, line []byte) error {
		rec, err := ParseLine(line)
		if err != nil {
			return &StoreError{Path: s.Path, Line: lineNo, Preview: preview(line), Err: err}
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// ReadTyped returns every event, failing on the first invalid record.
func (s Store) ReadTyped() ([]domain.StatusEvent, error) {
	var out []domain.StatusEvent
	err := s.scan(func(lineNo int, line []byte) error {
		evt, err := DecodeEvent(line)
		if err != nil {
			return &StoreError{Path: s.Path, Line: lineNo, Preview: preview(line), Err: err}
		}
		out = append(out, evt)
		return nil
	})
	return out, err
}

func (s Store) scan(fn func(lineNo int, line []byte) error) error {
	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	return ScanLines(f, fn)
}

// ScanLines calls fn for each non-blank line with its 1-based line number.
func ScanLines(r io.Reader, fn func(lineNo int, line []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(lineNo, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ParseLine decodes one JSON object line.
func ParseLine(line []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrCorruptRecord, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrCorruptRecord)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrCorruptRecord)
	}
	return rec, nil
}

type wireEvent struct {
	Actor         string               `json:"actor"`
	At            string               `json:"at"`
	EventID       string               `json:"event_id"`
	Evidence      *domain.DoneEvidence `json:"evidence"`
	ExecutionMode string               `json:"execution_mode"`
	FeatureSlug   string               `json:"feature_slug"`
	Force         bool                 `json:"force"`
	FromLane      string               `json:"from_lane"`
	Reason        *string              `json:"reason"`
	ReviewRef     *string              `json:"review_ref"`
	ToLane        string               `json:"to_lane"`
	WPID          string               `json:"wp_id"`
}

// DecodeEvent strictly parses one line into a StatusEvent. Lane aliases are
// resolved here so they never travel past the store boundary.
func DecodeEvent(line []byte) (domain.StatusEvent, error) {
	rec, err := ParseLine(line)
	if err != nil {
		return domain.StatusEvent{}, err
	}
	var missing []string
	for _, k := range requiredFields {
		if v, ok := rec[k]; !ok || v == nil {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return domain.StatusEvent{}, fmt.Errorf("%w: missing required fields %s", ErrCorruptRecord, strings.Join(missing, ", "))
	}
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return domain.StatusEvent{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	from, err := transitions.ParseLane(w.FromLane)
	if err != nil {
		return domain.StatusEvent{}, fmt.Errorf("%w: from_lane: %v", ErrCorruptRecord, err)
	}
	to, err := transitions.ParseLane(w.ToLane)
	if err != nil {
		return domain.StatusEvent{}, fmt.Errorf("%w: to_lane: %v", ErrCorruptRecord, err)
	}
	mode := domain.ExecutionMode(w.ExecutionMode)
	if mode == "" {
		mode = domain.ModeWorktree
	}
	evt := domain.StatusEvent{
		Actor:         w.Actor,
		At:            w.At,
		EventID:       w.EventID,
		Evidence:      w.Evidence,
		ExecutionMode: mode,
		FeatureSlug:   w.FeatureSlug,
		Force:         w.Force,
		FromLane:      from,
		Reason:        w.Reason,
		ReviewRef:     w.ReviewRef,
		ToLane:        to,
		WPID:          w.WPID,
	}
	if err := evt.Validate(); err != nil {
		return domain.StatusEvent{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return evt, nil
}

// CanonicalJSON renders v compactly with keys sorted at every level and
// without HTML or non-ASCII escaping.
func CanonicalJSON(v any) ([]byte, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// CanonicalIndentJSON is CanonicalJSON with two-space indentation and one
// trailing newline.
func CanonicalIndentJSON(v any) ([]byte, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// toGeneric round-trips through maps, which encoding/json always emits in key order.
func toGeneric(v any) (any, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(&buf)
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return generic, nil
}

func preview(line []byte) string {
	s := string(line)
	if len(s) > previewLen {
		return s[:previewLen] + "..."
	}
	return s
}
