package legacy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"statusline/internal/domain"
	"statusline/internal/fsutil"
	"statusline/internal/phase"
	"statusline/internal/transitions"
)

// TasksDir holds one markdown task file per work package.
const TasksDir = "tasks"

var (
	ErrNoFrontmatter = errors.New("task file has no frontmatter")

	laneLine = regexp.MustCompile(`^lane:[ \t]*(.*?)[ \t]*(\r?\n)?$`)
)

// Result lists what an UpdateViews pass did, by work package ID.
type Result struct {
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
	Missing   []string `json:"missing"`
}

// Drift is a view whose lane disagrees with the canonical snapshot.
type Drift struct {
	WPID          string      `json:"wp_id"`
	Path          string      `json:"path"`
	ViewLane      string      `json:"view_lane"`
	CanonicalLane domain.Lane `json:"canonical_lane"`
}

func (d Drift) String() string {
	view := d.ViewLane
	if view == "" {
		view = "<none>"
	}
	return fmt.Sprintf("%s: view says %s, event log says %s (%s)", d.WPID, view, d.CanonicalLane, d.Path)
}

// FindTaskFile locates tasks/<WP>.md or tasks/<WP>-*.md.
func FindTaskFile(featureDir, wpID string) (string, bool, error) {
	dir := filepath.Join(featureDir, TasksDir)
	exact := filepath.Join(dir, wpID+".md")
	if _, err := os.Stat(exact); err == nil {
		return exact, true, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", false, err
	}
	matches, err := filepath.Glob(filepath.Join(dir, wpID+"-*.md"))
	if err != nil {
		return "", false, err
	}
	if len(matches) == 0 {
		return "", false, nil
	}
	sort.Strings(matches)
	return matches[0], true, nil
}

// splitFrontmatter returns the frontmatter block (without delimiters) and the
// byte offsets of its first and one-past-last line.
func splitFrontmatter(text string) (string, int, int, bool) {
	var start int
	switch {
	case strings.HasPrefix(text, "---\n"):
		start = 4
	case strings.HasPrefix(text, "---\r\n"):
		start = 5
	default:
		return "", 0, 0, false
	}
	pos := start
	for pos <= len(text) {
		nl := strings.IndexByte(text[pos:], '\n')
		lineEnd := len(text)
		if nl >= 0 {
			lineEnd = pos + nl
		}
		if strings.TrimRight(text[pos:lineEnd], "\r") == "---" {
			return text[start:pos], start, pos, true
		}
		if nl < 0 {
			break
		}
		pos = lineEnd + 1
	}
	return "", 0, 0, false
}

// ParseFrontmatter decodes the YAML frontmatter of a task file.
func ParseFrontmatter(data []byte) (map[string]any, error) {
	block, _, _, ok := splitFrontmatter(string(data))
	if !ok {
		return nil, ErrNoFrontmatter
	}
	var meta map[string]any
	if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return meta, nil
}

// ReadLane returns the frontmatter lane of a task file as written.
func ReadLane(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, err
	}
	meta, err := ParseFrontmatter(data)
	if err != nil {
		if errors.Is(err, ErrNoFrontmatter) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%s: %w", path, err)
	}
	v, ok := meta["lane"]
	if !ok || v == nil {
		return "", false, nil
	}
	return fmt.Sprint(v), true, nil
}

// ViewLane returns the canonical lane recorded in a work package's task file.
func ViewLane(featureDir, wpID string) (domain.Lane, bool, error) {
	path, ok, err := FindTaskFile(featureDir, wpID)
	if err != nil || !ok {
		return "", false, err
	}
	raw, ok, err := ReadLane(path)
	if err != nil || !ok {
		return "", false, err
	}
	l, err := transitions.ParseLane(raw)
	if err != nil {
		return "", false, fmt.Errorf("%s: %w", path, err)
	}
	return l, true, nil
}

// SetLane rewrites only the top-level lane line of the frontmatter, keeping
// its quote style. The line is appended to the frontmatter when absent, and a
// frontmatter block is added when the file has none.
func SetLane(data []byte, lane domain.Lane) ([]byte, bool) {
	text := string(data)
	block, start, end, ok := splitFrontmatter(text)
	if !ok {
		return []byte(fmt.Sprintf("---\nlane: %q\n---\n", lane) + text), true
	}
	lines := strings.SplitAfter(block, "\n")
	for i, ln := range lines {
		m := laneLine.FindStringSubmatch(ln)
		if m == nil {
			continue
		}
		value, eol := m[1], m[2]
		current, quote, comment := splitScalar(value)
		if domain.Lane(transitions.ResolveLaneAlias(current)) == lane {
			return data, false
		}
		lines[i] = "lane: " + quote + string(lane) + quote + comment + eol
		return []byte(text[:start] + strings.Join(lines, "") + text[end:]), true
	}
	eol := "\n"
	if strings.HasSuffix(block, "\r\n") {
		eol = "\r\n"
	}
	insert := fmt.Sprintf("lane: %q%s", lane, eol)
	if block != "" && !strings.HasSuffix(block, "\n") {
		insert = eol + insert
	}
	return []byte(text[:end] + insert + text[end:]), true
}

func splitScalar(value string) (current, quote, comment string) {
	if value != "" && (value[0] == '"' || value[0] == '\'') {
		q := value[:1]
		if idx := strings.Index(value[1:], q); idx >= 0 {
			return value[1 : idx+1], q, value[idx+2:]
		}
		return strings.Trim(value, q), q, ""
	}
	if idx := strings.Index(value, " #"); idx >= 0 {
		return strings.TrimSpace(value[:idx]), "", value[idx:]
	}
	return value, "", ""
}

// UpdateViews regenerates the lane field of every task file named in the
// snapshot. Phase 0 is a no-op. Missing task files are logged and listed;
// write failures are returned.
func UpdateViews(featureDir string, snap domain.Snapshot, p phase.Phase, log *slog.Logger) (Result, error) {
	if log == nil {
		log = slog.Default()
	}
	res := Result{Updated: []string{}, Unchanged: []string{}, Missing: []string{}}
	if !p.WritesViews() {
		return res, nil
	}
	for _, wpID := range sortedWPs(snap) {
		state := snap.WorkPackages[wpID]
		path, ok, err := FindTaskFile(featureDir, wpID)
		if err != nil {
			return res, fmt.Errorf("locate view for %s: %w", wpID, err)
		}
		if !ok {
			log.Warn("no task file for work package; view not updated", "wp_id", wpID, "feature_dir", featureDir)
			res.Missing = append(res.Missing, wpID)
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			return res, fmt.Errorf("update view for %s: %w", wpID, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return res, fmt.Errorf("update view for %s: %w", wpID, err)
		}
		out, changed := SetLane(data, state.Lane)
		if !changed {
			res.Unchanged = append(res.Unchanged, wpID)
			continue
		}
		if err := fsutil.WriteFileAtomic(path, out, info.Mode().Perm()); err != nil {
			return res, fmt.Errorf("update view for %s: %w", wpID, err)
		}
		log.Debug("view updated", "wp_id", wpID, "lane", state.Lane, "path", path)
		res.Updated = append(res.Updated, wpID)
	}
	return res, nil
}

// CheckDrift compares each task file's lane with the snapshot after alias
// resolution. Work packages without a task file are not drift.
func CheckDrift(featureDir string, snap domain.Snapshot) ([]Drift, error) {
	var out []Drift
	for _, wpID := range sortedWPs(snap) {
		canonical := snap.WorkPackages[wpID].Lane
		path, ok, err := FindTaskFile(featureDir, wpID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		raw, _, err := ReadLane(path)
		if err != nil {
			return nil, err
		}
		if domain.Lane(transitions.ResolveLaneAlias(raw)) != canonical {
			out = append(out, Drift{WPID: wpID, Path: path, ViewLane: raw, CanonicalLane: canonical})
		}
	}
	return out, nil
}

func sortedWPs(snap domain.Snapshot) []string {
	ids := make([]string, 0, len(snap.WorkPackages))
	for id := range snap.WorkPackages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
