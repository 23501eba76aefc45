package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"statusline/internal/config"
	"statusline/internal/gitutil"
)

// Phase controls how authoritative the event log is relative to the legacy views.
type Phase int

const (
	Hardening   Phase = 0
	DualWrite   Phase = 1
	ReadCutover Phase = 2
)

const (
	Default        = DualWrite
	MaxLegacyPhase = ReadCutover
)

const (
	SourceFeature = "per-feature override"
	SourceGlobal  = "global config"
	SourceDefault = "built-in default"
	cappedSuffix  = " (capped)"
)

// MetaFile holds per-feature metadata, including the status_phase override.
const MetaFile = "meta.json"

var ErrInvalidPhase = errors.New("invalid phase")

func (p Phase) Valid() bool { return p >= Hardening && p <= ReadCutover }

func (p Phase) String() string {
	switch p {
	case Hardening:
		return "0 (hardening)"
	case DualWrite:
		return "1 (dual-write)"
	case ReadCutover:
		return "2 (read-cutover)"
	}
	return fmt.Sprintf("%d (invalid)", int(p))
}

// WritesEvents reports whether transitions are appended to the event log.
func (p Phase) WritesEvents() bool { return p >= DualWrite }

// WritesViews reports whether legacy views are regenerated.
func (p Phase) WritesViews() bool { return p >= DualWrite }

// DriftIsError reports whether view drift blocks rather than warns.
func (p Phase) DriftIsError() bool { return p >= ReadCutover }

// Parse accepts 0, 1 or 2.
func Parse(s string) (Phase, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w %q: not an integer", ErrInvalidPhase, s)
	}
	p := Phase(n)
	if !p.Valid() {
		return 0, fmt.Errorf("%w %d: must be 0, 1 or 2", ErrInvalidPhase, n)
	}
	return p, nil
}

// BranchFunc returns the current branch of the repository at root.
type BranchFunc func(ctx context.Context, root string) (string, error)

type Inputs struct {
	Root       string
	FeatureDir string
	Config     *config.Config
	Branch     BranchFunc
	Logger     *slog.Logger
}

type Result struct {
	Phase  Phase  `json:"phase"`
	Source string `json:"source"`
}

// Resolve walks the per-feature override, the global config and the
// built-in default, then applies the legacy-branch cap. Invalid values are
// logged and skipped.
func Resolve(ctx context.Context, in Inputs) (Result, error) {
	log := in.Logger
	if log == nil {
		log = slog.Default()
	}

	res, err := resolveTiers(in, log)
	if err != nil {
		return Result{}, err
	}

	if in.Config == nil || len(in.Config.Status.LegacyBranches) == 0 {
		return res, nil
	}
	branchFn := in.Branch
	if branchFn == nil {
		branchFn = gitutil.CurrentBranch
	}
	branch, err := branchFn(ctx, in.Root)
	if err != nil {
		log.Debug("branch lookup failed; treating as not legacy", "error", err)
		return res, nil
	}
	// Phases never exceed MaxLegacyPhase today, so the cap only bites once a
	// later phase exists.
	if in.Config.IsLegacyBranch(branch) && res.Phase > MaxLegacyPhase {
		res.Phase = MaxLegacyPhase
		res.Source += cappedSuffix
	}
	return res, nil
}

func resolveTiers(in Inputs, log *slog.Logger) (Result, error) {
	if in.FeatureDir != "" {
		raw, ok, err := readMetaPhase(filepath.Join(in.FeatureDir, MetaFile))
		if err != nil {
			return Result{}, err
		}
		if ok {
			p, perr := Parse(raw)
			if perr == nil {
				return Result{Phase: p, Source: SourceFeature}, nil
			}
			log.Warn("ignoring per-feature status_phase", "feature_dir", in.FeatureDir, "error", perr)
		}
	}
	if raw, ok := in.Config.PhaseValue(); ok {
		p, perr := Parse(raw)
		if perr == nil {
			return Result{Phase: p, Source: SourceGlobal}, nil
		}
		log.Warn("ignoring global status.phase", "error", perr)
	}
	return Result{Phase: Default, Source: SourceDefault}, nil
}

// readMetaPhase returns the raw status_phase value from meta.json. A missing
// file or key is reported as absent; unreadable JSON is logged by the caller
// as an invalid value.
func readMetaPhase(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s: %w", path, err)
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Sprintf("<unparseable %s>", MetaFile), true, nil
	}
	raw, ok := meta["status_phase"]
	if !ok || string(raw) == "null" {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true, nil
	}
	return string(raw), true, nil
}
