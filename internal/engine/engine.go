package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"statusline/internal/config"
	"statusline/internal/domain"
	"statusline/internal/events"
	"statusline/internal/legacy"
	"statusline/internal/notify"
	"statusline/internal/phase"
	"statusline/internal/reducer"
	"statusline/internal/repo"
	"statusline/internal/telemetry"
	"statusline/internal/transitions"
)

// TimeFormat has a fixed width so event timestamps sort lexicographically.
const TimeFormat = "2006-01-02T15:04:05.000000Z07:00"

var (
	ErrUnknownFeature = errors.New("unknown feature")
	ErrInvalidRequest = errors.New("invalid request")
	ErrDrift          = errors.New("legacy views drifted from the event log")
	ErrNoIndex        = errors.New("query index not configured")
)

// Engine is the single entry point for status changes in one repository.
type Engine struct {
	Root     string
	Config   *config.Config
	Notifier notify.Notifier
	Index    *repo.Repo
	Logger   *slog.Logger
	Metrics  telemetry.Instruments
	Branch   phase.BranchFunc
	Now      func() time.Time
}

// New returns an engine with webhook notification from cfg and no query index.
func New(root string, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = &config.Config{}
	}
	return Engine{
		Root:     root,
		Config:   cfg,
		Notifier: notify.NewWebhooks(cfg, slog.Default()),
		Logger:   slog.Default(),
		Metrics:  telemetry.NewInstruments(nil),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// ReducerOptions carries the configured lane priorities and the engine clock.
func (e Engine) ReducerOptions() reducer.Options {
	return reducer.Options{Priority: e.Config.PriorityTable(), Now: e.now}
}

func count(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// FeatureDir returns the directory of an existing feature.
func (e Engine) FeatureDir(feature string) (string, error) {
	f := strings.TrimSpace(feature)
	if f == "" || f == "." || f == ".." || strings.ContainsAny(f, `/\`) {
		return "", fmt.Errorf("%w: feature %q", ErrInvalidRequest, feature)
	}
	dir := filepath.Join(e.Root, config.SpecsDir, f)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrUnknownFeature, f)
		}
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrUnknownFeature, f)
	}
	return dir, nil
}

// Features lists the feature directories under kitty-specs.
func (e Engine) Features() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(e.Root, config.SpecsDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	out := []string{}
	for _, ent := range entries {
		if ent.IsDir() && !strings.HasPrefix(ent.Name(), ".") {
			out = append(out, ent.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// ResolvePhase resolves the active phase of a feature.
func (e Engine) ResolvePhase(ctx context.Context, feature string) (phase.Result, error) {
	dir, err := e.FeatureDir(feature)
	if err != nil {
		return phase.Result{}, err
	}
	return e.resolvePhase(ctx, dir)
}

func (e Engine) resolvePhase(ctx context.Context, featureDir string) (phase.Result, error) {
	return phase.Resolve(ctx, phase.Inputs{
		Root:       e.Root,
		FeatureDir: featureDir,
		Config:     e.Config,
		Branch:     e.Branch,
		Logger:     e.logger(),
	})
}

// EmitOptions describe one requested transition. ToLane may be an alias.
type EmitOptions struct {
	Feature       string
	WPID          string
	ToLane        string
	Actor         string
	Force         bool
	Reason        string
	ReviewRef     string
	Evidence      *domain.DoneEvidence
	ExecutionMode domain.ExecutionMode
}

// Emit validates and records a transition, then refreshes the snapshot, the
// legacy views, the query index and the notifier. Validation failures have
// no side effects. Once the event is appended it is returned even when a
// later step fails; re-running Materialize repairs the derived files.
//
// In phase 0 the transition is validated and returned but not recorded.
func (e Engine) Emit(ctx context.Context, opts EmitOptions) (domain.StatusEvent, error) {
	featureDir, err := e.FeatureDir(opts.Feature)
	if err != nil {
		return domain.StatusEvent{}, err
	}
	wpID := strings.TrimSpace(opts.WPID)
	if wpID == "" {
		return domain.StatusEvent{}, fmt.Errorf("%w: wp_id is required", ErrInvalidRequest)
	}
	mode := opts.ExecutionMode
	if mode == "" {
		mode = domain.ModeWorktree
	}
	if !mode.Valid() {
		return domain.StatusEvent{}, fmt.Errorf("%w: execution_mode %q", ErrInvalidRequest, mode)
	}

	ph, err := e.resolvePhase(ctx, featureDir)
	if err != nil {
		return domain.StatusEvent{}, err
	}
	log := e.logger().With("feature", opts.Feature, "wp_id", wpID, "phase", int(ph.Phase))

	store := events.NewStore(featureDir)
	existing, err := store.ReadTyped()
	if err != nil {
		return domain.StatusEvent{}, err
	}
	from, err := e.deriveFromLane(featureDir, wpID, existing, ph.Phase)
	if err != nil {
		return domain.StatusEvent{}, err
	}

	req := transitions.Request{
		From:      string(from),
		To:        opts.ToLane,
		Force:     opts.Force,
		Actor:     opts.Actor,
		Reason:    opts.Reason,
		ReviewRef: opts.ReviewRef,
		Evidence:  opts.Evidence,
	}
	if err := transitions.ValidateTransition(req); err != nil {
		count(ctx, e.Metrics.Rejected, attribute.String("from_lane", string(from)))
		return domain.StatusEvent{}, err
	}
	to, err := transitions.ParseLane(opts.ToLane)
	if err != nil {
		return domain.StatusEvent{}, err
	}

	now := e.now()
	evt := domain.StatusEvent{
		Actor:         strings.TrimSpace(opts.Actor),
		At:            now.UTC().Format(TimeFormat),
		EventID:       events.NewEventID(now),
		Evidence:      opts.Evidence,
		ExecutionMode: mode,
		FeatureSlug:   opts.Feature,
		Force:         opts.Force,
		FromLane:      from,
		Reason:        domain.StringPtr(strings.TrimSpace(opts.Reason)),
		ReviewRef:     domain.StringPtr(strings.TrimSpace(opts.ReviewRef)),
		ToLane:        to,
		WPID:          wpID,
	}
	if err := evt.Validate(); err != nil {
		return domain.StatusEvent{}, err
	}

	if !ph.Phase.WritesEvents() {
		log.Info("transition validated; phase 0 does not record events", "from_lane", from, "to_lane", to)
		return evt, nil
	}

	if err := store.Append(evt); err != nil {
		return domain.StatusEvent{}, fmt.Errorf("append event: %w", err)
	}
	count(ctx, e.Metrics.Emitted, attribute.String("to_lane", string(to)))
	if evt.Force {
		count(ctx, e.Metrics.Forced)
		log.Warn("forced transition recorded", "from_lane", from, "to_lane", to, "actor", evt.Actor, "reason", evt.ReasonText())
	}

	snap, err := reducer.Materialize(featureDir, opts.Feature, e.ReducerOptions())
	if err != nil {
		return evt, fmt.Errorf("event %s recorded; materialize failed: %w", evt.EventID, err)
	}
	if _, err := legacy.UpdateViews(featureDir, snap, ph.Phase, log); err != nil {
		return evt, fmt.Errorf("event %s recorded; %w", evt.EventID, err)
	}
	e.indexEvent(ctx, evt, snap)

	if e.Notifier != nil {
		if err := e.Notifier.Notify(ctx, evt); err != nil {
			count(ctx, e.Metrics.NotifyFailures)
			log.Warn("notify failed", "event_id", evt.EventID, "error", err)
		}
	}
	log.Debug("transition recorded", "event_id", evt.EventID, "from_lane", from, "to_lane", to)
	return evt, nil
}

// deriveFromLane returns the current lane of a work package, or planned when
// it has never moved. Phase 0 trusts the legacy view first.
func (e Engine) deriveFromLane(featureDir, wpID string, existing []domain.StatusEvent, p phase.Phase) (domain.Lane, error) {
	if p == phase.Hardening {
		l, ok, err := legacy.ViewLane(featureDir, wpID)
		if err != nil {
			return "", err
		}
		if ok {
			return l, nil
		}
	}
	var mine []domain.StatusEvent
	for _, evt := range existing {
		if evt.WPID == wpID {
			mine = append(mine, evt)
		}
	}
	if len(mine) > 0 {
		snap := reducer.Reduce("", mine, e.ReducerOptions())
		if l, ok := snap.Lane(wpID); ok {
			return l, nil
		}
	}
	return domain.LanePlanned, nil
}

func (e Engine) indexEvent(ctx context.Context, evt domain.StatusEvent, snap domain.Snapshot) {
	if e.Index == nil {
		return
	}
	if _, err := e.Index.InsertEvent(ctx, evt); err != nil {
		e.logger().Warn("query index update failed; run sl index rebuild", "event_id", evt.EventID, "error", err)
		return
	}
	if err := e.Index.ReplaceSnapshot(ctx, snap); err != nil {
		e.logger().Warn("query index update failed; run sl index rebuild", "feature", snap.FeatureSlug, "error", err)
	}
}

// MaterializeResult reports a full regeneration of the derived files.
type MaterializeResult struct {
	Snapshot domain.Snapshot `json:"snapshot"`
	Phase    phase.Result    `json:"phase"`
	Views    legacy.Result   `json:"views"`
}

// Materialize rewrites status.json and, when the phase allows, the legacy
// views from the event log.
func (e Engine) Materialize(ctx context.Context, feature string) (MaterializeResult, error) {
	dir, err := e.FeatureDir(feature)
	if err != nil {
		return MaterializeResult{}, err
	}
	ph, err := e.resolvePhase(ctx, dir)
	if err != nil {
		return MaterializeResult{}, err
	}
	snap, err := reducer.Materialize(dir, feature, e.ReducerOptions())
	if err != nil {
		return MaterializeResult{}, err
	}
	views, err := legacy.UpdateViews(dir, snap, ph.Phase, e.logger())
	if err != nil {
		return MaterializeResult{Snapshot: snap, Phase: ph, Views: views}, err
	}
	if e.Index != nil {
		if err := e.Index.ReplaceSnapshot(ctx, snap); err != nil {
			e.logger().Warn("query index update failed; run sl index rebuild", "feature", feature, "error", err)
		}
	}
	return MaterializeResult{Snapshot: snap, Phase: ph, Views: views}, nil
}

// Events returns the typed event log of a feature in file order.
func (e Engine) Events(ctx context.Context, feature string) ([]domain.StatusEvent, error) {
	dir, err := e.FeatureDir(feature)
	if err != nil {
		return nil, err
	}
	evts, err := events.NewStore(dir).ReadTyped()
	if err != nil {
		return nil, err
	}
	if evts == nil {
		evts = []domain.StatusEvent{}
	}
	return evts, nil
}

// Status reduces the event log without writing anything.
func (e Engine) Status(ctx context.Context, feature string) (domain.Snapshot, error) {
	evts, err := e.Events(ctx, feature)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return reducer.Reduce(feature, evts, e.ReducerOptions()), nil
}

// History returns the ordered events of one work package.
func (e Engine) History(ctx context.Context, feature, wpID string) ([]domain.StatusEvent, error) {
	evts, err := e.Events(ctx, feature)
	if err != nil {
		return nil, err
	}
	return reducer.History(evts, wpID), nil
}

// Report is the outcome of Validate.
type Report struct {
	Feature    string         `json:"feature"`
	Phase      phase.Result   `json:"phase"`
	EventCount int            `json:"event_count"`
	Drift      []legacy.Drift `json:"drift"`
	Illegal    []string       `json:"illegal"`
}

// OK reports whether nothing needs attention.
func (r Report) OK() bool { return len(r.Drift) == 0 && len(r.Illegal) == 0 }

// Validate checks the event log and compares the legacy views with it.
// Drift is an error from phase 2 on; earlier phases only report it.
func (e Engine) Validate(ctx context.Context, feature string) (Report, error) {
	dir, err := e.FeatureDir(feature)
	if err != nil {
		return Report{}, err
	}
	ph, err := e.resolvePhase(ctx, dir)
	if err != nil {
		return Report{}, err
	}
	evts, err := events.NewStore(dir).ReadTyped()
	if err != nil {
		return Report{}, err
	}
	rep := Report{Feature: feature, Phase: ph, Drift: []legacy.Drift{}, Illegal: []string{}}
	ordered := reducer.Normalize(evts)
	rep.EventCount = len(ordered)
	for _, evt := range ordered {
		if evt.Force {
			continue
		}
		if !transitions.IsAllowed(evt.FromLane, evt.ToLane) {
			rep.Illegal = append(rep.Illegal, fmt.Sprintf("%s %s: %s -> %s without force", evt.EventID, evt.WPID, evt.FromLane, evt.ToLane))
		}
	}
	if ph.Phase == phase.Hardening {
		return rep, nil
	}
	snap := reducer.Reduce(feature, evts, e.ReducerOptions())
	drift, err := legacy.CheckDrift(dir, snap)
	if err != nil {
		return rep, err
	}
	if drift != nil {
		rep.Drift = drift
	}
	for _, d := range drift {
		if ph.Phase.DriftIsError() {
			e.logger().Error("view drift", "feature", feature, "detail", d.String())
		} else {
			e.logger().Warn("view drift", "feature", feature, "detail", d.String())
		}
	}
	if len(drift) > 0 && ph.Phase.DriftIsError() {
		return rep, fmt.Errorf("%w: %d work package(s)", ErrDrift, len(drift))
	}
	return rep, nil
}

// SyncIndex rebuilds the query index of a feature from its event log and
// returns the number of indexed events.
func (e Engine) SyncIndex(ctx context.Context, feature string) (int, error) {
	if e.Index == nil {
		return 0, ErrNoIndex
	}
	evts, err := e.Events(ctx, feature)
	if err != nil {
		return 0, err
	}
	snap := reducer.Reduce(feature, evts, e.ReducerOptions())
	tx, err := e.Index.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := e.Index.DeleteFeatureTx(ctx, tx, feature); err != nil {
		return 0, err
	}
	n := 0
	for _, evt := range evts {
		ok, err := e.Index.InsertEventTx(ctx, tx, evt)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	if err := e.Index.ReplaceSnapshotTx(ctx, tx, snap); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}
