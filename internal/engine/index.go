package engine

import (
	"context"
	"errors"

	"statusline/internal/domain"
	"statusline/internal/reducer"
	"statusline/internal/repo"
)

// IndexStatus compares what the query index mirrors for a feature with the
// head of its event log.
type IndexStatus struct {
	Feature        string              `json:"feature"`
	Indexed        bool                `json:"indexed"`
	State          *repo.IndexState    `json:"state"`
	Lanes          map[domain.Lane]int `json:"lanes"`
	LogEventCount  int                 `json:"log_event_count"`
	LogLastEventID *string             `json:"log_last_event_id"`
	Stale          bool                `json:"stale"`
}

// IndexStatus reports whether the index is in sync with the event log.
func (e Engine) IndexStatus(ctx context.Context, feature string) (IndexStatus, error) {
	if e.Index == nil {
		return IndexStatus{}, ErrNoIndex
	}
	evts, err := e.Events(ctx, feature)
	if err != nil {
		return IndexStatus{}, err
	}
	return e.indexStatus(ctx, feature, evts)
}

func (e Engine) indexStatus(ctx context.Context, feature string, evts []domain.StatusEvent) (IndexStatus, error) {
	ordered := reducer.Normalize(evts)
	st := IndexStatus{Feature: feature, LogEventCount: len(ordered)}
	if n := len(ordered); n > 0 {
		st.LogLastEventID = domain.StringPtr(ordered[n-1].EventID)
	}
	state, err := e.Index.GetIndexState(ctx, feature)
	if errors.Is(err, repo.ErrNotFound) {
		st.Stale = st.LogEventCount > 0
		return st, nil
	}
	if err != nil {
		return st, err
	}
	st.Indexed = true
	st.State = &state
	st.Stale = state.EventCount != st.LogEventCount || !sameID(state.LastEventID, st.LogLastEventID)
	st.Lanes, err = e.Index.CountByLane(ctx, feature)
	return st, err
}

func sameID(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// IndexedFeatures lists the features the query index holds rows for.
func (e Engine) IndexedFeatures(ctx context.Context) ([]string, error) {
	if e.Index == nil {
		return nil, ErrNoIndex
	}
	return e.Index.ListFeatures(ctx)
}

// WorkPackage returns the current state of one work package. The query
// index answers when it is in sync with the event log; otherwise the log is
// reduced. A work package without events is repo.ErrNotFound.
func (e Engine) WorkPackage(ctx context.Context, feature, wpID string) (domain.WPState, error) {
	evts, err := e.Events(ctx, feature)
	if err != nil {
		return domain.WPState{}, err
	}
	if e.Index != nil {
		st, err := e.indexStatus(ctx, feature, evts)
		switch {
		case err != nil:
			e.logger().Warn("query index unreadable; reading the event log", "feature", feature, "error", err)
		case st.Indexed && !st.Stale:
			return e.Index.GetWorkPackage(ctx, feature, wpID)
		default:
			e.logger().Debug("query index stale; reading the event log", "feature", feature)
		}
	}
	snap := reducer.Reduce(feature, evts, e.ReducerOptions())
	wp, ok := snap.WorkPackages[wpID]
	if !ok {
		return domain.WPState{}, repo.ErrNotFound
	}
	return wp, nil
}
