package reducer

import (
	"sort"
	"time"

	"statusline/internal/domain"
	"statusline/internal/transitions"
)

// Options tune a reduction. Zero values use DefaultPriority and time.Now.
type Options struct {
	Priority transitions.Priority
	Now      func() time.Time
}

func (o Options) priority() transitions.Priority {
	if o.Priority != nil {
		return o.Priority
	}
	return transitions.DefaultPriority
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Dedupe drops repeated event IDs, keeping the first occurrence in input order.
func Dedupe(evts []domain.StatusEvent) []domain.StatusEvent {
	seen := make(map[string]bool, len(evts))
	out := make([]domain.StatusEvent, 0, len(evts))
	for _, e := range evts {
		if seen[e.EventID] {
			continue
		}
		seen[e.EventID] = true
		out = append(out, e)
	}
	return out
}

// SortEvents orders events by (at, event_id) in place.
func SortEvents(evts []domain.StatusEvent) {
	sort.SliceStable(evts, func(i, j int) bool {
		return Less(evts[i], evts[j])
	})
}

func Less(a, b domain.StatusEvent) bool {
	if a.At != b.At {
		return a.At < b.At
	}
	return a.EventID < b.EventID
}

// Normalize dedupes then sorts a copy of evts.
func Normalize(evts []domain.StatusEvent) []domain.StatusEvent {
	out := Dedupe(evts)
	SortEvents(out)
	return out
}

// ResolveConcurrent picks the winner between the event that produced the
// current state and an incoming event leaving the same lane. incoming is
// assumed to sort after current; ties go to incoming.
func ResolveConcurrent(current, incoming domain.StatusEvent, p transitions.Priority) domain.StatusEvent {
	if p == nil {
		p = transitions.DefaultPriority
	}
	cr, ir := current.IsRollback(), incoming.IsRollback()
	switch {
	case cr && !ir:
		return current
	case ir && !cr:
		return incoming
	case cr && ir:
		if p.Of(current.ToLane) < p.Of(incoming.ToLane) {
			return current
		}
		return incoming
	}
	if p.Of(current.ToLane) > p.Of(incoming.ToLane) {
		return current
	}
	return incoming
}

// Reduce folds an unordered, possibly duplicated event list into a snapshot.
func Reduce(feature string, evts []domain.StatusEvent, opts Options) domain.Snapshot {
	prio := opts.priority()
	ordered := Normalize(evts)

	winners := map[string]domain.StatusEvent{}
	forced := map[string]int{}
	for _, e := range ordered {
		if e.Force {
			forced[e.WPID]++
		}
		cur, ok := winners[e.WPID]
		if !ok || cur.FromLane != e.FromLane {
			winners[e.WPID] = e
			continue
		}
		winners[e.WPID] = ResolveConcurrent(cur, e, prio)
	}

	snap := domain.Snapshot{
		EventCount:     len(ordered),
		FeatureSlug:    feature,
		MaterializedAt: opts.now().UTC().Format(time.RFC3339),
		Summary:        make(map[domain.Lane]int, len(domain.AllLanes())),
		WorkPackages:   make(map[string]domain.WPState, len(winners)),
	}
	for _, l := range domain.AllLanes() {
		snap.Summary[l] = 0
	}
	if len(ordered) > 0 {
		snap.LastEventID = domain.StringPtr(ordered[len(ordered)-1].EventID)
	}
	for wp, e := range winners {
		snap.WorkPackages[wp] = domain.WPState{
			Actor:            e.Actor,
			ForceCount:       forced[wp],
			Lane:             e.ToLane,
			LastEventID:      e.EventID,
			LastTransitionAt: e.At,
		}
		snap.Summary[e.ToLane]++
	}
	return snap
}

// CurrentLane returns the reduced lane of one work package. The bool is false
// when the work package has no events.
func CurrentLane(evts []domain.StatusEvent, wpID string) (domain.Lane, bool) {
	var mine []domain.StatusEvent
	for _, e := range evts {
		if e.WPID == wpID {
			mine = append(mine, e)
		}
	}
	if len(mine) == 0 {
		return "", false
	}
	snap := Reduce("", mine, Options{})
	return snap.Lane(wpID)
}

// History returns the deduplicated, ordered events of one work package.
func History(evts []domain.StatusEvent, wpID string) []domain.StatusEvent {
	out := []domain.StatusEvent{}
	for _, e := range Normalize(evts) {
		if e.WPID == wpID {
			out = append(out, e)
		}
	}
	return out
}
