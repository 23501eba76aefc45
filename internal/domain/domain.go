package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Lane is a canonical work-package lifecycle state.
type Lane string

const (
	LanePlanned    Lane = "planned"
	LaneClaimed    Lane = "claimed"
	LaneInProgress Lane = "in_progress"
	LaneForReview  Lane = "for_review"
	LaneDone       Lane = "done"
	LaneBlocked    Lane = "blocked"
	LaneCanceled   Lane = "canceled"
)

// AllLanes returns the canonical lanes in lifecycle order.
func AllLanes() []Lane {
	return []Lane{LanePlanned, LaneClaimed, LaneInProgress, LaneForReview, LaneDone, LaneBlocked, LaneCanceled}
}

func (l Lane) Valid() bool {
	switch l {
	case LanePlanned, LaneClaimed, LaneInProgress, LaneForReview, LaneDone, LaneBlocked, LaneCanceled:
		return true
	}
	return false
}

// Terminal reports whether no further normal transitions leave the lane.
func (l Lane) Terminal() bool {
	return l == LaneDone || l == LaneCanceled
}

func (l Lane) String() string { return string(l) }

type ExecutionMode string

const (
	ModeWorktree   ExecutionMode = "worktree"
	ModeDirectRepo ExecutionMode = "direct_repo"
)

func (m ExecutionMode) Valid() bool {
	return m == ModeWorktree || m == ModeDirectRepo
}

type ReviewApproval struct {
	Reference string `json:"reference,omitempty"`
	Reviewer  string `json:"reviewer"`
	Verdict   string `json:"verdict"`
}

type RepoEvidence struct {
	Branch string   `json:"branch,omitempty"`
	Commit string   `json:"commit,omitempty"`
	Files  []string `json:"files,omitempty"`
	Repo   string   `json:"repo"`
}

type VerificationResult struct {
	Command string `json:"command"`
	Result  string `json:"result"`
	Summary string `json:"summary,omitempty"`
}

// DoneEvidence is attached to transitions into done.
type DoneEvidence struct {
	Repos        []RepoEvidence       `json:"repos,omitempty"`
	Review       ReviewApproval       `json:"review"`
	Verification []VerificationResult `json:"verification,omitempty"`
}

// StatusEvent is one immutable lane transition. Field order follows the
// alphabetical order of the JSON keys.
type StatusEvent struct {
	Actor         string        `json:"actor"`
	At            string        `json:"at" format:"date-time"`
	EventID       string        `json:"event_id"`
	Evidence      *DoneEvidence `json:"evidence"`
	ExecutionMode ExecutionMode `json:"execution_mode" enum:"worktree,direct_repo"`
	FeatureSlug   string        `json:"feature_slug"`
	Force         bool          `json:"force"`
	FromLane      Lane          `json:"from_lane" enum:"planned,claimed,in_progress,for_review,done,blocked,canceled"`
	Reason        *string       `json:"reason"`
	ReviewRef     *string       `json:"review_ref"`
	ToLane        Lane          `json:"to_lane" enum:"planned,claimed,in_progress,for_review,done,blocked,canceled"`
	WPID          string        `json:"wp_id"`
}

// IsRollback reports a reviewer rejection: for_review -> in_progress with a review reference.
func (e StatusEvent) IsRollback() bool {
	return e.FromLane == LaneForReview && e.ToLane == LaneInProgress && e.ReviewRef != nil
}

func (e StatusEvent) ReasonText() string {
	if e.Reason == nil {
		return ""
	}
	return *e.Reason
}

var ErrInvalidEvent = errors.New("invalid status event")

// Validate checks the record-level invariants of an event.
func (e StatusEvent) Validate() error {
	switch {
	case len(e.EventID) != 26:
		return fmt.Errorf("%w: event_id %q must be 26 characters", ErrInvalidEvent, e.EventID)
	case strings.TrimSpace(e.FeatureSlug) == "":
		return fmt.Errorf("%w: feature_slug required", ErrInvalidEvent)
	case strings.TrimSpace(e.WPID) == "":
		return fmt.Errorf("%w: wp_id required", ErrInvalidEvent)
	case !e.FromLane.Valid():
		return fmt.Errorf("%w: from_lane %q is not a canonical lane", ErrInvalidEvent, e.FromLane)
	case !e.ToLane.Valid():
		return fmt.Errorf("%w: to_lane %q is not a canonical lane", ErrInvalidEvent, e.ToLane)
	case e.At == "":
		return fmt.Errorf("%w: at required", ErrInvalidEvent)
	case !e.ExecutionMode.Valid():
		return fmt.Errorf("%w: execution_mode %q", ErrInvalidEvent, e.ExecutionMode)
	}
	if e.Force && (strings.TrimSpace(e.Actor) == "" || strings.TrimSpace(e.ReasonText()) == "") {
		return fmt.Errorf("%w: forced event %s requires actor and reason", ErrInvalidEvent, e.EventID)
	}
	return nil
}

// WPState is the derived current state of one work package.
type WPState struct {
	Actor            string `json:"actor"`
	ForceCount       int    `json:"force_count"`
	Lane             Lane   `json:"lane"`
	LastEventID      string `json:"last_event_id"`
	LastTransitionAt string `json:"last_transition_at" format:"date-time"`
}

// Snapshot is the reduced projection of a feature's event log.
type Snapshot struct {
	EventCount     int                `json:"event_count"`
	FeatureSlug    string             `json:"feature_slug"`
	LastEventID    *string            `json:"last_event_id"`
	MaterializedAt string             `json:"materialized_at" format:"date-time"`
	Summary        map[Lane]int       `json:"summary"`
	WorkPackages   map[string]WPState `json:"work_packages"`
}

// Lane returns the lane of a work package, if known.
func (s Snapshot) Lane(wpID string) (Lane, bool) {
	st, ok := s.WorkPackages[wpID]
	if !ok {
		return "", false
	}
	return st.Lane, true
}

func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
