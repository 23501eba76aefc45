package transitions

import (
	"errors"
	"fmt"
	"strings"

	"statusline/internal/domain"
)

var (
	ErrIllegalTransition  = errors.New("illegal transition")
	ErrForceJustification = errors.New("forced transition requires actor and reason")
	ErrGuardFailed        = errors.New("transition guard failed")
	ErrUnknownLane        = errors.New("unknown lane")
)

// TransitionError is the typed rejection returned by ValidateTransition.
type TransitionError struct {
	From   string
	To     string
	Reason string
	Err    error
}

func (e *TransitionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%v: %s -> %s", e.Err, e.From, e.To)
	}
	return fmt.Sprintf("%v: %s -> %s: %s", e.Err, e.From, e.To, e.Reason)
}

func (e *TransitionError) Unwrap() error { return e.Err }

type pair struct {
	from domain.Lane
	to   domain.Lane
}

type guard func(Request) string

var allowed = []pair{
	{domain.LanePlanned, domain.LaneClaimed},
	{domain.LaneClaimed, domain.LaneInProgress},
	{domain.LaneInProgress, domain.LaneForReview},
	{domain.LaneForReview, domain.LaneDone},
	{domain.LaneForReview, domain.LaneInProgress},
	{domain.LaneInProgress, domain.LanePlanned},
	{domain.LanePlanned, domain.LaneBlocked},
	{domain.LaneClaimed, domain.LaneBlocked},
	{domain.LaneInProgress, domain.LaneBlocked},
	{domain.LaneForReview, domain.LaneBlocked},
	{domain.LaneBlocked, domain.LaneInProgress},
	{domain.LanePlanned, domain.LaneCanceled},
	{domain.LaneClaimed, domain.LaneCanceled},
	{domain.LaneInProgress, domain.LaneCanceled},
	{domain.LaneForReview, domain.LaneCanceled},
	{domain.LaneBlocked, domain.LaneCanceled},
}

var allowedSet = func() map[pair]bool {
	m := make(map[pair]bool, len(allowed))
	for _, p := range allowed {
		m[p] = true
	}
	return m
}()

var guards = map[pair]guard{
	{domain.LanePlanned, domain.LaneClaimed}: func(r Request) string {
		if strings.TrimSpace(r.Actor) == "" {
			return "claiming requires an actor"
		}
		return ""
	},
	// Subtask completeness is checked by callers before entering review.
	{domain.LaneInProgress, domain.LaneForReview}: func(Request) string { return "" },
	{domain.LaneForReview, domain.LaneInProgress}: func(r Request) string {
		if strings.TrimSpace(r.ReviewRef) == "" {
			return "returning work from review requires review_ref"
		}
		return ""
	},
	// A justified force may complete without review evidence.
	{domain.LaneForReview, domain.LaneDone}: func(r Request) string {
		if r.Force {
			return ""
		}
		if r.Evidence == nil {
			return "done requires evidence with a review"
		}
		if strings.TrimSpace(r.Evidence.Review.Reviewer) == "" {
			return "done requires evidence.review.reviewer"
		}
		if strings.TrimSpace(r.Evidence.Review.Verdict) == "" {
			return "done requires evidence.review.verdict"
		}
		return ""
	},
}

// Request describes a proposed transition. Lanes may be aliases.
type Request struct {
	From      string
	To        string
	Force     bool
	Actor     string
	Reason    string
	ReviewRef string
	Evidence  *domain.DoneEvidence
}

// ResolveLaneAlias normalizes a lane string and maps legacy aliases.
func ResolveLaneAlias(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "doing" {
		return string(domain.LaneInProgress)
	}
	return v
}

// ParseLane resolves aliases and rejects anything outside the canonical set.
func ParseLane(value string) (domain.Lane, error) {
	l := domain.Lane(ResolveLaneAlias(value))
	if !l.Valid() {
		return "", fmt.Errorf("%w %q", ErrUnknownLane, value)
	}
	return l, nil
}

// IsTerminal reports whether the lane (after alias resolution) is terminal.
func IsTerminal(value string) bool {
	return domain.Lane(ResolveLaneAlias(value)).Terminal()
}

// IsAllowed reports whether the pair is in the transition matrix.
func IsAllowed(from, to domain.Lane) bool {
	return allowedSet[pair{from, to}]
}

// AllowedTransitions returns the matrix as [from, to] pairs.
func AllowedTransitions() [][2]domain.Lane {
	out := make([][2]domain.Lane, 0, len(allowed))
	for _, p := range allowed {
		out = append(out, [2]domain.Lane{p.from, p.to})
	}
	return out
}

// AllowedTargets lists the lanes reachable from a lane without force.
func AllowedTargets(from domain.Lane) []domain.Lane {
	var out []domain.Lane
	for _, p := range allowed {
		if p.from == from {
			out = append(out, p.to)
		}
	}
	return out
}

// ValidateTransition checks a proposed transition against the matrix and its guard.
// A justified force crosses pairs outside the matrix; the pair guard still runs.
func ValidateTransition(r Request) error {
	from := domain.Lane(ResolveLaneAlias(r.From))
	to := domain.Lane(ResolveLaneAlias(r.To))
	if !from.Valid() {
		return &TransitionError{From: r.From, To: r.To, Reason: fmt.Sprintf("unknown from_lane %q", r.From), Err: ErrUnknownLane}
	}
	if !to.Valid() {
		return &TransitionError{From: r.From, To: r.To, Reason: fmt.Sprintf("unknown to_lane %q", r.To), Err: ErrUnknownLane}
	}
	if r.Force {
		if strings.TrimSpace(r.Actor) == "" || strings.TrimSpace(r.Reason) == "" {
			return &TransitionError{From: string(from), To: string(to), Err: ErrForceJustification}
		}
	}
	p := pair{from, to}
	if !allowedSet[p] && !r.Force {
		return &TransitionError{From: string(from), To: string(to), Reason: "use force with actor and reason to override", Err: ErrIllegalTransition}
	}
	if g, ok := guards[p]; ok {
		if msg := g(r); msg != "" {
			return &TransitionError{From: string(from), To: string(to), Reason: msg, Err: ErrGuardFailed}
		}
	}
	return nil
}
