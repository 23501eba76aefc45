package transitions

import "statusline/internal/domain"

// Priority orders lanes by lifecycle progress for conflict resolution.
// The values are placeholders; only their relative order matters.
type Priority map[domain.Lane]int

// DefaultPriority: blocked < planned < claimed < in_progress < for_review < done < canceled.
var DefaultPriority = Priority{
	domain.LaneBlocked:    0,
	domain.LanePlanned:    1,
	domain.LaneClaimed:    2,
	domain.LaneInProgress: 3,
	domain.LaneForReview:  4,
	domain.LaneDone:       5,
	domain.LaneCanceled:   6,
}

// Of returns the priority of a lane; unknown lanes rank lowest.
func (p Priority) Of(l domain.Lane) int {
	if v, ok := p[l]; ok {
		return v
	}
	return -1
}
