package server

import (
	"statusline/internal/domain"
	"statusline/internal/engine"
	"statusline/internal/legacy"
	"statusline/internal/phase"
)

// Request payloads

type TransitionRequest struct {
	WPID          string               `json:"wp_id" minLength:"1"`
	ToLane        string               `json:"to_lane" doc:"Target lane; the doing alias is accepted"`
	Force         bool                 `json:"force,omitempty"`
	Reason        string               `json:"reason,omitempty"`
	ReviewRef     string               `json:"review_ref,omitempty"`
	Evidence      *domain.DoneEvidence `json:"evidence,omitempty"`
	ExecutionMode string               `json:"execution_mode,omitempty" enum:"worktree,direct_repo"`
}

// Response payloads

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

type FeatureListResponse struct {
	Items []string `json:"items"`
}

type StatusResponse struct {
	Phase    PhaseResponse   `json:"phase"`
	Snapshot domain.Snapshot `json:"snapshot"`
}

type PhaseResponse struct {
	Phase  int    `json:"phase" example:"1"`
	Name   string `json:"name" example:"1 (dual-write)"`
	Source string `json:"source" example:"built-in default"`
}

type WorkPackageResponse struct {
	FeatureSlug string         `json:"feature_slug"`
	WPID        string         `json:"wp_id"`
	State       domain.WPState `json:"state"`
}

type HistoryResponse struct {
	WPID   string               `json:"wp_id"`
	Events []domain.StatusEvent `json:"events"`
}

type paginatedEvents struct {
	Items      []domain.StatusEvent `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type MaterializeResponse struct {
	Phase    PhaseResponse   `json:"phase"`
	Snapshot domain.Snapshot `json:"snapshot"`
	Views    legacy.Result   `json:"views"`
}

type ValidateResponse struct {
	Phase      PhaseResponse  `json:"phase"`
	EventCount int            `json:"event_count"`
	Drift      []legacy.Drift `json:"drift"`
	Illegal    []string       `json:"illegal"`
	OK         bool           `json:"ok"`
}

func phaseResponse(r phase.Result) PhaseResponse {
	return PhaseResponse{Phase: int(r.Phase), Name: r.Phase.String(), Source: r.Source}
}

func validateResponse(r engine.Report) ValidateResponse {
	return ValidateResponse{
		Phase:      phaseResponse(r.Phase),
		EventCount: r.EventCount,
		Drift:      r.Drift,
		Illegal:    r.Illegal,
		OK:         r.OK(),
	}
}
