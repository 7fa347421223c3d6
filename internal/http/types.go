package http

import "github.com/mplewis/vibe-agency-sub002/internal/manifest"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InitRequest is the request body for POST /api/v1/projects.
type InitRequest struct {
	ProjectID string  `json:"project_id"`
	BudgetUSD float64 `json:"budget_usd"`
}

// SkipResearchRequest is the request body for POST .../skip-research.
type SkipResearchRequest struct {
	Confirmed bool `json:"confirmed"`
}

// ApprovalRequest is the request body for POST .../approve and .../reject.
// Reason is required for rejections.
type ApprovalRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

// DefectRequest is the request body for POST .../defects.
type DefectRequest struct {
	Report string `json:"report"`
}

// ProjectResponse wraps a manifest with derived fields.
type ProjectResponse struct {
	Position           string             `json:"position"`
	RepairAttempts     int                `json:"repair_attempts"`
	BudgetRemainingUSD float64            `json:"budget_remaining_usd"`
	Manifest           *manifest.Manifest `json:"manifest"`
}

func newProjectResponse(m *manifest.Manifest) ProjectResponse {
	return ProjectResponse{
		Position:           m.Position(),
		RepairAttempts:     m.RepairAttempts(),
		BudgetRemainingUSD: m.Budget.Remaining(),
		Manifest:           m,
	}
}
