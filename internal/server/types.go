// Package server provides the HTTP surface of the generation service.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/maauso/genforge/internal/dispatch"
	"github.com/maauso/genforge/internal/ledger"
	"github.com/maauso/genforge/internal/script"
	"github.com/maauso/genforge/internal/unit"
)

// SceneRequest is one entry of an inbound script webhook.
type SceneRequest struct {
	Text     string `json:"text" validate:"required"`
	Duration int    `json:"duration" validate:"required,min=1"`
	Provider string `json:"provider" validate:"required"`
	Visual   string `json:"visual,omitempty"`
	Style    string `json:"style,omitempty"`
}

// ScriptWebhookRequest is a pre-planned script pushed by an upstream writer.
type ScriptWebhookRequest struct {
	// ScriptID is optional; one is generated when empty.
	ScriptID string         `json:"script_id" validate:"omitempty,max=128"`
	Owner    string         `json:"owner" validate:"required,max=128"`
	TotalSec int            `json:"total_sec" validate:"required,min=1"`
	Scenes   []SceneRequest `json:"scenes" validate:"required,min=1,dive"`
}

// CreateScriptRequest asks the service to plan scenes from free text.
type CreateScriptRequest struct {
	ScriptID string `json:"script_id" validate:"omitempty,max=128"`
	Owner    string `json:"owner" validate:"required,max=128"`
	Text     string `json:"text" validate:"required"`
	TotalSec int    `json:"total_sec" validate:"required,min=1,max=3600"`
}

// UpdateSceneRequest includes or excludes a scene from composition.
type UpdateSceneRequest struct {
	Included *bool `json:"included" validate:"required"`
}

// CreateUnitRequest is a single standalone generation request.
type CreateUnitRequest struct {
	Owner       string `json:"owner" validate:"required,max=128"`
	Kind        string `json:"kind" validate:"required,oneof=video image audio"`
	Provider    string `json:"provider" validate:"required"`
	DurationSec int    `json:"duration_sec" validate:"min=0"`
	Resolution  string `json:"resolution,omitempty"`
	Variant     string `json:"variant,omitempty"`
	Audio       bool   `json:"audio"`
	Prompt      string `json:"prompt,omitempty"`
	Characters  int    `json:"characters" validate:"min=0"`
}

// GrantRequest adds credits to an account. Exactly one of Credits or USD is set.
type GrantRequest struct {
	Credits string `json:"credits" validate:"omitempty,numeric"`
	USD     string `json:"usd" validate:"omitempty,numeric"`
	Note    string `json:"note,omitempty" validate:"max=256"`
}

// LimitRequest sets an account's monthly limit; "0" removes it.
type LimitRequest struct {
	MonthlyLimit string `json:"monthly_limit" validate:"required,numeric"`
}

// RefundRequest refunds a unit. An empty amount refunds the full charge.
type RefundRequest struct {
	Amount string `json:"amount" validate:"omitempty,numeric"`
	Note   string `json:"note,omitempty" validate:"max=256"`
}

// UnitResponse is the status view of a unit.
type UnitResponse struct {
	ID            string      `json:"id"`
	Owner         string      `json:"owner"`
	Kind          string      `json:"kind"`
	Provider      string      `json:"provider"`
	Status        string      `json:"status"`
	Config        unit.Config `json:"config"`
	ExternalJobID string      `json:"external_job_id,omitempty"`
	ResultRef     string      `json:"result_ref,omitempty"`
	Charged       bool        `json:"charged"`
	Error         string      `json:"error,omitempty"`
	ScriptID      string      `json:"script_id,omitempty"`
	SceneIndex    int         `json:"scene_index"`
	Included      bool        `json:"included"`
	Narrative     string      `json:"narrative,omitempty"`
	Visual        string      `json:"visual,omitempty"`
	Style         string      `json:"style,omitempty"`
	Deadline      *time.Time  `json:"deadline,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// ScriptResponse is the status view of a script and its scenes.
type ScriptResponse struct {
	ID        string           `json:"id"`
	Owner     string           `json:"owner"`
	TotalSec  int              `json:"total_sec"`
	Status    string           `json:"status"`
	OutputRef string           `json:"output_ref,omitempty"`
	Error     string           `json:"error,omitempty"`
	Scenes    []UnitResponse   `json:"scenes"`
	Submitted *dispatch.Report `json:"submission,omitempty"`
}

// TransactionsResponse lists ledger entries.
type TransactionsResponse struct {
	Transactions []ledger.Transaction `json:"transactions"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
	// Violations lists per-field problems for validation failures.
	Violations []script.Violation `json:"violations,omitempty"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}

func toUnitResponse(u *unit.Unit) UnitResponse {
	resp := UnitResponse{
		ID:            u.ID,
		Owner:         u.Owner,
		Kind:          string(u.Kind),
		Provider:      u.Provider,
		Status:        string(u.Status),
		Config:        u.Config,
		ExternalJobID: u.ExternalJobID,
		ResultRef:     u.ResultRef,
		Charged:       u.Charged,
		Error:         u.Error,
		ScriptID:      u.ScriptID,
		SceneIndex:    u.SceneIndex,
		Included:      u.Included,
		Narrative:     u.Narrative,
		Visual:        u.Visual,
		Style:         u.Style,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
	if !u.Deadline.IsZero() {
		d := u.Deadline
		resp.Deadline = &d
	}
	if !u.CompletedAt.IsZero() {
		c := u.CompletedAt
		resp.CompletedAt = &c
	}
	return resp
}

func toScriptResponse(sc *script.Script, scenes []*unit.Unit) ScriptResponse {
	resp := ScriptResponse{
		ID:        sc.ID,
		Owner:     sc.Owner,
		TotalSec:  sc.TotalSec,
		Status:    string(sc.Status),
		OutputRef: sc.OutputRef,
		Error:     sc.Error,
		Scenes:    make([]UnitResponse, 0, len(scenes)),
	}
	for _, u := range scenes {
		resp.Scenes = append(resp.Scenes, toUnitResponse(u))
	}
	return resp
}
