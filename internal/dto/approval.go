package dto

import (
	"github.com/noah-isme/lyrics-approvals-api/internal/models"
)

// ApprovalQuery mirrors the supported list filters.
type ApprovalQuery struct {
	Status         string `form:"status"`
	IncludeExpired bool   `form:"include_expired"`
	Limit          int    `form:"limit" validate:"omitempty,min=1,max=200"`
	Offset         int    `form:"offset" validate:"omitempty,min=0"`
}

// RejectApprovalRequest carries the reviewer's reason.
type RejectApprovalRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

// EditLyricsRequest replaces the lyrics payload. Lyrics accepts either the legacy
// sections array or {"text": "..."}.
type EditLyricsRequest struct {
	Lyrics models.LyricsContent `json:"lyrics"`
}

// ActionResponse is the envelope every remote approval action answers with. A 2xx
// response with Success=false is a logical failure.
type ActionResponse struct {
	Success bool                  `json:"success"`
	Error   string                `json:"error,omitempty"`
	Record  *models.ApprovalPatch `json:"record,omitempty"`
}

// ActionRequest is the body sent to the remote action functions.
type ActionRequest struct {
	Action string                `json:"action"`
	ID     string                `json:"id"`
	Reason string                `json:"reason,omitempty"`
	Lyrics *models.LyricsContent `json:"lyrics,omitempty"`
}

// MutationResult is returned to the admin after a successful action.
type MutationResult struct {
	ID     string                `json:"id"`
	Kind   string                `json:"kind"`
	Record *models.ApprovalPatch `json:"record,omitempty"`
}

// InFlightResponse reports which actions are outstanding for a record.
type InFlightResponse struct {
	ID      string          `json:"id"`
	Actions map[string]bool `json:"actions"`
}

// LiveStatus describes the live update connection state.
type LiveStatus struct {
	Topic       string `json:"topic"`
	Connections int    `json:"connections"`
	Observers   int    `json:"observers"`
}
