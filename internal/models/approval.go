package models

import (
	"time"
)

// ApprovalStatus captures the review state of generated lyrics.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// Valid reports whether the status is one of the known review states.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalStatusPending, ApprovalStatusApproved, ApprovalStatusRejected:
		return true
	}
	return false
}

// VoicePreference is the singer voice requested for the song.
type VoicePreference string

const (
	VoiceMale     VoicePreference = "M"
	VoiceFemale   VoicePreference = "F"
	VoiceSurprise VoicePreference = "S"
)

// OrderSummary is the read-only join to the originating order.
type OrderSummary struct {
	ID            *string `db:"id" json:"id,omitempty"`
	CustomerEmail *string `db:"customer_email" json:"customerEmail,omitempty"`
	Plan          *string `db:"plan" json:"plan,omitempty"`
}

// QuizSummary is the read-only join to the originating quiz.
type QuizSummary struct {
	ID              *string `db:"id" json:"id,omitempty"`
	SubjectName     *string `db:"subject_name" json:"subjectName,omitempty"`
	Style           *string `db:"style" json:"style,omitempty"`
	DesiredTone     *string `db:"desired_tone" json:"desiredTone,omitempty"`
	VocalPreference *string `db:"vocal_preference" json:"vocalPreference,omitempty"`
}

// JobSummary is the read-only join to the generation job.
type JobSummary struct {
	ID     *string `db:"id" json:"id,omitempty"`
	TaskID *string `db:"external_task_id" json:"externalTaskId,omitempty"`
	Status *string `db:"status" json:"status,omitempty"`
}

// ApprovalRecord is one reviewable lyrics generation.
type ApprovalRecord struct {
	ID                string          `db:"id" json:"id"`
	Status            ApprovalStatus  `db:"status" json:"status"`
	Lyrics            LyricsContent   `db:"lyrics" json:"lyrics"`
	Preview           string          `db:"preview" json:"preview"`
	Voice             VoicePreference `db:"voice" json:"voice"`
	Highlighted       bool            `db:"is_highlighted" json:"highlighted"`
	RegenerationCount int             `db:"regeneration_count" json:"regenerationCount"`
	ExpiresAt         *time.Time      `db:"expires_at" json:"expiresAt,omitempty"`
	RejectionReason   *string         `db:"rejection_reason" json:"rejectionReason,omitempty"`
	JobID             *string         `db:"job_id" json:"jobId,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
	ApprovedAt        *time.Time      `db:"approved_at" json:"approvedAt,omitempty"`

	Order OrderSummary `db:"order" json:"order"`
	Quiz  QuizSummary  `db:"quiz" json:"quiz"`
	Job   JobSummary   `db:"job" json:"job"`
}

// Expired reports whether the advisory expiry has passed. Expiry never deletes a record.
func (r ApprovalRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// ApprovalPatch carries fields returned by a remote action that can be merged into
// cached copies of a record.
type ApprovalPatch struct {
	Status            *ApprovalStatus `json:"status,omitempty"`
	Lyrics            *LyricsContent  `json:"lyrics,omitempty"`
	Preview           *string         `json:"preview,omitempty"`
	RegenerationCount *int            `json:"regenerationCount,omitempty"`
	ExpiresAt         *time.Time      `json:"expiresAt,omitempty"`
	UpdatedAt         *time.Time      `json:"updatedAt,omitempty"`
}

// Empty reports whether the patch carries no field.
func (p *ApprovalPatch) Empty() bool {
	return p == nil || (p.Status == nil && p.Lyrics == nil && p.Preview == nil &&
		p.RegenerationCount == nil && p.ExpiresAt == nil && p.UpdatedAt == nil)
}

// Apply merges the patch into the record. The regeneration counter never moves backwards.
func (p *ApprovalPatch) Apply(r *ApprovalRecord) {
	if p == nil || r == nil {
		return
	}
	if p.Status != nil && p.Status.Valid() {
		r.Status = *p.Status
	}
	if p.Lyrics != nil {
		r.Lyrics = *p.Lyrics
	}
	if p.Preview != nil {
		r.Preview = *p.Preview
	}
	if p.RegenerationCount != nil && *p.RegenerationCount > r.RegenerationCount {
		r.RegenerationCount = *p.RegenerationCount
	}
	if p.ExpiresAt != nil {
		expires := *p.ExpiresAt
		r.ExpiresAt = &expires
	}
	if p.UpdatedAt != nil {
		r.UpdatedAt = *p.UpdatedAt
	}
}
