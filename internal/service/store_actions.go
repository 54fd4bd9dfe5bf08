package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/noah-isme/lyrics-approvals-api/internal/changestream"
	"github.com/noah-isme/lyrics-approvals-api/internal/dto"
	"github.com/noah-isme/lyrics-approvals-api/internal/models"
	"github.com/noah-isme/lyrics-approvals-api/internal/repository"
	appErrors "github.com/noah-isme/lyrics-approvals-api/pkg/errors"
)

// DefaultRegenerationTTL is how long a regenerated approval stays reviewable.
const DefaultRegenerationTTL = 48 * time.Hour

type approvalStore interface {
	GetByID(ctx context.Context, id string) (*models.ApprovalRecord, error)
	Approve(ctx context.Context, id string, at time.Time) (bool, error)
	Reject(ctx context.Context, id, reason string, at time.Time) (bool, error)
	Unapprove(ctx context.Context, id string, at time.Time) (bool, error)
	UpdateLyrics(ctx context.Context, id string, lyrics models.LyricsContent, preview string, at time.Time) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	MarkRegenerated(ctx context.Context, id string, expiresAt, at time.Time) (*repository.RegenerateResult, error)
}

// StoreActions runs the approval actions directly against the database. It is used
// when no remote functions endpoint is configured.
type StoreActions struct {
	store     approvalStore
	publisher changestream.Publisher
	topic     string
	clock     clock.Clock
	ttl       time.Duration
	logger    *zap.Logger
}

// StoreActionsOption configures StoreActions.
type StoreActionsOption func(*StoreActions)

// WithChangePublisher publishes a change notification after every write. Needed when
// the change stream is not fed by database triggers.
func WithChangePublisher(publisher changestream.Publisher, topic string) StoreActionsOption {
	return func(s *StoreActions) {
		s.publisher = publisher
		s.topic = topic
	}
}

// WithStoreClock overrides the clock used for timestamps.
func WithStoreClock(c clock.Clock) StoreActionsOption {
	return func(s *StoreActions) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRegenerationTTL overrides how far regeneration pushes the expiry.
func WithRegenerationTTL(ttl time.Duration) StoreActionsOption {
	return func(s *StoreActions) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewStoreActions constructs the repository backed actions.
func NewStoreActions(store approvalStore, logger *zap.Logger, opts ...StoreActionsOption) *StoreActions {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &StoreActions{store: store, clock: clock.WallClock, ttl: DefaultRegenerationTTL, logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Approve moves a pending approval to approved. Approving an approval that is already
// approved succeeds without writing, so a human and the job watcher never conflict.
func (s *StoreActions) Approve(ctx context.Context, id string) (*dto.ActionResponse, error) {
	now := s.clock.Now().UTC()
	changed, err := s.store.Approve(ctx, id, now)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrInternal, err, "failed to approve lyrics")
	}
	if changed {
		status := models.ApprovalStatusApproved
		s.publish(ctx, id, models.ApprovalStatusPending, status)
		return &dto.ActionResponse{Success: true, Record: &models.ApprovalPatch{Status: &status, UpdatedAt: &now}}, nil
	}
	return s.unchanged(ctx, id, models.ApprovalStatusApproved)
}

// Reject moves a pending approval to rejected.
func (s *StoreActions) Reject(ctx context.Context, id, reason string) (*dto.ActionResponse, error) {
	now := s.clock.Now().UTC()
	changed, err := s.store.Reject(ctx, id, reason, now)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrInternal, err, "failed to reject lyrics")
	}
	if changed {
		status := models.ApprovalStatusRejected
		s.publish(ctx, id, models.ApprovalStatusPending, status)
		return &dto.ActionResponse{Success: true, Record: &models.ApprovalPatch{Status: &status, UpdatedAt: &now}}, nil
	}
	return s.unchanged(ctx, id, models.ApprovalStatusRejected)
}

// Unapprove moves an approved approval back to pending.
func (s *StoreActions) Unapprove(ctx context.Context, id string) (*dto.ActionResponse, error) {
	now := s.clock.Now().UTC()
	changed, err := s.store.Unapprove(ctx, id, now)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrInternal, err, "failed to unapprove lyrics")
	}
	if changed {
		status := models.ApprovalStatusPending
		s.publish(ctx, id, models.ApprovalStatusApproved, status)
		return &dto.ActionResponse{Success: true, Record: &models.ApprovalPatch{Status: &status, UpdatedAt: &now}}, nil
	}
	return s.unchanged(ctx, id, models.ApprovalStatusPending)
}

// Regenerate records a regeneration request and returns the fields it changed.
func (s *StoreActions) Regenerate(ctx context.Context, id string) (*dto.ActionResponse, error) {
	now := s.clock.Now().UTC()
	result, err := s.store.MarkRegenerated(ctx, id, now.Add(s.ttl), now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "approval not found")
		}
		return nil, appErrors.WrapAs(appErrors.ErrInternal, err, "failed to regenerate lyrics")
	}
	s.publish(ctx, id, result.PreviousStatus, result.Status)
	lyrics := result.Lyrics
	preview := result.Preview
	count := result.RegenerationCount
	status := result.Status
	updated := result.UpdatedAt
	return &dto.ActionResponse{Success: true, Record: &models.ApprovalPatch{
		Status:            &status,
		Lyrics:            &lyrics,
		Preview:           &preview,
		RegenerationCount: &count,
		ExpiresAt:         result.ExpiresAt,
		UpdatedAt:         &updated,
	}}, nil
}

// Delete removes the approval.
func (s *StoreActions) Delete(ctx context.Context, id string) (*dto.ActionResponse, error) {
	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrInternal, err, "failed to delete lyrics")
	}
	if !deleted {
		return &dto.ActionResponse{Success: false, Error: "approval not found"}, nil
	}
	s.publishEvent(ctx, models.ChangeEvent{
		Entity: models.EntityApproval,
		Kind:   models.ChangeDelete,
		Old:    map[string]interface{}{models.FieldID: id},
	})
	return &dto.ActionResponse{Success: true}, nil
}

// Edit replaces the lyrics. The preview defaults to the first lines of the new text.
func (s *StoreActions) Edit(ctx context.Context, id string, content models.LyricsContent) (*dto.ActionResponse, error) {
	if content.IsEmpty() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "lyrics cannot be empty")
	}
	now := s.clock.Now().UTC()
	preview := previewOf(content)
	changed, err := s.store.UpdateLyrics(ctx, id, content, preview, now)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrInternal, err, "failed to update lyrics")
	}
	if !changed {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "approval not found")
	}
	s.publish(ctx, id, "", "")
	return &dto.ActionResponse{Success: true, Record: &models.ApprovalPatch{Lyrics: &content, Preview: &preview, UpdatedAt: &now}}, nil
}

// unchanged explains a guarded update that touched no row.
func (s *StoreActions) unchanged(ctx context.Context, id string, target models.ApprovalStatus) (*dto.ActionResponse, error) {
	record, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "approval not found")
		}
		return nil, appErrors.WrapAs(appErrors.ErrInternal, err, "failed to load approval")
	}
	if record.Status == target {
		return &dto.ActionResponse{Success: true, Record: &models.ApprovalPatch{Status: &record.Status}}, nil
	}
	return &dto.ActionResponse{Success: false, Error: fmt.Sprintf("approval is %s", record.Status)}, nil
}

func (s *StoreActions) publish(ctx context.Context, id string, from, to models.ApprovalStatus) {
	evt := models.ChangeEvent{
		Entity: models.EntityApproval,
		Kind:   models.ChangeUpdate,
		Old:    map[string]interface{}{models.FieldID: id},
		New:    map[string]interface{}{models.FieldID: id},
	}
	if from != "" {
		evt.Old[models.FieldStatus] = string(from)
	}
	if to != "" {
		evt.New[models.FieldStatus] = string(to)
	}
	s.publishEvent(ctx, evt)
}

func (s *StoreActions) publishEvent(ctx context.Context, evt models.ChangeEvent) {
	if s.publisher == nil {
		return
	}
	evt.Topic = s.topic
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("encode change notification failed", zap.Error(err))
		return
	}
	if err := s.publisher.Publish(ctx, s.topic, payload); err != nil {
		s.logger.Warn("publish change notification failed", zap.String("id", evt.EntityID()), zap.Error(err))
	}
}

func previewOf(content models.LyricsContent) string {
	const maxPreview = 280
	text := []rune(content.Text())
	if len(text) <= maxPreview {
		return string(text)
	}
	return string(text[:maxPreview])
}
