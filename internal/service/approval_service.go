package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/noah-isme/lyrics-approvals-api/internal/dto"
	"github.com/noah-isme/lyrics-approvals-api/internal/models"
	appErrors "github.com/noah-isme/lyrics-approvals-api/pkg/errors"
)

// Mutation kinds.
const (
	MutationApprove    = "approve"
	MutationReject     = "reject"
	MutationRegenerate = "regenerate"
	MutationUnapprove  = "unapprove"
	MutationDelete     = "delete"
	MutationEdit       = "edit"
)

// MutationKinds lists every kind in display order.
var MutationKinds = []string{MutationApprove, MutationReject, MutationRegenerate, MutationUnapprove, MutationDelete, MutationEdit}

// DefaultApproveGrace separates an approve acknowledgement from the item leaving the
// pending list.
const DefaultApproveGrace = 300 * time.Millisecond

type invalidationScheduler interface {
	Schedule(ctx context.Context, topic string)
	Flush(ctx context.Context, topic string)
}

type mutationCache interface {
	Snapshot(family, id string) *CacheSnapshot
	Restore(family string, snap *CacheSnapshot) int
	Patch(family string, update RecordUpdater) int
}

type sessionSource interface {
	CurrentSession(ctx context.Context) (*models.Session, bool)
}

type inFlightKey struct {
	kind string
	id   string
}

// ApprovalService runs admin actions on approvals: it checks the actor, blocks
// duplicate submissions, applies the optimistic delete, calls the backend and then
// either schedules invalidation or restores the cache.
type ApprovalService struct {
	remote    RemoteActions
	cache     mutationCache
	scheduler invalidationScheduler
	sessions  sessionSource
	topic     string
	clock     clock.Clock
	grace     time.Duration
	metrics   *MetricsService
	logger    *zap.Logger

	mu          sync.Mutex
	inFlight    map[inFlightKey]struct{}
	graceTimers map[clock.Timer]struct{}
}

// ApprovalServiceOption configures the service.
type ApprovalServiceOption func(*ApprovalService)

// WithApproveGrace overrides the approve grace period.
func WithApproveGrace(grace time.Duration) ApprovalServiceOption {
	return func(s *ApprovalService) {
		if grace >= 0 {
			s.grace = grace
		}
	}
}

// WithMutationClock overrides the clock used for the grace timer.
func WithMutationClock(c clock.Clock) ApprovalServiceOption {
	return func(s *ApprovalService) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMutationMetrics attaches metrics recording.
func WithMutationMetrics(metrics *MetricsService) ApprovalServiceOption {
	return func(s *ApprovalService) {
		s.metrics = metrics
	}
}

// WithSessionSource overrides how the actor is resolved. Defaults to the request context.
func WithSessionSource(sessions sessionSource) ApprovalServiceOption {
	return func(s *ApprovalService) {
		s.sessions = sessions
	}
}

// NewApprovalService constructs the mutation pipeline.
func NewApprovalService(remote RemoteActions, cache mutationCache, scheduler invalidationScheduler, topic string, logger *zap.Logger, opts ...ApprovalServiceOption) *ApprovalService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ApprovalService{
		remote:      remote,
		cache:       cache,
		scheduler:   scheduler,
		topic:       topic,
		clock:       clock.WallClock,
		grace:       DefaultApproveGrace,
		logger:      logger,
		inFlight:    make(map[inFlightKey]struct{}),
		graceTimers: make(map[clock.Timer]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Approve confirms the lyrics. The pending list refreshes after the grace period.
func (s *ApprovalService) Approve(ctx context.Context, id string) (*dto.MutationResult, error) {
	return s.run(ctx, MutationApprove, id, func(ctx context.Context) (*dto.ActionResponse, error) {
		return s.remote.Approve(ctx, id)
	})
}

// Reject rejects the lyrics with a reason.
func (s *ApprovalService) Reject(ctx context.Context, id, reason string) (*dto.MutationResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "rejection reason is required")
	}
	return s.run(ctx, MutationReject, id, func(ctx context.Context) (*dto.ActionResponse, error) {
		return s.remote.Reject(ctx, id, reason)
	})
}

// Regenerate requests new lyrics. Returned fields are merged into cached windows at once.
func (s *ApprovalService) Regenerate(ctx context.Context, id string) (*dto.MutationResult, error) {
	return s.run(ctx, MutationRegenerate, id, func(ctx context.Context) (*dto.ActionResponse, error) {
		return s.remote.Regenerate(ctx, id)
	})
}

// Unapprove returns approved lyrics to pending.
func (s *ApprovalService) Unapprove(ctx context.Context, id string) (*dto.MutationResult, error) {
	return s.run(ctx, MutationUnapprove, id, func(ctx context.Context) (*dto.ActionResponse, error) {
		return s.remote.Unapprove(ctx, id)
	})
}

// Delete removes the approval from every cached window before calling the backend and
// puts it back exactly where it was if the call fails.
func (s *ApprovalService) Delete(ctx context.Context, id string) (*dto.MutationResult, error) {
	return s.run(ctx, MutationDelete, id, func(ctx context.Context) (*dto.ActionResponse, error) {
		return s.remote.Delete(ctx, id)
	})
}

// Edit replaces the lyrics content.
func (s *ApprovalService) Edit(ctx context.Context, id string, content models.LyricsContent) (*dto.MutationResult, error) {
	if content.IsEmpty() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "lyrics cannot be empty")
	}
	return s.run(ctx, MutationEdit, id, func(ctx context.Context) (*dto.ActionResponse, error) {
		return s.remote.Edit(ctx, id, content)
	})
}

// InFlight reports whether the action is outstanding for the approval.
func (s *ApprovalService) InFlight(kind, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[inFlightKey{kind: kind, id: id}]
	return ok
}

// InFlightAny reports whether the action is outstanding for any approval.
func (s *ApprovalService) InFlightAny(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.inFlight {
		if key.kind == kind {
			return true
		}
	}
	return false
}

// Close stops pending grace timers.
func (s *ApprovalService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for timer := range s.graceTimers {
		timer.Stop()
		delete(s.graceTimers, timer)
	}
}

func (s *ApprovalService) run(ctx context.Context, kind, id string, call func(context.Context) (*dto.ActionResponse, error)) (*dto.MutationResult, error) {
	logger := s.logger.With(zap.String("kind", kind), zap.String("id", id))
	session, ok := s.currentSession(ctx)
	if !ok {
		s.metrics.RecordMutation(kind, "unauthenticated")
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "sign in to "+kind+" lyrics")
	}
	if strings.TrimSpace(id) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "approval id is required")
	}

	release, ok := s.begin(kind, id)
	if !ok {
		s.metrics.RecordMutation(kind, "duplicate")
		return nil, appErrors.ErrMutationInFlight
	}
	defer release()

	var snapshot *CacheSnapshot
	if kind == MutationDelete {
		snapshot = s.cache.Snapshot(models.FamilyApprovalList, id)
		s.cache.Patch(models.FamilyApprovalList, func(r models.ApprovalRecord) (models.ApprovalRecord, bool) {
			return r, r.ID != id
		})
	}

	result, err := call(ctx)
	if err == nil && (result == nil || !result.Success) {
		message := appErrors.ErrRemoteRejected.Message
		if result != nil && result.Error != "" {
			message = result.Error
		}
		err = appErrors.Clone(appErrors.ErrRemoteRejected, message)
	}
	if err != nil {
		if snapshot != nil {
			s.cache.Restore(models.FamilyApprovalList, snapshot)
		}
		s.metrics.RecordMutation(kind, "failed")
		logger.Warn("approval action failed", zap.String("actor", session.UserID), zap.Error(err))
		return nil, err
	}

	s.reconcile(context.WithoutCancel(ctx), kind, id, result)
	s.metrics.RecordMutation(kind, "success")
	logger.Info("approval action succeeded", zap.String("actor", session.UserID))
	return &dto.MutationResult{ID: id, Kind: kind, Record: result.Record}, nil
}

func (s *ApprovalService) reconcile(ctx context.Context, kind, id string, result *dto.ActionResponse) {
	switch kind {
	case MutationApprove:
		s.afterGrace(ctx)
	case MutationRegenerate:
		requeued := false
		if !result.Record.Empty() {
			patch := result.Record
			s.cache.Patch(models.FamilyApprovalList, func(r models.ApprovalRecord) (models.ApprovalRecord, bool) {
				if r.ID == id {
					if r.Status != models.ApprovalStatusPending && patch.Status != nil && *patch.Status == models.ApprovalStatusPending {
						requeued = true
					}
					patch.Apply(&r)
				}
				return r, true
			})
		}
		if requeued {
			// new work for the reviewer
			s.scheduler.Flush(ctx, s.topic)
			return
		}
		s.scheduler.Schedule(ctx, s.topic)
	default:
		s.scheduler.Schedule(ctx, s.topic)
	}
}

func (s *ApprovalService) afterGrace(ctx context.Context) {
	if s.grace <= 0 {
		s.scheduler.Flush(ctx, s.topic)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var timer clock.Timer
	timer = s.clock.AfterFunc(s.grace, func() {
		s.mu.Lock()
		delete(s.graceTimers, timer)
		s.mu.Unlock()
		s.scheduler.Flush(ctx, s.topic)
	})
	s.graceTimers[timer] = struct{}{}
}

func (s *ApprovalService) begin(kind, id string) (func(), bool) {
	key := inFlightKey{kind: kind, id: id}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[key]; busy {
		return nil, false
	}
	s.inFlight[key] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()
	}, true
}

func (s *ApprovalService) currentSession(ctx context.Context) (*models.Session, bool) {
	if s.sessions != nil {
		return s.sessions.CurrentSession(ctx)
	}
	session := models.SessionFromContext(ctx)
	return session, session != nil
}
