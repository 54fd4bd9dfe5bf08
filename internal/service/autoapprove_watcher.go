package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/noah-isme/lyrics-approvals-api/internal/models"
	"github.com/noah-isme/lyrics-approvals-api/pkg/jobs"
)

const autoApproveJobType = "auto-approve"

type pendingApprover interface {
	FindPendingByJobID(ctx context.Context, jobID string) (string, error)
	Approve(ctx context.Context, id string, at time.Time) (bool, error)
}

type fastPathFlusher interface {
	Flush(ctx context.Context, topic string)
}

type autoApproveTask struct {
	Topic string
	JobID string
}

// TaskIDAssigned reports whether a job notification shows the external task id going
// from absent to present. A field missing from the previous image counts as absent.
func TaskIDAssigned(evt models.ChangeEvent) bool {
	if evt.Entity != models.EntityJob {
		return false
	}
	if evt.Kind != models.ChangeInsert && evt.Kind != models.ChangeUpdate {
		return false
	}
	return evt.OldString(models.FieldTaskID) == "" && evt.NewString(models.FieldTaskID) != ""
}

// AutoApprovalWatcher approves the pending lyrics of a generation job once the job
// receives its external task id. It has no caller to report to, so failures are logged.
type AutoApprovalWatcher struct {
	store   pendingApprover
	flusher fastPathFlusher
	queue   *jobs.Queue
	clock   clock.Clock
	metrics *MetricsService
	logger  *zap.Logger
}

// WatcherOption configures the watcher.
type WatcherOption func(*AutoApprovalWatcher)

// WithWatcherMetrics attaches metrics recording.
func WithWatcherMetrics(metrics *MetricsService) WatcherOption {
	return func(w *AutoApprovalWatcher) {
		w.metrics = metrics
	}
}

// WithWatcherClock overrides the clock used for approval timestamps.
func WithWatcherClock(c clock.Clock) WatcherOption {
	return func(w *AutoApprovalWatcher) {
		if c != nil {
			w.clock = c
		}
	}
}

// NewAutoApprovalWatcher constructs the watcher. Work runs on its own queue; a single
// worker keeps notifications in order.
func NewAutoApprovalWatcher(store pendingApprover, flusher fastPathFlusher, queueCfg jobs.QueueConfig, logger *zap.Logger, opts ...WatcherOption) *AutoApprovalWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &AutoApprovalWatcher{store: store, flusher: flusher, clock: clock.WallClock, logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if queueCfg.Logger == nil {
		queueCfg.Logger = logger
	}
	w.queue = jobs.NewQueue("auto-approval", w.process, queueCfg)
	return w
}

// Start begins processing.
func (w *AutoApprovalWatcher) Start(ctx context.Context) {
	w.queue.Start(ctx)
}

// Stop waits for the worker to exit.
func (w *AutoApprovalWatcher) Stop() {
	w.queue.Stop()
}

// Wait blocks until every queued notification was handled.
func (w *AutoApprovalWatcher) Wait() {
	w.queue.Wait()
}

// HandleChange receives notifications from the registry.
func (w *AutoApprovalWatcher) HandleChange(_ context.Context, evt models.ChangeEvent) {
	if !TaskIDAssigned(evt) {
		return
	}
	jobID := evt.EntityID()
	if jobID == "" {
		w.logger.Warn("job notification without id", zap.String("topic", evt.Topic))
		return
	}
	err := w.queue.Enqueue(jobs.Job{
		Type:    autoApproveJobType,
		Payload: autoApproveTask{Topic: evt.Topic, JobID: jobID},
	})
	if err != nil {
		w.logger.Error("enqueue auto approval failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (w *AutoApprovalWatcher) process(ctx context.Context, job jobs.Job) error {
	task, ok := job.Payload.(autoApproveTask)
	if !ok {
		w.logger.Error("unexpected auto approval payload", zap.String("job_id", job.ID))
		return nil
	}
	logger := w.logger.With(zap.String("job_id", task.JobID))

	approvalID, err := w.store.FindPendingByJobID(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			w.metrics.RecordAutoApproval("no_pending")
			logger.Debug("no pending approval for job")
			return nil
		}
		w.metrics.RecordAutoApproval("error")
		return fmt.Errorf("find pending approval for job %s: %w", task.JobID, err)
	}

	changed, err := w.store.Approve(ctx, approvalID, w.clock.Now().UTC())
	if err != nil {
		w.metrics.RecordAutoApproval("error")
		return fmt.Errorf("auto approve %s: %w", approvalID, err)
	}
	if !changed {
		w.metrics.RecordAutoApproval("already_handled")
		logger.Debug("approval no longer pending", zap.String("approval_id", approvalID))
		return nil
	}

	w.metrics.RecordAutoApproval("approved")
	logger.Info("lyrics auto approved", zap.String("approval_id", approvalID))
	w.flusher.Flush(ctx, task.Topic)
	return nil
}
