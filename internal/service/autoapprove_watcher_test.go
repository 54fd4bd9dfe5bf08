package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lyrics-approvals-api/internal/models"
	"github.com/noah-isme/lyrics-approvals-api/pkg/jobs"
)

func taskAssigned(jobID, taskID string) models.ChangeEvent {
	return models.ChangeEvent{
		Topic:  approvalsTopic,
		Entity: models.EntityJob,
		Kind:   models.ChangeUpdate,
		Old:    map[string]interface{}{models.FieldID: jobID, models.FieldTaskID: nil},
		New:    map[string]interface{}{models.FieldID: jobID, models.FieldTaskID: taskID},
	}
}

func startWatcher(t *testing.T, store pendingApprover, flusher fastPathFlusher, cfg jobs.QueueConfig, opts ...WatcherOption) *AutoApprovalWatcher {
	t.Helper()
	w := NewAutoApprovalWatcher(store, flusher, cfg, nil, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
	return w
}

func TestTaskIDAssigned(t *testing.T) {
	tests := []struct {
		name string
		evt  models.ChangeEvent
		want bool
	}{
		{name: "absent to present", evt: taskAssigned("J1", "T-1"), want: true},
		{
			name: "missing from old image",
			evt: models.ChangeEvent{Entity: models.EntityJob, Kind: models.ChangeUpdate,
				New: map[string]interface{}{models.FieldID: "J1", models.FieldTaskID: "T-1"}},
			want: true,
		},
		{
			name: "insert with task id",
			evt: models.ChangeEvent{Entity: models.EntityJob, Kind: models.ChangeInsert,
				New: map[string]interface{}{models.FieldID: "J1", models.FieldTaskID: "T-1"}},
			want: true,
		},
		{
			name: "already had task id",
			evt: models.ChangeEvent{Entity: models.EntityJob, Kind: models.ChangeUpdate,
				Old: map[string]interface{}{models.FieldTaskID: "T-1"},
				New: map[string]interface{}{models.FieldTaskID: "T-2"}},
			want: false,
		},
		{
			name: "still no task id",
			evt: models.ChangeEvent{Entity: models.EntityJob, Kind: models.ChangeUpdate,
				New: map[string]interface{}{models.FieldID: "J1", "status": "running"}},
			want: false,
		},
		{
			name: "job deleted",
			evt: models.ChangeEvent{Entity: models.EntityJob, Kind: models.ChangeDelete,
				Old: map[string]interface{}{models.FieldTaskID: "T-1"}},
			want: false,
		},
		{
			name: "approval row",
			evt: models.ChangeEvent{Entity: models.EntityApproval, Kind: models.ChangeUpdate,
				New: map[string]interface{}{models.FieldTaskID: "T-1"}},
			want: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, TaskIDAssigned(tc.evt))
		})
	}
}

func TestAutoApprovalWatcherApprovesPendingLyrics(t *testing.T) {
	store := newPendingStoreStub(
		approvalRow{id: "A3", status: models.ApprovalStatusPending, jobID: "J1"},
		approvalRow{id: "A4", status: models.ApprovalStatusPending, jobID: "J2"},
	)
	flusher := &schedulerStub{}
	metrics := NewMetricsService()
	w := startWatcher(t, store, flusher, jobs.QueueConfig{}, WithWatcherMetrics(metrics), WithWatcherClock(testclock.NewClock(epoch)))

	w.HandleChange(context.Background(), taskAssigned("J1", "T-1"))
	w.Wait()

	assert.Equal(t, models.ApprovalStatusApproved, store.status("A3"))
	assert.Equal(t, models.ApprovalStatusPending, store.status("A4"))
	_, flushes := flusher.counts()
	assert.Equal(t, 1, flushes)
}

func TestAutoApprovalWatcherDuplicateNotificationsApproveOnce(t *testing.T) {
	store := newPendingStoreStub(approvalRow{id: "A3", status: models.ApprovalStatusPending, jobID: "J1"})
	flusher := &schedulerStub{}
	w := startWatcher(t, store, flusher, jobs.QueueConfig{})

	w.HandleChange(context.Background(), taskAssigned("J1", "T-1"))
	w.HandleChange(context.Background(), taskAssigned("J1", "T-1"))
	w.Wait()

	assert.Equal(t, 1, store.approvals())
	_, flushes := flusher.counts()
	assert.Equal(t, 1, flushes)
}

func TestAutoApprovalWatcherIgnoresJobsWithoutPendingLyrics(t *testing.T) {
	store := newPendingStoreStub(approvalRow{id: "A5", status: models.ApprovalStatusRejected, jobID: "J1"})
	flusher := &schedulerStub{}
	w := startWatcher(t, store, flusher, jobs.QueueConfig{})

	w.HandleChange(context.Background(), taskAssigned("J1", "T-1"))
	w.HandleChange(context.Background(), taskAssigned("J9", "T-9"))
	w.Wait()

	assert.Zero(t, store.approvals())
	assert.Equal(t, models.ApprovalStatusRejected, store.status("A5"))
	_, flushes := flusher.counts()
	assert.Zero(t, flushes)
}

func TestAutoApprovalWatcherIgnoresOtherNotifications(t *testing.T) {
	store := newPendingStoreStub(approvalRow{id: "A3", status: models.ApprovalStatusPending, jobID: "J1"})
	w := startWatcher(t, store, &schedulerStub{}, jobs.QueueConfig{})

	w.HandleChange(context.Background(), models.ChangeEvent{
		Topic: approvalsTopic, Entity: models.EntityApproval, Kind: models.ChangeInsert,
		New: map[string]interface{}{models.FieldID: "A3", models.FieldJobID: "J1", models.FieldStatus: "pending"},
	})
	w.Wait()
	assert.Equal(t, models.ApprovalStatusPending, store.status("A3"))
}

func TestAutoApprovalWatcherRetriesTransientFailures(t *testing.T) {
	store := newPendingStoreStub(approvalRow{id: "A3", status: models.ApprovalStatusPending, jobID: "J1"})
	store.failFinds = 1
	flusher := &schedulerStub{}
	clk := testclock.NewClock(epoch)
	w := startWatcher(t, store, flusher, jobs.QueueConfig{Clock: clk, RetryDelay: time.Second, MaxRetries: 2})

	w.HandleChange(context.Background(), taskAssigned("J1", "T-1"))
	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))
	w.Wait()

	assert.Equal(t, models.ApprovalStatusApproved, store.status("A3"))
	_, flushes := flusher.counts()
	assert.Equal(t, 1, flushes)
}

func TestAutoApprovalWatcherKeepsRunningAfterFailure(t *testing.T) {
	store := newPendingStoreStub(
		approvalRow{id: "A3", status: models.ApprovalStatusPending, jobID: "J1"},
		approvalRow{id: "A4", status: models.ApprovalStatusPending, jobID: "J2"},
	)
	store.findErr = errors.New("permission denied")
	flusher := &schedulerStub{}
	w := startWatcher(t, store, flusher, jobs.QueueConfig{MaxRetries: 0})

	w.HandleChange(context.Background(), taskAssigned("J1", "T-1"))
	w.Wait()
	assert.Equal(t, models.ApprovalStatusPending, store.status("A3"))

	store.mu.Lock()
	store.findErr = nil
	store.mu.Unlock()

	w.HandleChange(context.Background(), taskAssigned("J2", "T-2"))
	w.Wait()
	assert.Equal(t, models.ApprovalStatusApproved, store.status("A4"))
}
