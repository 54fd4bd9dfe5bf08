package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lyrics-approvals-api/internal/changestream"
	"github.com/noah-isme/lyrics-approvals-api/internal/models"
	"github.com/noah-isme/lyrics-approvals-api/internal/realtime"
	"github.com/noah-isme/lyrics-approvals-api/internal/repository"
	appErrors "github.com/noah-isme/lyrics-approvals-api/pkg/errors"
)

type storeStub struct {
	mu      sync.Mutex
	records map[string]*models.ApprovalRecord
	err     error
}

func newStoreStub(records ...models.ApprovalRecord) *storeStub {
	s := &storeStub{records: make(map[string]*models.ApprovalRecord)}
	for i := range records {
		r := records[i]
		s.records[r.ID] = &r
	}
	return s
}

func (s *storeStub) GetByID(_ context.Context, id string) (*models.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *r
	return &cp, nil
}

func (s *storeStub) transition(id string, from, to models.ApprovalStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	r, ok := s.records[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	return true, nil
}

func (s *storeStub) Approve(_ context.Context, id string, _ time.Time) (bool, error) {
	return s.transition(id, models.ApprovalStatusPending, models.ApprovalStatusApproved)
}

func (s *storeStub) Reject(_ context.Context, id, _ string, _ time.Time) (bool, error) {
	return s.transition(id, models.ApprovalStatusPending, models.ApprovalStatusRejected)
}

func (s *storeStub) Unapprove(_ context.Context, id string, _ time.Time) (bool, error) {
	return s.transition(id, models.ApprovalStatusApproved, models.ApprovalStatusPending)
}

func (s *storeStub) UpdateLyrics(_ context.Context, id string, lyrics models.LyricsContent, preview string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, nil
	}
	r.Lyrics = lyrics
	r.Preview = preview
	return true, nil
}

func (s *storeStub) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	delete(s.records, id)
	return true, nil
}

func (s *storeStub) MarkRegenerated(_ context.Context, id string, expiresAt, at time.Time) (*repository.RegenerateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	previous := r.Status
	r.RegenerationCount++
	r.Status = models.ApprovalStatusPending
	r.ExpiresAt = &expiresAt
	r.UpdatedAt = at
	return &repository.RegenerateResult{
		PreviousStatus:    previous,
		Status:            r.Status,
		Preview:           r.Preview,
		Lyrics:            r.Lyrics,
		RegenerationCount: r.RegenerationCount,
		ExpiresAt:         r.ExpiresAt,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

func subscribe(t *testing.T, stream *changestream.Memory) changestream.Subscription {
	t.Helper()
	sub, err := stream.Subscribe(context.Background(), approvalsTopic)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func nextChange(t *testing.T, sub changestream.Subscription) models.ChangeEvent {
	t.Helper()
	select {
	case evt := <-sub.Changes():
		return evt
	case <-time.After(time.Second):
		t.Fatal("no change notification published")
	}
	return models.ChangeEvent{}
}

func TestStoreActionsApprovePublishesTransition(t *testing.T) {
	store := newStoreStub(record("A1", models.ApprovalStatusPending, epoch))
	stream := changestream.NewMemory()
	sub := subscribe(t, stream)
	actions := NewStoreActions(store, nil, WithChangePublisher(stream, approvalsTopic), WithStoreClock(testclock.NewClock(epoch)))

	resp, err := actions.Approve(context.Background(), "A1")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Record.Status)
	assert.Equal(t, models.ApprovalStatusApproved, *resp.Record.Status)
	assert.True(t, resp.Record.UpdatedAt.Equal(epoch))

	evt := nextChange(t, sub)
	assert.Equal(t, models.ChangeUpdate, evt.Kind)
	assert.Equal(t, "A1", evt.EntityID())
	assert.Equal(t, models.ApprovalStatusPending, evt.OldStatus())
	assert.Equal(t, models.ApprovalStatusApproved, evt.NewStatus())
}

func TestStoreActionsApproveIsIdempotent(t *testing.T) {
	store := newStoreStub(record("A1", models.ApprovalStatusApproved, epoch))
	actions := NewStoreActions(store, nil)

	resp, err := actions.Approve(context.Background(), "A1")
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestStoreActionsGuardedTransitions(t *testing.T) {
	store := newStoreStub(
		record("A1", models.ApprovalStatusRejected, epoch),
		record("A2", models.ApprovalStatusPending, epoch),
	)
	actions := NewStoreActions(store, nil)
	ctx := context.Background()

	resp, err := actions.Approve(ctx, "A1")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "approval is rejected", resp.Error)

	resp, err = actions.Unapprove(ctx, "A2")
	require.NoError(t, err)
	assert.True(t, resp.Success, "pending is already the unapproved state")

	resp, err = actions.Reject(ctx, "A2", "flat melody")
	require.NoError(t, err)
	assert.True(t, resp.Success)

	_, err = actions.Approve(ctx, "missing")
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestStoreActionsStoreFailure(t *testing.T) {
	store := newStoreStub(record("A1", models.ApprovalStatusPending, epoch))
	store.err = errors.New("connection reset")
	actions := NewStoreActions(store, nil)

	_, err := actions.Reject(context.Background(), "A1", "too long")
	require.ErrorIs(t, err, appErrors.ErrInternal)
}

func TestStoreActionsRegenerateReturnsPatch(t *testing.T) {
	store := newStoreStub(record("A1", models.ApprovalStatusRejected, epoch))
	stream := changestream.NewMemory()
	sub := subscribe(t, stream)
	clk := testclock.NewClock(epoch)
	actions := NewStoreActions(store, nil,
		WithChangePublisher(stream, approvalsTopic), WithStoreClock(clk), WithRegenerationTTL(time.Hour))

	resp, err := actions.Regenerate(context.Background(), "A1")
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.NotNil(t, resp.Record.RegenerationCount)
	assert.Equal(t, 1, *resp.Record.RegenerationCount)
	assert.Equal(t, models.ApprovalStatusPending, *resp.Record.Status)
	require.NotNil(t, resp.Record.ExpiresAt)
	assert.True(t, resp.Record.ExpiresAt.Equal(epoch.Add(time.Hour)))

	evt := nextChange(t, sub)
	assert.Equal(t, models.ApprovalStatusRejected, evt.OldStatus())
	assert.Equal(t, models.ApprovalStatusPending, evt.NewStatus())
	assert.True(t, realtime.IsFastPath(evt), "rejected lyrics back in the queue take the fast path")

	resp, err = actions.Regenerate(context.Background(), "A1")
	require.NoError(t, err)
	require.True(t, resp.Success)
	evt = nextChange(t, sub)
	assert.False(t, realtime.IsFastPath(evt), "pending lyrics regenerated again stay on the normal path")

	_, err = actions.Regenerate(context.Background(), "missing")
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestStoreActionsDelete(t *testing.T) {
	store := newStoreStub(record("A1", models.ApprovalStatusPending, epoch))
	stream := changestream.NewMemory()
	sub := subscribe(t, stream)
	actions := NewStoreActions(store, nil, WithChangePublisher(stream, approvalsTopic))

	resp, err := actions.Delete(context.Background(), "A1")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	evt := nextChange(t, sub)
	assert.Equal(t, models.ChangeDelete, evt.Kind)
	assert.Equal(t, "A1", evt.EntityID())

	resp, err = actions.Delete(context.Background(), "A1")
	require.NoError(t, err)
	assert.False(t, resp.Success)
}

func TestStoreActionsEditDerivesPreview(t *testing.T) {
	store := newStoreStub(record("A1", models.ApprovalStatusPending, epoch))
	actions := NewStoreActions(store, nil)
	long := strings.Repeat("la ", 200)

	resp, err := actions.Edit(context.Background(), "A1", models.PlainText(long))
	require.NoError(t, err)
	require.NotNil(t, resp.Record.Preview)
	assert.Len(t, []rune(*resp.Record.Preview), 280)

	_, err = actions.Edit(context.Background(), "missing", models.PlainText("words"))
	require.ErrorIs(t, err, appErrors.ErrNotFound)
	_, err = actions.Edit(context.Background(), "A1", models.PlainText(""))
	require.ErrorIs(t, err, appErrors.ErrValidation)
}
