package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/lyrics-approvals-api/internal/dto"
	"github.com/noah-isme/lyrics-approvals-api/internal/models"
)

type approvalSourceStub struct {
	mu         sync.Mutex
	records    []models.ApprovalRecord
	listCalls  int
	countCalls int
	err        error
	// beforeList runs ahead of every List call, outside the stub's lock.
	beforeList func()
}

func (s *approvalSourceStub) List(_ context.Context, w models.QueryWindow, now time.Time) ([]models.ApprovalRecord, error) {
	s.mu.Lock()
	hook := s.beforeList
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.err != nil {
		return nil, s.err
	}
	matched := s.matching(w, now)
	if w.Offset >= len(matched) {
		return []models.ApprovalRecord{}, nil
	}
	end := w.Offset + w.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return append([]models.ApprovalRecord(nil), matched[w.Offset:end]...), nil
}

func (s *approvalSourceStub) Count(_ context.Context, w models.QueryWindow, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countCalls++
	if s.err != nil {
		return 0, s.err
	}
	return len(s.matching(w, now)), nil
}

func (s *approvalSourceStub) matching(w models.QueryWindow, now time.Time) []models.ApprovalRecord {
	out := make([]models.ApprovalRecord, 0, len(s.records))
	for _, r := range s.records {
		if w.Matches(r, now) {
			out = append(out, r)
		}
	}
	return out
}

func (s *approvalSourceStub) update(id string, fn func(*models.ApprovalRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].ID == id {
			fn(&s.records[i])
		}
	}
}

func (s *approvalSourceStub) calls() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls, s.countCalls
}

type remoteCall struct {
	kind   string
	id     string
	reason string
}

type remoteStub struct {
	mu      sync.Mutex
	calls   []remoteCall
	respond func(kind, id string) (*dto.ActionResponse, error)
}

func (r *remoteStub) do(kind, id, reason string) (*dto.ActionResponse, error) {
	r.mu.Lock()
	r.calls = append(r.calls, remoteCall{kind: kind, id: id, reason: reason})
	respond := r.respond
	r.mu.Unlock()
	if respond == nil {
		return &dto.ActionResponse{Success: true}, nil
	}
	return respond(kind, id)
}

func (r *remoteStub) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *remoteStub) Approve(_ context.Context, id string) (*dto.ActionResponse, error) {
	return r.do(MutationApprove, id, "")
}

func (r *remoteStub) Reject(_ context.Context, id, reason string) (*dto.ActionResponse, error) {
	return r.do(MutationReject, id, reason)
}

func (r *remoteStub) Regenerate(_ context.Context, id string) (*dto.ActionResponse, error) {
	return r.do(MutationRegenerate, id, "")
}

func (r *remoteStub) Unapprove(_ context.Context, id string) (*dto.ActionResponse, error) {
	return r.do(MutationUnapprove, id, "")
}

func (r *remoteStub) Delete(_ context.Context, id string) (*dto.ActionResponse, error) {
	return r.do(MutationDelete, id, "")
}

func (r *remoteStub) Edit(_ context.Context, id string, _ models.LyricsContent) (*dto.ActionResponse, error) {
	return r.do(MutationEdit, id, "")
}

type schedulerStub struct {
	mu        sync.Mutex
	schedules []string
	flushes   []string
	flushErrs []error
}

func (s *schedulerStub) Schedule(_ context.Context, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = append(s.schedules, topic)
}

func (s *schedulerStub) Flush(ctx context.Context, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes = append(s.flushes, topic)
	s.flushErrs = append(s.flushErrs, ctx.Err())
}

func (s *schedulerStub) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.schedules), len(s.flushes)
}

type approvalRow struct {
	id     string
	status models.ApprovalStatus
	jobID  string
}

type pendingStoreStub struct {
	mu        sync.Mutex
	rows      map[string]*approvalRow
	findErr   error
	approveN  int
	failFinds int
}

func newPendingStoreStub(rows ...approvalRow) *pendingStoreStub {
	s := &pendingStoreStub{rows: make(map[string]*approvalRow)}
	for i := range rows {
		row := rows[i]
		s.rows[row.id] = &row
	}
	return s
}

func (s *pendingStoreStub) FindPendingByJobID(_ context.Context, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFinds > 0 {
		s.failFinds--
		return "", fmt.Errorf("connection reset")
	}
	if s.findErr != nil {
		return "", s.findErr
	}
	ids := make([]string, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		row := s.rows[id]
		if row.jobID == jobID && row.status == models.ApprovalStatusPending {
			return row.id, nil
		}
	}
	return "", sql.ErrNoRows
}

func (s *pendingStoreStub) Approve(_ context.Context, id string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.status != models.ApprovalStatusPending {
		return false, nil
	}
	row.status = models.ApprovalStatusApproved
	s.approveN++
	return true, nil
}

func (s *pendingStoreStub) status(id string) models.ApprovalStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		return row.status
	}
	return ""
}

func (s *pendingStoreStub) approvals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approveN
}

func record(id string, status models.ApprovalStatus, created time.Time) models.ApprovalRecord {
	return models.ApprovalRecord{
		ID:        id,
		Status:    status,
		Lyrics:    models.PlainText("lyrics " + id),
		Preview:   "preview " + id,
		Voice:     models.VoiceFemale,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func adminContext() context.Context {
	return models.WithSession(context.Background(), &models.Session{UserID: "admin-1", Role: models.RoleAdmin})
}

func ids(records []models.ApprovalRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
