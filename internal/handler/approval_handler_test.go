package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lyrics-approvals-api/internal/dto"
	"github.com/noah-isme/lyrics-approvals-api/internal/models"
	appErrors "github.com/noah-isme/lyrics-approvals-api/pkg/errors"
)

type readerMock struct {
	window   models.QueryWindow
	records  []models.ApprovalRecord
	total    int
	countErr error
	listErr  error
}

func (m *readerMock) Window(_ context.Context, w models.QueryWindow) ([]models.ApprovalRecord, error) {
	m.window = w
	return m.records, m.listErr
}

func (m *readerMock) Count(_ context.Context, w models.QueryWindow) (int, error) {
	m.window = w
	return m.total, m.countErr
}

func (m *readerMock) Normalize(w models.QueryWindow) models.QueryWindow {
	return w.Normalize(20, 100)
}

type mutatorMock struct {
	lastKind   string
	lastID     string
	lastReason string
	lastLyrics models.LyricsContent
	err        error
	inFlight   map[string]bool
}

func (m *mutatorMock) record(kind, id string) (*dto.MutationResult, error) {
	m.lastKind, m.lastID = kind, id
	if m.err != nil {
		return nil, m.err
	}
	return &dto.MutationResult{ID: id, Kind: kind}, nil
}

func (m *mutatorMock) Approve(_ context.Context, id string) (*dto.MutationResult, error) {
	return m.record("approve", id)
}

func (m *mutatorMock) Reject(_ context.Context, id, reason string) (*dto.MutationResult, error) {
	m.lastReason = reason
	return m.record("reject", id)
}

func (m *mutatorMock) Regenerate(_ context.Context, id string) (*dto.MutationResult, error) {
	return m.record("regenerate", id)
}

func (m *mutatorMock) Unapprove(_ context.Context, id string) (*dto.MutationResult, error) {
	return m.record("unapprove", id)
}

func (m *mutatorMock) Delete(_ context.Context, id string) (*dto.MutationResult, error) {
	return m.record("delete", id)
}

func (m *mutatorMock) Edit(_ context.Context, id string, content models.LyricsContent) (*dto.MutationResult, error) {
	m.lastLyrics = content
	return m.record("edit", id)
}

func (m *mutatorMock) InFlight(kind, _ string) bool {
	return m.inFlight[kind]
}

func approvalRouter(h *ApprovalHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/approvals", h.List)
	r.GET("/approvals/count", h.Count)
	r.GET("/approvals/:id/in-flight", h.InFlight)
	r.POST("/approvals/:id/approve", h.Approve)
	r.POST("/approvals/:id/reject", h.Reject)
	r.POST("/approvals/:id/regenerate", h.Regenerate)
	r.POST("/approvals/:id/unapprove", h.Unapprove)
	r.PUT("/approvals/:id/lyrics", h.Edit)
	r.DELETE("/approvals/:id", h.Delete)
	return r
}

func perform(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Data       json.RawMessage    `json:"data"`
	Error      *appErrors.Error   `json:"error"`
	Pagination *models.Pagination `json:"pagination"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestApprovalHandlerListBuildsWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	reads := &readerMock{
		records: []models.ApprovalRecord{{ID: "A1", Status: models.ApprovalStatusPending, CreatedAt: now, UpdatedAt: now}},
		total:   7,
	}
	r := approvalRouter(NewApprovalHandler(reads, &mutatorMock{}, nil, nil))

	w := perform(r, http.MethodGet, "/approvals?status=Pending,approved,pending&limit=5&offset=5&include_expired=true", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []models.ApprovalStatus{models.ApprovalStatusApproved, models.ApprovalStatusPending}, reads.window.Statuses)
	assert.True(t, reads.window.IncludeExpired)
	assert.Equal(t, 5, reads.window.Limit)
	assert.Equal(t, 5, reads.window.Offset)

	env := decode(t, w)
	require.NotNil(t, env.Pagination)
	require.NotNil(t, env.Pagination.TotalCount)
	assert.Equal(t, 7, *env.Pagination.TotalCount)
	var records []models.ApprovalRecord
	require.NoError(t, json.Unmarshal(env.Data, &records))
	assert.Len(t, records, 1)
}

func TestApprovalHandlerListUnresolvedCountIsNull(t *testing.T) {
	reads := &readerMock{records: []models.ApprovalRecord{}, countErr: errors.New("timeout")}
	r := approvalRouter(NewApprovalHandler(reads, &mutatorMock{}, nil, nil))

	w := perform(r, http.MethodGet, "/approvals", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decode(t, w)
	require.NotNil(t, env.Pagination)
	assert.Nil(t, env.Pagination.TotalCount)
	assert.Equal(t, 20, env.Pagination.Limit)
}

func TestApprovalHandlerListRejectsBadQuery(t *testing.T) {
	r := approvalRouter(NewApprovalHandler(&readerMock{}, &mutatorMock{}, nil, nil))

	for _, path := range []string{"/approvals?status=archived", "/approvals?limit=500", "/approvals?offset=abc"} {
		w := perform(r, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestApprovalHandlerListSourceFailure(t *testing.T) {
	r := approvalRouter(NewApprovalHandler(&readerMock{listErr: errors.New("db down")}, &mutatorMock{}, nil, nil))
	w := perform(r, http.MethodGet, "/approvals", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestApprovalHandlerCount(t *testing.T) {
	r := approvalRouter(NewApprovalHandler(&readerMock{total: 3}, &mutatorMock{}, nil, nil))
	w := perform(r, http.MethodGet, "/approvals/count?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"total_count":3}`, string(decode(t, w).Data))
}

func TestApprovalHandlerActionsRouteToMutations(t *testing.T) {
	mutations := &mutatorMock{}
	r := approvalRouter(NewApprovalHandler(&readerMock{}, mutations, nil, nil))

	tests := []struct {
		method string
		path   string
		body   string
		kind   string
	}{
		{http.MethodPost, "/approvals/A1/approve", "", "approve"},
		{http.MethodPost, "/approvals/A1/reject", `{"reason":"wrong name"}`, "reject"},
		{http.MethodPost, "/approvals/A1/regenerate", "", "regenerate"},
		{http.MethodPost, "/approvals/A1/unapprove", "", "unapprove"},
		{http.MethodPut, "/approvals/A1/lyrics", `{"lyrics":{"text":"new words"}}`, "edit"},
		{http.MethodDelete, "/approvals/A1", "", "delete"},
	}
	for _, tc := range tests {
		t.Run(tc.kind, func(t *testing.T) {
			var body []byte
			if tc.body != "" {
				body = []byte(tc.body)
			}
			w := perform(r, tc.method, tc.path, body)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, tc.kind, mutations.lastKind)
			assert.Equal(t, "A1", mutations.lastID)
		})
	}
	assert.Equal(t, "wrong name", mutations.lastReason)
	assert.Equal(t, "new words", mutations.lastLyrics.Text())
}

func TestApprovalHandlerRejectValidatesReason(t *testing.T) {
	mutations := &mutatorMock{}
	r := approvalRouter(NewApprovalHandler(&readerMock{}, mutations, nil, nil))

	for _, body := range []string{`{"reason":"  "}`, `{"reason":"ok"}`, `not json`} {
		w := perform(r, http.MethodPost, "/approvals/A1/reject", []byte(body))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Empty(t, mutations.lastKind)
}

func TestApprovalHandlerMapsMutationErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{appErrors.ErrMutationInFlight, http.StatusConflict},
		{appErrors.Clone(appErrors.ErrRemoteRejected, "locked"), http.StatusUnprocessableEntity},
		{appErrors.Clone(appErrors.ErrRemoteUnavailable, "timeout"), http.StatusBadGateway},
		{appErrors.Clone(appErrors.ErrUnauthorized, "sign in"), http.StatusUnauthorized},
	}
	for _, tc := range tests {
		r := approvalRouter(NewApprovalHandler(&readerMock{}, &mutatorMock{err: tc.err}, nil, nil))
		w := perform(r, http.MethodDelete, "/approvals/A2", nil)
		require.Equal(t, tc.status, w.Code)
		env := decode(t, w)
		require.NotNil(t, env.Error)
		assert.Equal(t, appErrors.FromError(tc.err).Message, env.Error.Message)
	}
}

func TestApprovalHandlerInFlight(t *testing.T) {
	mutations := &mutatorMock{inFlight: map[string]bool{"approve": true}}
	r := approvalRouter(NewApprovalHandler(&readerMock{}, mutations, []string{"approve", "delete"}, nil))

	w := perform(r, http.MethodGet, "/approvals/A1/in-flight", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.InFlightResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &resp))
	assert.Equal(t, map[string]bool{"approve": true, "delete": false}, resp.Actions)
}
