package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/lyrics-approvals-api/internal/dto"
	"github.com/noah-isme/lyrics-approvals-api/internal/middleware"
	"github.com/noah-isme/lyrics-approvals-api/internal/models"
	appErrors "github.com/noah-isme/lyrics-approvals-api/pkg/errors"
	"github.com/noah-isme/lyrics-approvals-api/pkg/response"
)

type approvalReader interface {
	Window(ctx context.Context, w models.QueryWindow) ([]models.ApprovalRecord, error)
	Count(ctx context.Context, w models.QueryWindow) (int, error)
	Normalize(w models.QueryWindow) models.QueryWindow
}

type approvalMutator interface {
	Approve(ctx context.Context, id string) (*dto.MutationResult, error)
	Reject(ctx context.Context, id, reason string) (*dto.MutationResult, error)
	Regenerate(ctx context.Context, id string) (*dto.MutationResult, error)
	Unapprove(ctx context.Context, id string) (*dto.MutationResult, error)
	Delete(ctx context.Context, id string) (*dto.MutationResult, error)
	Edit(ctx context.Context, id string, content models.LyricsContent) (*dto.MutationResult, error)
	InFlight(kind, id string) bool
}

// ApprovalHandler exposes the approval queue and its admin actions.
type ApprovalHandler struct {
	reads     approvalReader
	mutations approvalMutator
	kinds     []string
	validate  *validator.Validate
}

// NewApprovalHandler builds the handler. kinds lists the action kinds reported by InFlight.
func NewApprovalHandler(reads approvalReader, mutations approvalMutator, kinds []string, validate *validator.Validate) *ApprovalHandler {
	if validate == nil {
		validate = validator.New()
	}
	return &ApprovalHandler{reads: reads, mutations: mutations, kinds: kinds, validate: validate}
}

// List godoc
// @Summary List lyrics approvals
// @Description Paginated approvals matching the status filter. Expired approvals are hidden unless include_expired is set.
// @Tags Approvals
// @Produce json
// @Param status query string false "Comma separated statuses (pending, approved, rejected)"
// @Param include_expired query bool false "Include approvals past their expiry"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /approvals [get]
func (h *ApprovalHandler) List(c *gin.Context) {
	window, err := h.bindWindow(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	records, err := h.reads.Window(c.Request.Context(), window)
	if err != nil {
		response.Error(c, appErrors.WrapAs(appErrors.ErrInternal, err, "failed to load approvals"))
		return
	}

	pagination := &models.Pagination{Limit: window.Limit, Offset: window.Offset}
	if total, err := h.reads.Count(c.Request.Context(), window); err == nil {
		pagination.TotalCount = &total
	} else {
		_ = c.Error(err)
	}
	response.JSON(c, http.StatusOK, records, pagination, middleware.ExtractMeta(c))
}

// Count godoc
// @Summary Count lyrics approvals
// @Tags Approvals
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param include_expired query bool false "Include approvals past their expiry"
// @Success 200 {object} response.Envelope
// @Router /approvals/count [get]
func (h *ApprovalHandler) Count(c *gin.Context) {
	window, err := h.bindWindow(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	total, err := h.reads.Count(c.Request.Context(), window)
	if err != nil {
		response.Error(c, appErrors.WrapAs(appErrors.ErrInternal, err, "failed to count approvals"))
		return
	}
	response.OK(c, gin.H{"total_count": total})
}

// InFlight godoc
// @Summary Outstanding actions for an approval
// @Tags Approvals
// @Produce json
// @Param id path string true "Approval ID"
// @Success 200 {object} response.Envelope
// @Router /approvals/{id}/in-flight [get]
func (h *ApprovalHandler) InFlight(c *gin.Context) {
	id := c.Param("id")
	actions := make(map[string]bool, len(h.kinds))
	for _, kind := range h.kinds {
		actions[kind] = h.mutations.InFlight(kind, id)
	}
	response.OK(c, dto.InFlightResponse{ID: id, Actions: actions})
}

// Approve godoc
// @Summary Approve lyrics
// @Tags Approvals
// @Produce json
// @Param id path string true "Approval ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /approvals/{id}/approve [post]
func (h *ApprovalHandler) Approve(c *gin.Context) {
	result, err := h.mutations.Approve(c.Request.Context(), c.Param("id"))
	h.respond(c, result, err)
}

// Reject godoc
// @Summary Reject lyrics
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Approval ID"
// @Param payload body dto.RejectApprovalRequest true "Rejection reason"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /approvals/{id}/reject [post]
func (h *ApprovalHandler) Reject(c *gin.Context) {
	var req dto.RejectApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid reject payload"))
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if err := h.validate.Struct(req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "rejection reason must be 3 to 500 characters"))
		return
	}
	result, err := h.mutations.Reject(c.Request.Context(), c.Param("id"), req.Reason)
	h.respond(c, result, err)
}

// Regenerate godoc
// @Summary Regenerate lyrics
// @Tags Approvals
// @Produce json
// @Param id path string true "Approval ID"
// @Success 200 {object} response.Envelope
// @Router /approvals/{id}/regenerate [post]
func (h *ApprovalHandler) Regenerate(c *gin.Context) {
	result, err := h.mutations.Regenerate(c.Request.Context(), c.Param("id"))
	h.respond(c, result, err)
}

// Unapprove godoc
// @Summary Return approved lyrics to pending
// @Tags Approvals
// @Produce json
// @Param id path string true "Approval ID"
// @Success 200 {object} response.Envelope
// @Router /approvals/{id}/unapprove [post]
func (h *ApprovalHandler) Unapprove(c *gin.Context) {
	result, err := h.mutations.Unapprove(c.Request.Context(), c.Param("id"))
	h.respond(c, result, err)
}

// Edit godoc
// @Summary Replace lyrics
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Approval ID"
// @Param payload body dto.EditLyricsRequest true "Lyrics as {text} or a sections array"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /approvals/{id}/lyrics [put]
func (h *ApprovalHandler) Edit(c *gin.Context) {
	var req dto.EditLyricsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid lyrics payload"))
		return
	}
	result, err := h.mutations.Edit(c.Request.Context(), c.Param("id"), req.Lyrics)
	h.respond(c, result, err)
}

// Delete godoc
// @Summary Delete an approval
// @Description The approval disappears from every cached list at once and comes back in place if the backend refuses.
// @Tags Approvals
// @Produce json
// @Param id path string true "Approval ID"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /approvals/{id} [delete]
func (h *ApprovalHandler) Delete(c *gin.Context) {
	result, err := h.mutations.Delete(c.Request.Context(), c.Param("id"))
	h.respond(c, result, err)
}

func (h *ApprovalHandler) respond(c *gin.Context, result *dto.MutationResult, err error) {
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

func (h *ApprovalHandler) bindWindow(c *gin.Context) (models.QueryWindow, error) {
	var query dto.ApprovalQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		return models.QueryWindow{}, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters")
	}
	if err := h.validate.Struct(query); err != nil {
		return models.QueryWindow{}, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid pagination")
	}
	statuses, err := parseStatuses(query.Status)
	if err != nil {
		return models.QueryWindow{}, err
	}
	return h.reads.Normalize(models.QueryWindow{
		Statuses:       statuses,
		IncludeExpired: query.IncludeExpired,
		Limit:          query.Limit,
		Offset:         query.Offset,
	}), nil
}

func parseStatuses(raw string) ([]models.ApprovalStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	statuses := make([]models.ApprovalStatus, 0, len(parts))
	for _, part := range parts {
		status := models.ApprovalStatus(strings.ToLower(strings.TrimSpace(part)))
		if status == "" {
			continue
		}
		if !status.Valid() {
			return nil, appErrors.Clone(appErrors.ErrValidation, "unknown status "+string(status))
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
