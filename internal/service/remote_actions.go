package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/lyrics-approvals-api/internal/dto"
	"github.com/noah-isme/lyrics-approvals-api/internal/models"
	appErrors "github.com/noah-isme/lyrics-approvals-api/pkg/errors"
)

// RemoteActions executes approval actions on the backend. Implementations return the
// raw envelope; callers decide what Success=false means.
type RemoteActions interface {
	Approve(ctx context.Context, id string) (*dto.ActionResponse, error)
	Reject(ctx context.Context, id, reason string) (*dto.ActionResponse, error)
	Regenerate(ctx context.Context, id string) (*dto.ActionResponse, error)
	Unapprove(ctx context.Context, id string) (*dto.ActionResponse, error)
	Delete(ctx context.Context, id string) (*dto.ActionResponse, error)
	Edit(ctx context.Context, id string, content models.LyricsContent) (*dto.ActionResponse, error)
}

// FunctionsConfig points the client at the managed backend's action functions.
type FunctionsConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// FunctionsClient calls the backend's HTTP action functions, one route per action.
type FunctionsClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewFunctionsClient constructs the client. The HTTP timeout is the only deadline
// applied to a remote action.
func NewFunctionsClient(cfg FunctionsConfig, logger *zap.Logger) *FunctionsClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &FunctionsClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// Approve implements RemoteActions.
func (c *FunctionsClient) Approve(ctx context.Context, id string) (*dto.ActionResponse, error) {
	return c.call(ctx, "approve-lyrics", dto.ActionRequest{Action: MutationApprove, ID: id})
}

// Reject implements RemoteActions.
func (c *FunctionsClient) Reject(ctx context.Context, id, reason string) (*dto.ActionResponse, error) {
	return c.call(ctx, "reject-lyrics", dto.ActionRequest{Action: MutationReject, ID: id, Reason: reason})
}

// Regenerate implements RemoteActions.
func (c *FunctionsClient) Regenerate(ctx context.Context, id string) (*dto.ActionResponse, error) {
	return c.call(ctx, "regenerate-lyrics", dto.ActionRequest{Action: MutationRegenerate, ID: id})
}

// Unapprove implements RemoteActions.
func (c *FunctionsClient) Unapprove(ctx context.Context, id string) (*dto.ActionResponse, error) {
	return c.call(ctx, "unapprove-lyrics", dto.ActionRequest{Action: MutationUnapprove, ID: id})
}

// Delete implements RemoteActions.
func (c *FunctionsClient) Delete(ctx context.Context, id string) (*dto.ActionResponse, error) {
	return c.call(ctx, "delete-lyrics", dto.ActionRequest{Action: MutationDelete, ID: id})
}

// Edit implements RemoteActions.
func (c *FunctionsClient) Edit(ctx context.Context, id string, content models.LyricsContent) (*dto.ActionResponse, error) {
	return c.call(ctx, "update-lyrics", dto.ActionRequest{Action: MutationEdit, ID: id, Lyrics: &content})
}

func (c *FunctionsClient) call(ctx context.Context, function string, payload dto.ActionRequest) (*dto.ActionResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", function, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+function, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", function, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if session := models.SessionFromContext(ctx); session != nil {
		req.Header.Set("X-Actor-ID", session.UserID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrRemoteUnavailable, err, fmt.Sprintf("%s request failed", function))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrRemoteUnavailable, err, fmt.Sprintf("%s response unreadable", function))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("remote action returned error status",
			zap.String("function", function), zap.Int("status", resp.StatusCode), zap.String("id", payload.ID))
		message := fmt.Sprintf("%s returned status %d", function, resp.StatusCode)
		var envelope dto.ActionResponse
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
			message = envelope.Error
		}
		return nil, appErrors.Clone(appErrors.ErrRemoteUnavailable, message)
	}

	var envelope dto.ActionResponse
	if len(bytes.TrimSpace(raw)) == 0 {
		return &dto.ActionResponse{Success: true}, nil
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrRemoteUnavailable, err, fmt.Sprintf("%s response malformed", function))
	}
	return &envelope, nil
}
