package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lyrics-approvals-api/internal/models"
)

const approvalSelect = `SELECT la.id, la.status, la.lyrics, la.preview, la.voice, la.is_highlighted,
       la.regeneration_count, la.expires_at, la.rejection_reason, la.job_id,
       la.created_at, la.updated_at, la.approved_at,
       o.id AS "order.id", o.customer_email AS "order.customer_email", o.plan AS "order.plan",
       q.id AS "quiz.id", q.subject_name AS "quiz.subject_name", q.style AS "quiz.style",
       q.desired_tone AS "quiz.desired_tone", q.vocal_preference AS "quiz.vocal_preference",
       j.id AS "job.id", j.external_task_id AS "job.external_task_id", j.status AS "job.status"
FROM lyrics_approvals la
LEFT JOIN orders o ON o.id = la.order_id
LEFT JOIN quizzes q ON q.id = la.quiz_id
LEFT JOIN jobs j ON j.id = la.job_id`

// ApprovalRepository reads and writes lyrics approvals. It is the opaque data source
// behind the read cache and the remote actions.
type ApprovalRepository struct {
	db *sqlx.DB
}

// NewApprovalRepository constructs the repository.
func NewApprovalRepository(db *sqlx.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

func windowConditions(w models.QueryWindow, now time.Time) ([]string, []interface{}) {
	args := make([]interface{}, 0, len(w.Statuses)+1)
	conditions := make([]string, 0, 2)
	if len(w.Statuses) > 0 {
		placeholders := make([]string, len(w.Statuses))
		for i, status := range w.Statuses {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("la.status IN (%s)", strings.Join(placeholders, ",")))
	}
	if !w.IncludeExpired {
		args = append(args, now)
		conditions = append(conditions, fmt.Sprintf("(la.expires_at IS NULL OR la.expires_at > $%d)", len(args)))
	}
	return conditions, args
}

// List returns one page of approvals matching the window (newest first).
func (r *ApprovalRepository) List(ctx context.Context, w models.QueryWindow, now time.Time) ([]models.ApprovalRecord, error) {
	conditions, args := windowConditions(w, now)
	builder := strings.Builder{}
	builder.WriteString(approvalSelect)
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY la.is_highlighted DESC, la.created_at DESC, la.id")

	limit := w.Limit
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	offset := w.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	records := make([]models.ApprovalRecord, 0, limit)
	if err := r.db.SelectContext(ctx, &records, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return records, nil
}

// Count returns the total number of approvals matching the window's filter.
func (r *ApprovalRepository) Count(ctx context.Context, w models.QueryWindow, now time.Time) (int, error) {
	conditions, args := windowConditions(w, now)
	query := "SELECT COUNT(*) FROM lyrics_approvals la"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	var total int
	if err := r.db.GetContext(ctx, &total, query, args...); err != nil {
		return 0, fmt.Errorf("count approvals: %w", err)
	}
	return total, nil
}

// GetByID fetches one approval with its joins.
func (r *ApprovalRepository) GetByID(ctx context.Context, id string) (*models.ApprovalRecord, error) {
	var record models.ApprovalRecord
	if err := r.db.GetContext(ctx, &record, approvalSelect+" WHERE la.id = $1", id); err != nil {
		return nil, err
	}
	return &record, nil
}

// FindPendingByJobID returns the id of the pending approval linked to the job.
// sql.ErrNoRows means no pending approval references it.
func (r *ApprovalRepository) FindPendingByJobID(ctx context.Context, jobID string) (string, error) {
	const query = `SELECT id FROM lyrics_approvals WHERE job_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`
	var id string
	if err := r.db.GetContext(ctx, &id, query, jobID, models.ApprovalStatusPending); err != nil {
		return "", err
	}
	return id, nil
}

// Approve moves a pending approval to approved. It reports false when the row was
// not pending any more.
func (r *ApprovalRepository) Approve(ctx context.Context, id string, at time.Time) (bool, error) {
	const query = `UPDATE lyrics_approvals SET status = $2, approved_at = $3, updated_at = $3
	WHERE id = $1 AND status = $4`
	return r.execChanged(ctx, "approve", query, id, models.ApprovalStatusApproved, at, models.ApprovalStatusPending)
}

// Reject moves a pending approval to rejected with a reason.
func (r *ApprovalRepository) Reject(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	const query = `UPDATE lyrics_approvals SET status = $2, rejection_reason = $3, updated_at = $4
	WHERE id = $1 AND status = $5`
	return r.execChanged(ctx, "reject", query, id, models.ApprovalStatusRejected, reason, at, models.ApprovalStatusPending)
}

// Unapprove moves an approved approval back to pending.
func (r *ApprovalRepository) Unapprove(ctx context.Context, id string, at time.Time) (bool, error) {
	const query = `UPDATE lyrics_approvals SET status = $2, approved_at = NULL, updated_at = $3
	WHERE id = $1 AND status = $4`
	return r.execChanged(ctx, "unapprove", query, id, models.ApprovalStatusPending, at, models.ApprovalStatusApproved)
}

// UpdateLyrics replaces the lyrics payload.
func (r *ApprovalRepository) UpdateLyrics(ctx context.Context, id string, lyrics models.LyricsContent, preview string, at time.Time) (bool, error) {
	const query = `UPDATE lyrics_approvals SET lyrics = $2, preview = $3, updated_at = $4 WHERE id = $1`
	return r.execChanged(ctx, "update lyrics", query, id, lyrics, preview, at)
}

// Delete removes an approval. Deletion is always an explicit admin action.
func (r *ApprovalRepository) Delete(ctx context.Context, id string) (bool, error) {
	const query = `DELETE FROM lyrics_approvals WHERE id = $1`
	return r.execChanged(ctx, "delete", query, id)
}

// RegenerateResult is the row image after a regeneration request was recorded.
type RegenerateResult struct {
	PreviousStatus    models.ApprovalStatus `db:"previous_status"`
	Status            models.ApprovalStatus `db:"status"`
	Preview           string                `db:"preview"`
	Lyrics            models.LyricsContent  `db:"lyrics"`
	RegenerationCount int                   `db:"regeneration_count"`
	ExpiresAt         *time.Time            `db:"expires_at"`
	UpdatedAt         time.Time             `db:"updated_at"`
}

// MarkRegenerated bumps the regeneration counter, returns the approval to pending
// and extends its expiry. The result carries the status the row had before.
// sql.ErrNoRows means the approval does not exist.
func (r *ApprovalRepository) MarkRegenerated(ctx context.Context, id string, expiresAt, at time.Time) (*RegenerateResult, error) {
	const query = `UPDATE lyrics_approvals a
	SET regeneration_count = a.regeneration_count + 1, status = $2, expires_at = $3, updated_at = $4
	FROM (SELECT id, status FROM lyrics_approvals WHERE id = $1 FOR UPDATE) prev
	WHERE a.id = prev.id
	RETURNING prev.status AS previous_status, a.status, a.preview, a.lyrics, a.regeneration_count, a.expires_at, a.updated_at`
	var result RegenerateResult
	if err := r.db.QueryRowxContext(ctx, query, id, models.ApprovalStatusPending, expiresAt, at).StructScan(&result); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("regenerate approval: %w", err)
	}
	return &result, nil
}

func (r *ApprovalRepository) execChanged(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s approval: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check %s rows: %w", op, err)
	}
	return rows > 0, nil
}
