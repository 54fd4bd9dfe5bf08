package models

// BackgroundJob is the generation job that drives automatic approval.
type BackgroundJob struct {
	ID     string  `db:"id" json:"id"`
	Status string  `db:"status" json:"status"`
	TaskID *string `db:"external_task_id" json:"externalTaskId,omitempty"`
}

// HasTaskID reports whether the external provider accepted the job.
func (j BackgroundJob) HasTaskID() bool {
	return j.TaskID != nil && *j.TaskID != ""
}
