package store

import (
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a task in this status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Options carries engine parameters (language, formula, table, diarization,
// …). The store treats them as an opaque JSON blob.
type Options map[string]any

// Task is a single parse job and its full lifecycle record.
type Task struct {
	TaskID          string     `gorm:"column:task_id;primaryKey" json:"task_id"`
	OwnerUserID     string     `gorm:"column:owner_user_id;index" json:"owner_user_id"`
	FileName        string     `gorm:"column:file_name" json:"file_name"`
	FilePath        string     `gorm:"column:file_path" json:"-"`
	Backend         string     `gorm:"column:backend;index" json:"backend"`
	Options         Options    `gorm:"column:options;serializer:json" json:"options,omitempty"`
	Priority        int        `gorm:"column:priority;default:0" json:"priority"`
	Status          Status     `gorm:"column:status;index;default:pending" json:"status"`
	WorkerID        string     `gorm:"column:worker_id" json:"worker_id,omitempty"`
	CancelRequested bool       `gorm:"column:cancel_requested;default:false" json:"-"`
	CreatedAt       time.Time  `gorm:"column:created_at;index" json:"created_at"`
	StartedAt       *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	RetryCount      int        `gorm:"column:retry_count;default:0" json:"retry_count"`
	MaxRetries      int        `gorm:"column:max_retries" json:"max_retries"`
	ErrorMessage    string     `gorm:"column:error_message" json:"error_message,omitempty"`
	ResultDir       string     `gorm:"column:result_dir" json:"-"`
	MarkdownFile    string     `gorm:"column:markdown_file" json:"markdown_file,omitempty"`
	JSONFile        string     `gorm:"column:json_file" json:"json_file,omitempty"`
}

func (Task) TableName() string { return "tasks" }

// Stats is the per-status breakdown of the queue.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	Total      int64 `json:"total"`
}

// ListFilter narrows List results. An empty OwnerUserID means no owner
// restriction (global view).
type ListFilter struct {
	OwnerUserID string
	Status      Status
	Limit       int
	Offset      int
}
