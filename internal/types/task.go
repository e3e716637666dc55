package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	TaskModeRSS        = "rss"
	TaskModeImpression = "impression"
)

const (
	TaskStatusQueued    = "queued"
	TaskStatusRunning   = "running"
	TaskStatusSucceeded = "succeeded"
	TaskStatusFailed    = "failed"
	TaskStatusCanceled  = "canceled"
)

// GenerationTask is the durable queue row. All cross-attempt coordination
// (lease, checkpoint, version counter) lives here so the queue survives
// process restarts.
type GenerationTask struct {
	ID               uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskDate         string         `gorm:"column:task_date;not null;index" json:"task_date"`
	Mode             string         `gorm:"column:mode;not null;default:rss" json:"mode"`
	ProfileID        *uuid.UUID     `gorm:"type:uuid;column:profile_id;index" json:"profile_id,omitempty"`
	Status           string         `gorm:"column:status;not null;index" json:"status"`
	TriggerSource    string         `gorm:"column:trigger_source" json:"trigger_source,omitempty"`
	ProviderOverride string         `gorm:"column:provider_override" json:"provider_override,omitempty"`
	LockedUntil      *time.Time     `gorm:"column:locked_until;index" json:"locked_until,omitempty"`
	Version          int            `gorm:"column:version;not null;default:0" json:"version"`
	ContextJSON      datatypes.JSON `gorm:"column:context_json;type:jsonb" json:"context_json,omitempty"`
	ErrorMessage     string         `gorm:"column:error_message" json:"error_message,omitempty"`
	ErrorContext     datatypes.JSON `gorm:"column:error_context;type:jsonb" json:"error_context,omitempty"`
	CreatedAt        time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	StartedAt        *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt       *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	PublishedAt      *time.Time     `gorm:"column:published_at" json:"published_at,omitempty"`
}

func (GenerationTask) TableName() string { return "generation_task" }

// LeaseExpired reports whether another worker may reclaim this task.
func (t *GenerationTask) LeaseExpired(now time.Time) bool {
	return t.LockedUntil == nil || t.LockedUntil.Before(now)
}
