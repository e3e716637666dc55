package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// GenerationProfile configures one RSS-mode generation stream: which feeds to
// pull news candidates from and how long a full pipeline run may take.
type GenerationProfile struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name           string         `gorm:"column:name;not null;uniqueIndex" json:"name"`
	TopicFeeds     datatypes.JSON `gorm:"column:topic_feeds;type:jsonb" json:"topic_feeds"`
	TimeoutSeconds int            `gorm:"column:timeout_seconds;not null;default:900" json:"timeout_seconds"`
	Active         bool           `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt      time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (GenerationProfile) TableName() string { return "generation_profile" }

const (
	WordTypeNew    = "new"
	WordTypeReview = "review"
)

// DailyWordReference is the pre-computed spaced-repetition word set for one
// day. The pipeline consumes it read-only.
type DailyWordReference struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	RefDate  string    `gorm:"column:ref_date;not null;index" json:"ref_date"`
	Word     string    `gorm:"column:word;not null" json:"word"`
	WordType string    `gorm:"column:word_type;not null" json:"word_type"`
}

func (DailyWordReference) TableName() string { return "daily_word_reference" }
