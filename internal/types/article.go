package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Article is the committed output of a finished generation task. One row per
// task+provider+model+variant; levels and vocabulary hang off it and are
// deleted cascade-first on retry cleanup.
type Article struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID      uuid.UUID      `gorm:"type:uuid;column:task_id;not null;index" json:"task_id"`
	ProfileID   *uuid.UUID     `gorm:"type:uuid;column:profile_id;index" json:"profile_id,omitempty"`
	Provider    string         `gorm:"column:provider;not null;index" json:"provider"`
	Model       string         `gorm:"column:model;not null" json:"model"`
	Variant     string         `gorm:"column:variant;not null;default:default" json:"variant"`
	Title       string         `gorm:"column:title;not null" json:"title"`
	PullQuote   string         `gorm:"column:pull_quote" json:"pull_quote,omitempty"`
	Summary     string         `gorm:"column:summary" json:"summary,omitempty"`
	NewsSummary string         `gorm:"column:news_summary" json:"news_summary,omitempty"`
	SourceURLs  datatypes.JSON `gorm:"column:source_urls;type:jsonb" json:"source_urls,omitempty"`
	TaskDate    string         `gorm:"column:task_date;not null;index" json:"task_date"`
	CreatedAt   time.Time      `gorm:"not null;default:now()" json:"created_at"`
	PublishedAt *time.Time     `gorm:"column:published_at;index" json:"published_at,omitempty"`
}

func (Article) TableName() string { return "article" }

// ArticleLevel stores one difficulty rendition plus its linguistic
// annotations. Sentences and Structure are JSON arrays of SentenceData and
// AnalysisAnnotation with byte offsets into Content.
type ArticleLevel struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ArticleID uuid.UUID      `gorm:"type:uuid;column:article_id;not null;index" json:"article_id"`
	Level     int            `gorm:"column:level;not null" json:"level"`
	LevelName string         `gorm:"column:level_name;not null" json:"level_name"`
	Content   string         `gorm:"column:content;not null" json:"content"`
	Sentences datatypes.JSON `gorm:"column:sentences;type:jsonb" json:"sentences"`
	Structure datatypes.JSON `gorm:"column:structure;type:jsonb" json:"structure"`
	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (ArticleLevel) TableName() string { return "article_level" }

// ArticleVocabulary records which candidate words ended up in the article,
// used to exclude repeats from later same-day tasks.
type ArticleVocabulary struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ArticleID uuid.UUID `gorm:"type:uuid;column:article_id;not null;index" json:"article_id"`
	Word      string    `gorm:"column:word;not null;index" json:"word"`
	WordType  string    `gorm:"column:word_type;not null" json:"word_type"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (ArticleVocabulary) TableName() string { return "article_vocabulary" }
