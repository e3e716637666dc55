// Package deletion removes articles and tasks together with their dependent
// rows. Children are always deleted before parents so a crash mid-delete
// never leaves orphans pointing at a missing parent.
package deletion

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/types"
)

type Service interface {
	// DeleteArticleWithCascade removes an article with its levels and
	// vocabulary in one transaction.
	DeleteArticleWithCascade(ctx context.Context, articleID uuid.UUID) error
	// DeleteTaskWithCascade removes a task and every article it produced.
	DeleteTaskWithCascade(ctx context.Context, taskID uuid.UUID) error
}

type service struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewService(db *gorm.DB, baseLog *logger.Logger) Service {
	return &service{
		db:  db,
		log: baseLog.With("service", "DeletionService"),
	}
}

func (s *service) DeleteArticleWithCascade(ctx context.Context, articleID uuid.UUID) error {
	if articleID == uuid.Nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteArticleTree(tx, articleID)
	})
}

func (s *service) DeleteTaskWithCascade(ctx context.Context, taskID uuid.UUID) error {
	if taskID == uuid.Nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var articleIDs []uuid.UUID
		err := tx.Model(&types.Article{}).
			Where("task_id = ?", taskID).
			Pluck("id", &articleIDs).Error
		if err != nil {
			return fmt.Errorf("deletion: list task articles: %w", err)
		}
		for _, id := range articleIDs {
			if err := deleteArticleTree(tx, id); err != nil {
				return err
			}
		}
		if err := tx.Where("id = ?", taskID).Delete(&types.GenerationTask{}).Error; err != nil {
			return fmt.Errorf("deletion: delete task: %w", err)
		}
		return nil
	})
}

func deleteArticleTree(tx *gorm.DB, articleID uuid.UUID) error {
	if err := tx.Where("article_id = ?", articleID).Delete(&types.ArticleVocabulary{}).Error; err != nil {
		return fmt.Errorf("deletion: delete article vocabulary: %w", err)
	}
	if err := tx.Where("article_id = ?", articleID).Delete(&types.ArticleLevel{}).Error; err != nil {
		return fmt.Errorf("deletion: delete article levels: %w", err)
	}
	if err := tx.Where("id = ?", articleID).Delete(&types.Article{}).Error; err != nil {
		return fmt.Errorf("deletion: delete article: %w", err)
	}
	return nil
}
