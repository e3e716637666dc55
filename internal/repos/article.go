package repos

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/types"
)

type ArticleRepo interface {
	Create(ctx context.Context, tx *gorm.DB, article *types.Article) (*types.Article, error)
	CreateLevels(ctx context.Context, tx *gorm.DB, levels []*types.ArticleLevel) ([]*types.ArticleLevel, error)
	CreateVocabulary(ctx context.Context, tx *gorm.DB, words []*types.ArticleVocabulary) ([]*types.ArticleVocabulary, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Article, error)
	// FindByTaskOutput locates any article previously committed by the same
	// task attempt family. Used for pre-commit cleanup on retries.
	FindByTaskOutput(ctx context.Context, tx *gorm.DB, taskID uuid.UUID, provider, model, variant string) (*types.Article, error)
	ListLevels(ctx context.Context, tx *gorm.DB, articleID uuid.UUID) ([]*types.ArticleLevel, error)
	// RecentTitles returns titles of the newest articles, newest first, for
	// topic-repetition avoidance in prompts.
	RecentTitles(ctx context.Context, tx *gorm.DB, limit int) ([]string, error)
	// WordsUsedOnDate returns vocabulary already consumed by articles
	// committed for the given task date.
	WordsUsedOnDate(ctx context.Context, tx *gorm.DB, taskDate string) ([]string, error)
	// SourceURLsOnDate collects source links of same-day articles so later
	// tasks do not re-select the same news item.
	SourceURLsOnDate(ctx context.Context, tx *gorm.DB, taskDate string) ([]string, error)
}

type articleRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArticleRepo(db *gorm.DB, baseLog *logger.Logger) ArticleRepo {
	return &articleRepo{
		db:  db,
		log: baseLog.With("repo", "ArticleRepo"),
	}
}

func (r *articleRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *articleRepo) Create(ctx context.Context, tx *gorm.DB, article *types.Article) (*types.Article, error) {
	if article == nil {
		return nil, nil
	}
	if err := r.conn(tx).WithContext(ctx).Create(article).Error; err != nil {
		return nil, err
	}
	return article, nil
}

func (r *articleRepo) CreateLevels(ctx context.Context, tx *gorm.DB, levels []*types.ArticleLevel) ([]*types.ArticleLevel, error) {
	if len(levels) == 0 {
		return []*types.ArticleLevel{}, nil
	}
	if err := r.conn(tx).WithContext(ctx).Create(&levels).Error; err != nil {
		return nil, err
	}
	return levels, nil
}

func (r *articleRepo) CreateVocabulary(ctx context.Context, tx *gorm.DB, words []*types.ArticleVocabulary) ([]*types.ArticleVocabulary, error) {
	if len(words) == 0 {
		return []*types.ArticleVocabulary{}, nil
	}
	if err := r.conn(tx).WithContext(ctx).Create(&words).Error; err != nil {
		return nil, err
	}
	return words, nil
}

func (r *articleRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Article, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var article types.Article
	err := r.conn(tx).WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&article).Error
	if err != nil {
		return nil, err
	}
	if article.ID == uuid.Nil {
		return nil, nil
	}
	return &article, nil
}

func (r *articleRepo) FindByTaskOutput(ctx context.Context, tx *gorm.DB, taskID uuid.UUID, provider, model, variant string) (*types.Article, error) {
	if taskID == uuid.Nil {
		return nil, nil
	}
	var article types.Article
	err := r.conn(tx).WithContext(ctx).
		Where("task_id = ? AND provider = ? AND model = ? AND variant = ?", taskID, provider, model, variant).
		Limit(1).
		Find(&article).Error
	if err != nil {
		return nil, err
	}
	if article.ID == uuid.Nil {
		return nil, nil
	}
	return &article, nil
}

func (r *articleRepo) ListLevels(ctx context.Context, tx *gorm.DB, articleID uuid.UUID) ([]*types.ArticleLevel, error) {
	if articleID == uuid.Nil {
		return []*types.ArticleLevel{}, nil
	}
	var levels []*types.ArticleLevel
	err := r.conn(tx).WithContext(ctx).
		Where("article_id = ?", articleID).
		Order("level ASC").
		Find(&levels).Error
	if err != nil {
		return nil, err
	}
	return levels, nil
}

func (r *articleRepo) RecentTitles(ctx context.Context, tx *gorm.DB, limit int) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	var titles []string
	err := r.conn(tx).WithContext(ctx).
		Model(&types.Article{}).
		Order("created_at DESC").
		Limit(limit).
		Pluck("title", &titles).Error
	if err != nil {
		return nil, err
	}
	return titles, nil
}

func (r *articleRepo) WordsUsedOnDate(ctx context.Context, tx *gorm.DB, taskDate string) ([]string, error) {
	var words []string
	err := r.conn(tx).WithContext(ctx).
		Model(&types.ArticleVocabulary{}).
		Joins("JOIN article ON article.id = article_vocabulary.article_id").
		Where("article.task_date = ?", taskDate).
		Pluck("article_vocabulary.word", &words).Error
	if err != nil {
		return nil, err
	}
	return words, nil
}

func (r *articleRepo) SourceURLsOnDate(ctx context.Context, tx *gorm.DB, taskDate string) ([]string, error) {
	var blobs [][]byte
	err := r.conn(tx).WithContext(ctx).
		Model(&types.Article{}).
		Where("task_date = ? AND source_urls IS NOT NULL", taskDate).
		Pluck("source_urls", &blobs).Error
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var urls []string
	for _, blob := range blobs {
		var batch []string
		if jsonErr := json.Unmarshal(blob, &batch); jsonErr != nil {
			continue
		}
		for _, u := range batch {
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			urls = append(urls, u)
		}
	}
	return urls, nil
}
