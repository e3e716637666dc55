package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/types"
)

type DailyWordReferenceRepo interface {
	// ListByDate returns the spaced-repetition word set prepared for one
	// date, new words before review words.
	ListByDate(ctx context.Context, tx *gorm.DB, refDate string) ([]*types.DailyWordReference, error)
	Create(ctx context.Context, tx *gorm.DB, refs []*types.DailyWordReference) ([]*types.DailyWordReference, error)
}

type dailyWordReferenceRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDailyWordReferenceRepo(db *gorm.DB, baseLog *logger.Logger) DailyWordReferenceRepo {
	return &dailyWordReferenceRepo{
		db:  db,
		log: baseLog.With("repo", "DailyWordReferenceRepo"),
	}
}

func (r *dailyWordReferenceRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *dailyWordReferenceRepo) ListByDate(ctx context.Context, tx *gorm.DB, refDate string) ([]*types.DailyWordReference, error) {
	var refs []*types.DailyWordReference
	err := r.conn(tx).WithContext(ctx).
		Where("ref_date = ?", refDate).
		Order("word_type ASC, word ASC").
		Find(&refs).Error
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (r *dailyWordReferenceRepo) Create(ctx context.Context, tx *gorm.DB, refs []*types.DailyWordReference) ([]*types.DailyWordReference, error) {
	if len(refs) == 0 {
		return []*types.DailyWordReference{}, nil
	}
	if err := r.conn(tx).WithContext(ctx).Create(&refs).Error; err != nil {
		return nil, err
	}
	return refs, nil
}
