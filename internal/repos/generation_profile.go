package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/types"
)

type GenerationProfileRepo interface {
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.GenerationProfile, error)
	ListActive(ctx context.Context, tx *gorm.DB) ([]*types.GenerationProfile, error)
	// UpsertByName reconciles a profile definition from configuration with
	// the stored row, keyed on the unique name.
	UpsertByName(ctx context.Context, tx *gorm.DB, profile *types.GenerationProfile) (*types.GenerationProfile, error)
}

type generationProfileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGenerationProfileRepo(db *gorm.DB, baseLog *logger.Logger) GenerationProfileRepo {
	return &generationProfileRepo{
		db:  db,
		log: baseLog.With("repo", "GenerationProfileRepo"),
	}
}

func (r *generationProfileRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *generationProfileRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.GenerationProfile, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var profile types.GenerationProfile
	err := r.conn(tx).WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&profile).Error
	if err != nil {
		return nil, err
	}
	if profile.ID == uuid.Nil {
		return nil, nil
	}
	return &profile, nil
}

func (r *generationProfileRepo) ListActive(ctx context.Context, tx *gorm.DB) ([]*types.GenerationProfile, error) {
	var profiles []*types.GenerationProfile
	err := r.conn(tx).WithContext(ctx).
		Where("active = ?", true).
		Order("name ASC").
		Find(&profiles).Error
	if err != nil {
		return nil, err
	}
	return profiles, nil
}

func (r *generationProfileRepo) UpsertByName(ctx context.Context, tx *gorm.DB, profile *types.GenerationProfile) (*types.GenerationProfile, error) {
	if profile == nil || profile.Name == "" {
		return nil, nil
	}
	err := r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"topic_feeds", "timeout_seconds", "active", "updated_at",
			}),
		}).
		Create(profile).Error
	if err != nil {
		return nil, err
	}
	return profile, nil
}
