package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/types"
)

type GenerationTaskRepo interface {
	Create(ctx context.Context, tx *gorm.DB, tasks []*types.GenerationTask) ([]*types.GenerationTask, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.GenerationTask, error)
	// ClaimNextRunnable picks the oldest claimable task (queued, or running
	// with an expired lease) and transitions it to running with a fresh
	// lease via a version-checked conditional update. Returns nil when no
	// task is claimable.
	ClaimNextRunnable(ctx context.Context, tx *gorm.DB, lease time.Duration) (*types.GenerationTask, error)
	// KeepAlive extends the lease of a running task. Zero rows updated is
	// not an error: the task may have been stolen or terminated.
	KeepAlive(ctx context.Context, tx *gorm.DB, id uuid.UUID, extension time.Duration) error
	SaveCheckpoint(ctx context.Context, tx *gorm.DB, id uuid.UUID, checkpoint datatypes.JSON) error
	// MarkSucceeded and MarkFailed fence on the version taken at claim time,
	// so a worker whose lease was stolen cannot terminate the thief's run.
	// A stale write updates zero rows and is not an error.
	MarkSucceeded(ctx context.Context, tx *gorm.DB, id uuid.UUID, version int) error
	MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, version int, errorMessage string, errorContext datatypes.JSON) error
}

type generationTaskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGenerationTaskRepo(db *gorm.DB, baseLog *logger.Logger) GenerationTaskRepo {
	return &generationTaskRepo{
		db:  db,
		log: baseLog.With("repo", "GenerationTaskRepo"),
	}
}

func (r *generationTaskRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *generationTaskRepo) Create(ctx context.Context, tx *gorm.DB, tasks []*types.GenerationTask) ([]*types.GenerationTask, error) {
	if len(tasks) == 0 {
		return []*types.GenerationTask{}, nil
	}
	if err := r.conn(tx).WithContext(ctx).Create(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *generationTaskRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.GenerationTask, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var task types.GenerationTask
	err := r.conn(tx).WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == uuid.Nil {
		return nil, nil
	}
	return &task, nil
}

// claimRetries bounds the re-selection loop when the conditional update
// loses a race against another worker.
const claimRetries = 3

func (r *generationTaskRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, lease time.Duration) (*types.GenerationTask, error) {
	return claimWithRetry(func() (*types.GenerationTask, bool, error) {
		return r.tryClaim(ctx, tx, lease)
	})
}

// claimWithRetry re-selects when the conditional update loses a race against
// another worker, up to claimRetries attempts. Giving up after the bound is
// fine: the next poll starts over.
func claimWithRetry(attempt func() (*types.GenerationTask, bool, error)) (*types.GenerationTask, error) {
	for i := 0; i < claimRetries; i++ {
		claimed, raced, err := attempt()
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
		if !raced {
			return nil, nil
		}
	}
	return nil, nil
}

func (r *generationTaskRepo) tryClaim(ctx context.Context, tx *gorm.DB, lease time.Duration) (claimed *types.GenerationTask, raced bool, err error) {
	now := time.Now().UTC()
	err = r.conn(tx).WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var task types.GenerationTask
		qErr := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
				status = ?
				OR (status = ? AND (locked_until IS NULL OR locked_until < ?))
			`, types.TaskStatusQueued, types.TaskStatusRunning, now).
			Order("created_at ASC").
			First(&task).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}

		lockedUntil := now.Add(lease)
		res := txx.Model(&types.GenerationTask{}).
			Where("id = ? AND version = ?", task.ID, task.Version).
			Updates(map[string]interface{}{
				"status":       types.TaskStatusRunning,
				"locked_until": lockedUntil,
				"version":      gorm.Expr("version + 1"),
				"started_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			raced = true
			return nil
		}
		task.Status = types.TaskStatusRunning
		task.LockedUntil = &lockedUntil
		task.Version++
		task.StartedAt = &now
		claimed = &task
		return nil
	})
	return claimed, raced, err
}

func (r *generationTaskRepo) KeepAlive(ctx context.Context, tx *gorm.DB, id uuid.UUID, extension time.Duration) error {
	if id == uuid.Nil {
		return nil
	}
	lockedUntil := time.Now().UTC().Add(extension)
	return r.conn(tx).WithContext(ctx).
		Model(&types.GenerationTask{}).
		Where("id = ? AND status = ?", id, types.TaskStatusRunning).
		Update("locked_until", lockedUntil).Error
}

func (r *generationTaskRepo) SaveCheckpoint(ctx context.Context, tx *gorm.DB, id uuid.UUID, checkpoint datatypes.JSON) error {
	if id == uuid.Nil {
		return nil
	}
	return r.conn(tx).WithContext(ctx).
		Model(&types.GenerationTask{}).
		Where("id = ? AND status = ?", id, types.TaskStatusRunning).
		Update("context_json", checkpoint).Error
}

func (r *generationTaskRepo) MarkSucceeded(ctx context.Context, tx *gorm.DB, id uuid.UUID, version int) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now().UTC()
	return r.conn(tx).WithContext(ctx).
		Model(&types.GenerationTask{}).
		Where("id = ? AND status = ? AND version = ?", id, types.TaskStatusRunning, version).
		Updates(map[string]interface{}{
			"status":        types.TaskStatusSucceeded,
			"context_json":  nil,
			"locked_until":  nil,
			"version":       gorm.Expr("version + 1"),
			"finished_at":   now,
			"published_at":  now,
			"error_message": "",
			"error_context": nil,
		}).Error
}

func (r *generationTaskRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, version int, errorMessage string, errorContext datatypes.JSON) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now().UTC()
	return r.conn(tx).WithContext(ctx).
		Model(&types.GenerationTask{}).
		Where("id = ? AND status = ? AND version = ?", id, types.TaskStatusRunning, version).
		Updates(map[string]interface{}{
			"status":        types.TaskStatusFailed,
			"locked_until":  nil,
			"version":       gorm.Expr("version + 1"),
			"finished_at":   now,
			"error_message": errorMessage,
			"error_context": errorContext,
		}).Error
}
