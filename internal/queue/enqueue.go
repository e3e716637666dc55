package queue

import (
	"context"
	"fmt"

	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/repos"
	"github.com/readlevel/readlevel-backend/internal/types"
)

// Enqueuer creates queued tasks: one per active profile in rss mode, a
// single profile-less task in impression mode.
type Enqueuer struct {
	log      *logger.Logger
	tasks    repos.GenerationTaskRepo
	profiles repos.GenerationProfileRepo
}

func NewEnqueuer(baseLog *logger.Logger, tasks repos.GenerationTaskRepo, profiles repos.GenerationProfileRepo) *Enqueuer {
	return &Enqueuer{
		log:      baseLog.With("component", "Enqueuer"),
		tasks:    tasks,
		profiles: profiles,
	}
}

type EnqueueRequest struct {
	TaskDate         string
	Mode             string
	TriggerSource    string
	ProviderOverride string
}

func (e *Enqueuer) Enqueue(ctx context.Context, req EnqueueRequest) ([]*types.GenerationTask, error) {
	if req.TaskDate == "" {
		return nil, fmt.Errorf("queue: task date required")
	}
	mode := req.Mode
	if mode == "" {
		mode = types.TaskModeRSS
	}
	if mode != types.TaskModeRSS && mode != types.TaskModeImpression {
		return nil, fmt.Errorf("queue: unknown mode %q", mode)
	}

	var tasks []*types.GenerationTask
	switch mode {
	case types.TaskModeImpression:
		tasks = append(tasks, &types.GenerationTask{
			TaskDate:         req.TaskDate,
			Mode:             mode,
			Status:           types.TaskStatusQueued,
			TriggerSource:    req.TriggerSource,
			ProviderOverride: req.ProviderOverride,
		})
	default:
		profiles, err := e.profiles.ListActive(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("queue: list active profiles: %w", err)
		}
		if len(profiles) == 0 {
			return nil, fmt.Errorf("queue: no active profiles to enqueue for")
		}
		for _, p := range profiles {
			profileID := p.ID
			tasks = append(tasks, &types.GenerationTask{
				TaskDate:         req.TaskDate,
				Mode:             mode,
				ProfileID:        &profileID,
				Status:           types.TaskStatusQueued,
				TriggerSource:    req.TriggerSource,
				ProviderOverride: req.ProviderOverride,
			})
		}
	}

	created, err := e.tasks.Create(ctx, nil, tasks)
	if err != nil {
		return nil, fmt.Errorf("queue: create tasks: %w", err)
	}
	e.log.Info("Enqueued tasks", "count", len(created), "mode", mode, "task_date", req.TaskDate)
	return created, nil
}
