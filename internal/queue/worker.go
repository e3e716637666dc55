// Package queue owns task intake and the polling worker. Delivery is
// at-least-once: a claim takes a lease, a crash lets the lease expire, and
// the next poll on any worker reclaims the task.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"gorm.io/datatypes"

	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/repos"
	"github.com/readlevel/readlevel-backend/internal/types"
	"github.com/readlevel/readlevel-backend/internal/utils"
)

const (
	defaultPollSeconds  = 30
	defaultLeaseSeconds = 600
)

type TaskExecutor interface {
	Execute(ctx context.Context, task *types.GenerationTask) error
}

// Worker drains the queue from a single goroutine. The poll timer is re-armed
// only after a poll fully settles, so polls never overlap and a long task
// cannot stack timer firings behind itself.
type Worker struct {
	log       *logger.Logger
	tasks     repos.GenerationTaskRepo
	exec      TaskExecutor
	lease     time.Duration
	pollEvery time.Duration

	busy atomic.Bool
	poke chan struct{}
	done chan struct{}
}

func NewWorker(baseLog *logger.Logger, tasks repos.GenerationTaskRepo, exec TaskExecutor) *Worker {
	log := baseLog.With("component", "QueueWorker")
	return &Worker{
		log:       log,
		tasks:     tasks,
		exec:      exec,
		lease:     time.Duration(utils.GetEnvAsInt("TASK_LEASE_SECONDS", defaultLeaseSeconds, log)) * time.Second,
		pollEvery: time.Duration(utils.GetEnvAsInt("QUEUE_POLL_SECONDS", defaultPollSeconds, log)) * time.Second,
		poke:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Wait blocks until the poll loop has exited.
func (w *Worker) Wait() {
	<-w.done
}

// IsBusy reports whether a poll is currently in flight.
func (w *Worker) IsBusy() bool {
	return w.busy.Load()
}

// Poke requests an immediate poll. It is a no-op while a poll is already
// running: the in-flight poll drains the queue anyway.
func (w *Worker) Poke() {
	if w.IsBusy() {
		return
	}
	select {
	case w.poke <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	w.log.Info("Queue worker started", "poll_interval", w.pollEvery.String())

	timer := time.NewTimer(w.pollEvery)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Queue worker stopped")
			return
		case <-timer.C:
		case <-w.poke:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		w.busy.Store(true)
		w.processQueue(ctx)
		w.busy.Store(false)

		timer.Reset(w.pollEvery)
	}
}

// processQueue claims and executes tasks until nothing is claimable. Executor
// errors are already recorded on the task row; the worker just moves on.
func (w *Worker) processQueue(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.tasks.ClaimNextRunnable(ctx, nil, w.lease)
		if err != nil {
			w.log.Error("Claim failed", "error", err)
			return
		}
		if task == nil {
			return
		}
		w.log.Info("Claimed task", "task_id", task.ID.String(), "mode", task.Mode)
		w.executeTask(ctx, task)
	}
}

// executeTask shields the poll loop from the executor. A panic is recorded on
// the task row like any other failure so the drain continues.
func (w *Worker) executeTask(ctx context.Context, task *types.GenerationTask) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Executor panic", "task_id", task.ID.String(), "panic", r)
			errCtx, _ := json.Marshal(map[string]string{
				"stage":     "panic",
				"mode":      task.Mode,
				"task_date": task.TaskDate,
			})
			if err := w.tasks.MarkFailed(ctx, nil, task.ID, task.Version, fmt.Sprintf("panic: %v", r), datatypes.JSON(errCtx)); err != nil {
				w.log.Error("Failed to record panic", "task_id", task.ID.String(), "error", err)
			}
		}
	}()
	if err := w.exec.Execute(ctx, task); err != nil {
		w.log.Warn("Task execution ended in failure", "task_id", task.ID.String(), "error", err)
	}
}
