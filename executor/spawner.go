package executor

import (
	"context"
	"log/slog"

	"golang.org/x/sync/semaphore"
)

// Spawner launches executor runs with an optional concurrency cap. Runs use a
// background context so an HTTP request finishing, or the server draining,
// never cancels an in-flight task.
type Spawner struct {
	exec   *Executor
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// NewSpawner builds a Spawner. maxConcurrent <= 0 means unlimited.
func NewSpawner(exec *Executor, maxConcurrent int64, logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	var sem *semaphore.Weighted
	if maxConcurrent > 0 {
		sem = semaphore.NewWeighted(maxConcurrent)
	}
	return &Spawner{exec: exec, sem: sem, logger: logger}
}

// Launch starts the task in its own goroutine and returns immediately.
func (s *Spawner) Launch(taskID int64) {
	go func() {
		if err := s.Run(context.Background(), taskID); err != nil {
			s.logger.Error("spawner: run aborted", "task_id", taskID, "error", err)
		}
	}()
}

// Run executes the task synchronously, waiting for a concurrency slot first.
// The error is only ever a context cancellation while waiting for the slot.
func (s *Spawner) Run(ctx context.Context, taskID int64) error {
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer s.sem.Release(1)
	}
	s.exec.Run(ctx, taskID)
	return nil
}
