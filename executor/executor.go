// Package executor drives one task from RUNNING to a terminal state. It owns
// retry/backoff and the circuit breaker around the worker backend; no error
// ever escapes a run, every outcome lands in the task row.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/handoffd/handoff/server/broadcaster"
	"github.com/handoffd/handoff/store"
	"github.com/handoffd/handoff/worker"
)

// Config tunes the retry policy around the worker backend.
type Config struct {
	// MaxAttempts bounds tries per task, first attempt included.
	MaxAttempts int
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration
}

// DefaultConfig returns the recommended retry policy: base 1s, factor 2,
// cap 30s, 3 attempts, transient-only.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
	}
}

// Executor supervises single task runs.
type Executor struct {
	store   *store.Store
	adapter worker.Adapter
	breaker *Breaker
	events  broadcaster.Sink
	cfg     Config
	logger  *slog.Logger
}

// New creates an Executor. A nil events sink disables notifications.
func New(st *store.Store, adapter worker.Adapter, breaker *Breaker, events broadcaster.Sink, cfg Config, logger *slog.Logger) *Executor {
	if events == nil {
		events = broadcaster.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Executor{
		store:   st,
		adapter: adapter,
		breaker: breaker,
		events:  events,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run drives the task with the given id to a terminal state. It blocks until
// the task is terminal and never returns an error: failures, including panics
// in the executor itself, are converted into a FAILED row.
func (e *Executor) Run(ctx context.Context, taskID int64) {
	// Run id correlates the log lines of one supervision, across retries.
	logger := e.logger.With("task_id", taskID, "run_id", uuid.NewString())
	defer func() {
		if r := recover(); r != nil {
			logger.Error("executor: panic in task execution", "panic", r)
			e.fail(ctx, taskID, fmt.Sprintf("executor crashed: %v", r))
		}
	}()

	task, err := e.store.ClaimTask(ctx, taskID, os.Getpid())
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Skipped or cancelled before we got here.
			logger.Debug("executor: task no longer claimable", "error", err)
		} else {
			logger.Error("executor: failed to claim task", "error", err)
		}
		return
	}
	e.events.Publish(broadcaster.TaskEvent(broadcaster.EventTaskStarted, taskID, map[string]any{
		"status": string(store.TaskStatusRunning),
	}))
	logger.Info("executor: task started",
		"model", task.Model.Wire(), "working_directory", task.WorkingDirectory)

	req := &worker.Request{
		ExecutionPrompt:  task.ExecutionPrompt,
		SystemPrompt:     task.SystemPrompt,
		WorkingDirectory: task.WorkingDirectory,
		Model:            task.Model,
	}
	onProgress := func(line string) {
		if err := e.store.AppendProgress(ctx, taskID, line); err != nil {
			logger.Warn("executor: failed to record progress", "error", err)
		}
		e.events.Publish(broadcaster.TaskEvent(broadcaster.EventTaskProgress, taskID, map[string]any{
			"line": line,
		}))
	}

	summary, err := e.runWithRetry(ctx, req, onProgress, logger)
	if err != nil {
		e.fail(ctx, taskID, err.Error())
		return
	}

	if _, err := e.store.FinalizeTask(ctx, taskID, store.TaskStatusCompleted, summary); err != nil {
		logger.Error("executor: failed to finalize completed task", "error", err)
		return
	}
	e.events.Publish(broadcaster.TaskEvent(broadcaster.EventTaskCompleted, taskID, map[string]any{
		"final_summary": summary,
	}))
	logger.Info("executor: task completed")
}

// runWithRetry retries transient worker failures with exponential backoff and
// jitter. started_ts is not touched across retries: the claim happened once.
func (e *Executor) runWithRetry(ctx context.Context, req *worker.Request, onProgress worker.ProgressFunc, logger *slog.Logger) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.InitialInterval
	policy.MaxInterval = e.cfg.MaxInterval
	policy.Multiplier = 2

	attempt := 0
	operation := func() (string, error) {
		attempt++
		summary, err := e.breaker.Do(func() (string, error) {
			return e.adapter.Run(ctx, req, onProgress)
		})
		if err == nil {
			return summary, nil
		}
		class := worker.FailureClassOf(err)
		logger.Warn("executor: worker attempt failed",
			"attempt", attempt, "class", class.String(), "error", err)
		if class != worker.FailureTransient {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(e.cfg.MaxAttempts)),
	)
}

func (e *Executor) fail(ctx context.Context, taskID int64, reason string) {
	if _, err := e.store.FinalizeTask(ctx, taskID, store.TaskStatusFailed, reason); err != nil {
		// The contingency sweep may have finalized the row first.
		if !errors.Is(err, store.ErrInvalidTransition) {
			e.logger.Error("executor: failed to finalize failed task", "task_id", taskID, "error", err)
		}
		return
	}
	e.events.Publish(broadcaster.TaskEvent(broadcaster.EventTaskFailed, taskID, map[string]any{
		"error_message": reason,
	}))
	e.logger.Warn("executor: task failed", "task_id", taskID, "error_message", reason)
}
