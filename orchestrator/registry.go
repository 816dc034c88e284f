package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/handoffd/handoff/store"
)

// Registry tracks live orchestrators so the cancel endpoint can reach them.
// An orchestration from a previous process run has no live supervisor; cancel
// then falls back to a direct store sweep.
type Registry struct {
	store  *store.Store
	logger *slog.Logger

	mu   sync.Mutex
	live map[int64]*Orchestrator
}

// NewRegistry creates an empty registry backed by the store.
func NewRegistry(st *store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  st,
		logger: logger,
		live:   make(map[int64]*Orchestrator),
	}
}

// Track registers a running supervisor until done is called.
func (r *Registry) Track(orchID int64, o *Orchestrator) (done func()) {
	r.mu.Lock()
	r.live[orchID] = o
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.live[orchID] == o {
			delete(r.live, orchID)
		}
	}
}

// Cancel cancels the orchestration through its live supervisor when present,
// or directly against the store otherwise.
func (r *Registry) Cancel(ctx context.Context, orchID int64) error {
	r.mu.Lock()
	o := r.live[orchID]
	r.mu.Unlock()
	if o != nil {
		return o.Cancel(ctx)
	}
	return r.cancelDetached(ctx, orchID)
}

// cancelDetached handles an orchestration with no supervisor in this process,
// left over from a restart. There is nothing to unwind beyond the rows.
func (r *Registry) cancelDetached(ctx context.Context, orchID int64) error {
	orch, err := r.store.GetOrchestration(ctx, orchID)
	if err != nil {
		return err
	}
	if orch.Status.IsTerminal() {
		return errors.Wrapf(ErrNotCancellable, "orchestration is %s", orch.Status)
	}

	tasks, err := r.store.TasksInOrchestration(ctx, orchID)
	if err != nil {
		return err
	}
	skipped := orch.SkippedTasks
	for _, t := range tasks {
		if t.Status.IsTerminal() || t.Status == store.TaskStatusRunning {
			continue
		}
		if _, err := r.store.MarkTaskSkipped(ctx, t.ID, SkipReasonCancelled, false); err != nil {
			r.logger.Error("orchestrator: failed to skip task on detached cancel",
				"orchestration_id", orchID, "task_id", t.ID, "error", err)
			continue
		}
		skipped++
	}

	status := store.OrchestrationStatusCancelled
	if _, err := r.store.UpdateOrchestration(ctx, &store.UpdateOrchestration{
		ID: orchID, Status: &status, SkippedTasks: &skipped,
	}); err != nil {
		return errors.Wrap(err, "failed to mark orchestration cancelled")
	}
	r.logger.Info("orchestrator: detached orchestration cancelled", "orchestration_id", orchID)
	return nil
}
