// Package orchestrator runs one validated DAG of tasks to completion:
// dependency-ordered dispatch, post-dependency delays, cascade skip on
// failure, and aggregate counter upkeep.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/handoffd/handoff/server/broadcaster"
	"github.com/handoffd/handoff/store"
)

// TaskRunner executes one task to a terminal state. The error only ever means
// the runner gave up before claiming the task.
type TaskRunner interface {
	Run(ctx context.Context, taskID int64) error
}

type node struct {
	taskID       int64
	identifier   string
	initialDelay int
}

// Orchestrator supervises a single orchestration. Create one with New after
// the orchestration row and its WAITING task rows exist, then call Run on its
// own goroutine.
type Orchestrator struct {
	store  *store.Store
	runner TaskRunner
	events broadcaster.Sink
	logger *slog.Logger

	orchID int64

	mu         sync.Mutex
	nodes      map[string]*node
	successors map[string][]string
	indegree   map[string]int
	done       map[string]bool
	completed  int
	failed     int
	skipped    int
	total      int
	cancelled  bool

	ready       chan string
	cancelledCh chan struct{}
	finishedCh  chan struct{}
	finishOnce  sync.Once
}

// New creates the supervisor for one orchestration.
func New(st *store.Store, runner TaskRunner, events broadcaster.Sink, orchID int64, logger *slog.Logger) *Orchestrator {
	if events == nil {
		events = broadcaster.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:       st,
		runner:      runner,
		events:      events,
		logger:      logger,
		orchID:      orchID,
		nodes:       make(map[string]*node),
		successors:  make(map[string][]string),
		indegree:    make(map[string]int),
		done:        make(map[string]bool),
		cancelledCh: make(chan struct{}),
		finishedCh:  make(chan struct{}),
	}
}

// Run drives the orchestration to a terminal state. It blocks until every
// member task is terminal. A panic inside the supervisor skips the remaining
// tasks and fails the orchestration rather than leaving rows dangling.
func (o *Orchestrator) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator: supervisor crashed",
				"orchestration_id", o.orchID, "panic", r)
			o.failAfterCrash(ctx)
		}
	}()

	tasks, err := o.store.TasksInOrchestration(ctx, o.orchID)
	if err != nil {
		o.logger.Error("orchestrator: failed to load tasks",
			"orchestration_id", o.orchID, "error", err)
		o.failAfterCrash(ctx)
		return
	}
	o.buildGraph(tasks)

	status := store.OrchestrationStatusRunning
	if _, err := o.store.UpdateOrchestration(ctx, &store.UpdateOrchestration{
		ID: o.orchID, Status: &status,
	}); err != nil {
		o.logger.Error("orchestrator: failed to start orchestration",
			"orchestration_id", o.orchID, "error", err)
		o.failAfterCrash(ctx)
		return
	}
	o.events.Publish(broadcaster.OrchestrationEvent(broadcaster.EventOrchestrationStarted, o.orchID, map[string]any{
		"total_tasks": o.total,
	}))
	o.logger.Info("orchestrator: orchestration started",
		"orchestration_id", o.orchID, "total_tasks", o.total)

	o.mu.Lock()
	for identifier, d := range o.indegree {
		if d == 0 {
			o.ready <- identifier
		}
	}
	o.mu.Unlock()

	for {
		select {
		case identifier := <-o.ready:
			go o.dispatch(ctx, identifier)
		case <-o.finishedCh:
			o.finish(ctx)
			return
		}
	}
}

func (o *Orchestrator) buildGraph(tasks []*store.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.total = len(tasks)
	o.ready = make(chan string, len(tasks))
	for _, t := range tasks {
		if t.Identifier == nil {
			continue
		}
		identifier := *t.Identifier
		o.nodes[identifier] = &node{
			taskID:       t.ID,
			identifier:   identifier,
			initialDelay: t.InitialDelay,
		}
		o.indegree[identifier] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			o.successors[dep] = append(o.successors[dep], identifier)
		}
	}
}

// dispatch waits out the task's initial delay, runs it, and settles the
// outcome. The delay starts when the last dependency completed, which is the
// moment the identifier was enqueued.
func (o *Orchestrator) dispatch(ctx context.Context, identifier string) {
	o.mu.Lock()
	n := o.nodes[identifier]
	o.mu.Unlock()

	if n.initialDelay > 0 {
		select {
		case <-time.After(time.Duration(n.initialDelay) * time.Second):
		case <-o.cancelledCh:
			// Cancel already skipped and settled this task.
			return
		}
	}

	if err := o.runner.Run(ctx, n.taskID); err != nil {
		o.logger.Error("orchestrator: runner gave up on task",
			"orchestration_id", o.orchID, "task_id", n.taskID, "error", err)
	}

	task, err := o.store.GetTask(ctx, n.taskID)
	if err != nil {
		o.logger.Error("orchestrator: failed to read task outcome",
			"orchestration_id", o.orchID, "task_id", n.taskID, "error", err)
		o.settle(ctx, identifier, store.TaskStatusFailed)
		return
	}
	if !task.Status.IsTerminal() {
		// The claim raced a cancel; the row is settled elsewhere.
		return
	}
	o.settle(ctx, identifier, task.Status)
}

// settle records one task outcome exactly once, releases successors whose
// last dependency just completed, and cascades skips below a failure.
func (o *Orchestrator) settle(ctx context.Context, identifier string, status store.TaskStatus) {
	o.mu.Lock()
	if o.done[identifier] {
		o.mu.Unlock()
		return
	}
	o.done[identifier] = true

	var newlyReady []string
	var toSkip []*node
	switch status {
	case store.TaskStatusCompleted:
		o.completed++
		for _, succ := range o.successors[identifier] {
			o.indegree[succ]--
			if o.indegree[succ] == 0 && !o.done[succ] && !o.cancelled {
				newlyReady = append(newlyReady, succ)
			}
		}
	case store.TaskStatusFailed, store.TaskStatusSkipped:
		if status == store.TaskStatusFailed {
			o.failed++
		} else {
			o.skipped++
		}
		// After a cancel the remaining tasks are skipped by Cancel itself,
		// with its own reason; cascading here would fight over the rows.
		if !o.cancelled {
			toSkip = o.collectUndoneSuccessors(identifier)
			for _, n := range toSkip {
				o.done[n.identifier] = true
				o.skipped++
			}
		}
	}
	finished := len(o.done) == o.total
	o.mu.Unlock()

	for _, n := range toSkip {
		if _, err := o.store.MarkTaskSkipped(ctx, n.taskID, SkipReasonDependencyFailed, true); err != nil {
			o.logger.Error("orchestrator: failed to skip task",
				"orchestration_id", o.orchID, "task_id", n.taskID, "error", err)
		}
	}
	for _, succ := range newlyReady {
		o.ready <- succ
	}
	o.persistCounters(ctx)

	if finished {
		o.finishOnce.Do(func() { close(o.finishedCh) })
	}
}

// collectUndoneSuccessors walks the successor relation from identifier and
// returns every transitive successor not yet settled. Caller holds o.mu.
func (o *Orchestrator) collectUndoneSuccessors(identifier string) []*node {
	var result []*node
	visited := map[string]bool{identifier: true}
	queue := append([]string(nil), o.successors[identifier]...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true
		if !o.done[current] {
			result = append(result, o.nodes[current])
		}
		queue = append(queue, o.successors[current]...)
	}
	return result
}

func (o *Orchestrator) persistCounters(ctx context.Context) {
	o.mu.Lock()
	completed, failed, skipped := o.completed, o.failed, o.skipped
	o.mu.Unlock()

	if _, err := o.store.UpdateOrchestration(ctx, &store.UpdateOrchestration{
		ID:             o.orchID,
		CompletedTasks: &completed,
		FailedTasks:    &failed,
		SkippedTasks:   &skipped,
	}); err != nil {
		o.logger.Error("orchestrator: failed to persist counters",
			"orchestration_id", o.orchID, "error", err)
		return
	}
	o.events.Publish(broadcaster.OrchestrationEvent(broadcaster.EventStatsUpdated, o.orchID, map[string]any{
		"completed_tasks": completed,
		"failed_tasks":    failed,
		"skipped_tasks":   skipped,
	}))
}

// finish closes out the orchestration. CANCELLED was already written by
// Cancel; otherwise any failure or skip makes the whole run FAILED.
func (o *Orchestrator) finish(ctx context.Context) {
	o.mu.Lock()
	completed, failed, skipped := o.completed, o.failed, o.skipped
	cancelled := o.cancelled
	o.mu.Unlock()

	if cancelled {
		o.logger.Info("orchestrator: cancelled orchestration drained",
			"orchestration_id", o.orchID, "completed", completed, "failed", failed, "skipped", skipped)
		return
	}

	status := store.OrchestrationStatusCompleted
	kind := broadcaster.EventOrchestrationCompleted
	if failed+skipped > 0 {
		status = store.OrchestrationStatusFailed
		kind = broadcaster.EventOrchestrationFailed
	}
	if _, err := o.store.UpdateOrchestration(ctx, &store.UpdateOrchestration{
		ID: o.orchID, Status: &status,
		CompletedTasks: &completed, FailedTasks: &failed, SkippedTasks: &skipped,
	}); err != nil {
		o.logger.Error("orchestrator: failed to close orchestration",
			"orchestration_id", o.orchID, "error", err)
		return
	}
	o.events.Publish(broadcaster.OrchestrationEvent(kind, o.orchID, map[string]any{
		"status":          string(status),
		"completed_tasks": completed,
		"failed_tasks":    failed,
		"skipped_tasks":   skipped,
	}))
	o.logger.Info("orchestrator: orchestration finished",
		"orchestration_id", o.orchID, "status", status,
		"completed", completed, "failed", failed, "skipped", skipped)
}

// Cancel skips every member task that has not started and moves the
// orchestration to CANCELLED. Running tasks are left alone; their outcomes
// keep updating the counters as they arrive.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	orch, err := o.store.GetOrchestration(ctx, o.orchID)
	if err != nil {
		return err
	}
	if orch.Status.IsTerminal() {
		return errors.Wrapf(ErrNotCancellable, "orchestration is %s", orch.Status)
	}

	o.mu.Lock()
	if o.cancelled {
		o.mu.Unlock()
		return errors.Wrap(ErrNotCancellable, "cancel already requested")
	}
	o.cancelled = true
	close(o.cancelledCh)
	o.mu.Unlock()

	tasks, err := o.store.TasksInOrchestration(ctx, o.orchID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status.IsTerminal() || t.Status == store.TaskStatusRunning || t.Identifier == nil {
			continue
		}
		if _, err := o.store.MarkTaskSkipped(ctx, t.ID, SkipReasonCancelled, false); err != nil {
			// Lost the race against a claim; the task runs to its own end.
			if errors.Is(err, store.ErrInvalidTransition) {
				continue
			}
			o.logger.Error("orchestrator: failed to skip task on cancel",
				"orchestration_id", o.orchID, "task_id", t.ID, "error", err)
			continue
		}
		o.settle(ctx, *t.Identifier, store.TaskStatusSkipped)
	}

	status := store.OrchestrationStatusCancelled
	if _, err := o.store.UpdateOrchestration(ctx, &store.UpdateOrchestration{
		ID: o.orchID, Status: &status,
	}); err != nil {
		return errors.Wrap(err, "failed to mark orchestration cancelled")
	}
	o.logger.Info("orchestrator: orchestration cancelled", "orchestration_id", o.orchID)
	return nil
}

// failAfterCrash is the supervisor's last resort: skip whatever has not
// settled and force the orchestration to FAILED.
func (o *Orchestrator) failAfterCrash(ctx context.Context) {
	tasks, err := o.store.TasksInOrchestration(ctx, o.orchID)
	if err == nil {
		for _, t := range tasks {
			if t.Status.IsTerminal() || t.Status == store.TaskStatusRunning {
				continue
			}
			if _, err := o.store.MarkTaskSkipped(ctx, t.ID, SkipReasonDependencyFailed, false); err != nil {
				o.logger.Error("orchestrator: failed to skip task after crash",
					"orchestration_id", o.orchID, "task_id", t.ID, "error", err)
			}
		}
	}
	status := store.OrchestrationStatusFailed
	if _, err := o.store.UpdateOrchestration(ctx, &store.UpdateOrchestration{
		ID: o.orchID, Status: &status,
	}); err != nil {
		o.logger.Error("orchestrator: failed to fail orchestration after crash",
			"orchestration_id", o.orchID, "error", err)
		return
	}
	o.events.Publish(broadcaster.OrchestrationEvent(broadcaster.EventOrchestrationFailed, o.orchID, nil))
}
