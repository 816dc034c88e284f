// Package store provides transactional persistence for tasks and
// orchestrations. All row mutations go through the Store; the executor and
// orchestrator are its only writers, the API is a reader plus a creator.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/handoffd/handoff/internal/tasklog"
)

// Store provides database access to all raw objects.
type Store struct {
	driver  Driver
	taskLog *tasklog.Logger

	// Per-task logical locks. Status changes and progress appends for one task
	// are serialized; different tasks never block one another.
	mu       sync.Mutex
	rowLocks map[int64]*sync.Mutex
}

// New creates a new instance of Store.
func New(driver Driver, taskLog *tasklog.Logger) *Store {
	return &Store{
		driver:   driver,
		taskLog:  taskLog,
		rowLocks: make(map[int64]*sync.Mutex),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) rowLock(taskID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rowLocks[taskID]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[taskID] = l
	}
	return l
}

func (s *Store) releaseRowLock(taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rowLocks, taskID)
}

// CreateTask inserts a task row in two phases: insert to obtain the id, then
// compute the log file path (which depends on the id) and update the row. The
// log path never changes afterwards.
func (s *Store) CreateTask(ctx context.Context, create *CreateTask) (*Task, error) {
	if create.Status == "" {
		create.Status = TaskStatusPending
	}
	if create.Model == "" {
		create.Model = ModelSonnet
	}

	task, err := s.driver.CreateTask(ctx, create)
	if err != nil {
		return nil, err
	}

	logPath := s.taskLog.FilePath(task.ID, task.WorkingDirectory, time.Unix(task.CreatedTs, 0))
	task, err = s.driver.UpdateTask(ctx, &UpdateTask{ID: task.ID, LogFilePath: &logPath})
	if err != nil {
		return nil, errors.Wrap(err, "failed to assign log file path")
	}
	return task, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	return s.driver.GetTask(ctx, id)
}

func (s *Store) ListTasks(ctx context.Context, find *FindTask) ([]*Task, error) {
	return s.driver.ListTasks(ctx, find)
}

// ClaimTask transitions a PENDING or WAITING task to RUNNING, recording
// started_ts exactly once and the worker pid.
func (s *Store) ClaimTask(ctx context.Context, id int64, pid int) (*Task, error) {
	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.driver.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.Status.CanTransitionTo(TaskStatusRunning) {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s -> RUNNING", task.Status)
	}

	update := &UpdateTask{ID: id}
	status := TaskStatusRunning
	update.Status = &status
	if task.StartedTs == nil {
		now := time.Now().Unix()
		update.StartedTs = &now
	}
	pid64 := int64(pid)
	update.PID = &pid64
	return s.driver.UpdateTask(ctx, update)
}

// UpdateTaskStatus applies a non-terminal status change, enforcing the
// transition table.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status TaskStatus) (*Task, error) {
	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.driver.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.Status.CanTransitionTo(status) {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s -> %s", task.Status, status)
	}

	update := &UpdateTask{ID: id, Status: &status}
	if status == TaskStatusRunning && task.StartedTs == nil {
		now := time.Now().Unix()
		update.StartedTs = &now
	}
	return s.driver.UpdateTask(ctx, update)
}

// AppendProgress writes one progress line to the task log file and refreshes
// last_action_cache, atomically with respect to the task row.
func (s *Store) AppendProgress(ctx context.Context, id int64, line string) error {
	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.driver.GetTask(ctx, id)
	if err != nil {
		return err
	}
	s.taskLog.Write(task.LogFilePath, line)
	_, err = s.driver.UpdateTask(ctx, &UpdateTask{ID: id, LastActionCache: &line})
	return err
}

// FinalizeTask moves a RUNNING task into COMPLETED or FAILED, sets ended_ts,
// routes the message to final_summary or error_message, and writes a closing
// line to the log file. Exactly one of the two result fields ends up set.
func (s *Store) FinalizeTask(ctx context.Context, id int64, status TaskStatus, message string) (*Task, error) {
	if status != TaskStatusCompleted && status != TaskStatusFailed {
		return nil, errors.Wrapf(ErrInvalidTransition, "finalize to %s", status)
	}

	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()
	defer s.releaseRowLock(id)

	task, err := s.driver.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.Status.CanTransitionTo(status) {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s -> %s", task.Status, status)
	}

	now := time.Now().Unix()
	update := &UpdateTask{ID: id, Status: &status, EndedTs: &now}
	if status == TaskStatusCompleted {
		update.FinalSummary = &message
		s.taskLog.Write(task.LogFilePath, fmt.Sprintf("COMPLETED: %s", message))
	} else {
		update.ErrorMessage = &message
		s.taskLog.Write(task.LogFilePath, fmt.Sprintf("FAILED: %s", message))
	}
	return s.driver.UpdateTask(ctx, update)
}

// MarkTaskSkipped moves a WAITING or PENDING task to SKIPPED with the given
// reason. dependencyFailed records the time the upstream failure was observed.
func (s *Store) MarkTaskSkipped(ctx context.Context, id int64, reason string, dependencyFailed bool) (*Task, error) {
	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()
	defer s.releaseRowLock(id)

	task, err := s.driver.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.Status.CanTransitionTo(TaskStatusSkipped) {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s -> SKIPPED", task.Status)
	}

	now := time.Now().Unix()
	status := TaskStatusSkipped
	update := &UpdateTask{ID: id, Status: &status, EndedTs: &now, ErrorMessage: &reason}
	if dependencyFailed {
		update.DependencyFailedTs = &now
	}
	s.taskLog.Write(task.LogFilePath, fmt.Sprintf("SKIPPED: %s", reason))
	return s.driver.UpdateTask(ctx, update)
}

// DeleteTask removes a terminal task row. Live tasks are protected.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.driver.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.IsTerminal() {
		return errors.Wrapf(ErrTaskNotTerminal, "task %d is %s", id, task.Status)
	}
	return s.driver.DeleteTask(ctx, id)
}

// ClearTerminal bulk-deletes tasks in a terminal state and returns the count.
func (s *Store) ClearTerminal(ctx context.Context) (int64, error) {
	return s.driver.DeleteTasksByStatus(ctx, []TaskStatus{
		TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped,
	})
}

func (s *Store) CreateOrchestration(ctx context.Context, totalTasks int) (*Orchestration, error) {
	return s.driver.CreateOrchestration(ctx, totalTasks)
}

func (s *Store) GetOrchestration(ctx context.Context, id int64) (*Orchestration, error) {
	return s.driver.GetOrchestration(ctx, id)
}

func (s *Store) ListOrchestrations(ctx context.Context, find *FindOrchestration) ([]*Orchestration, error) {
	return s.driver.ListOrchestrations(ctx, find)
}

// TasksInOrchestration lists the member tasks of one orchestration.
func (s *Store) TasksInOrchestration(ctx context.Context, orchestrationID int64) ([]*Task, error) {
	return s.driver.ListTasks(ctx, &FindTask{OrchestrationID: &orchestrationID})
}

// UpdateOrchestration applies counter and status updates, stamping started_ts
// and ended_ts at the matching transitions.
func (s *Store) UpdateOrchestration(ctx context.Context, update *UpdateOrchestration) (*Orchestration, error) {
	if update.Status != nil {
		current, err := s.driver.GetOrchestration(ctx, update.ID)
		if err != nil {
			return nil, err
		}
		if current.Status.IsTerminal() && *update.Status != current.Status {
			return nil, errors.Wrapf(ErrInvalidTransition, "orchestration %s -> %s", current.Status, *update.Status)
		}
		now := time.Now().Unix()
		if *update.Status == OrchestrationStatusRunning && current.StartedTs == nil {
			update.StartedTs = &now
		}
		if update.Status.IsTerminal() && current.EndedTs == nil {
			update.EndedTs = &now
		}
	}
	return s.driver.UpdateOrchestration(ctx, update)
}
