package store

import (
	"fmt"
	"strings"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusPending is a standalone task waiting for its executor to claim it.
	TaskStatusPending TaskStatus = "PENDING"
	// TaskStatusWaiting is an orchestrated task whose dependencies have not completed yet.
	TaskStatusWaiting TaskStatus = "WAITING"
	// TaskStatusRunning is a task claimed by an executor.
	TaskStatusRunning TaskStatus = "RUNNING"
	// TaskStatusCompleted is a successfully finished task.
	TaskStatusCompleted TaskStatus = "COMPLETED"
	// TaskStatusFailed is a task whose worker run failed permanently.
	TaskStatusFailed TaskStatus = "FAILED"
	// TaskStatusSkipped is an orchestrated task that never ran because a
	// dependency failed or the orchestration was cancelled.
	TaskStatusSkipped TaskStatus = "SKIPPED"
)

// taskTransitions is the allowed status transition table. Terminal states have
// no successors, which makes the graph acyclic and status changes monotone.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusSkipped},
	TaskStatusWaiting: {TaskStatusRunning, TaskStatusSkipped},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed},
}

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Model names a worker backend model tier.
type Model string

const (
	ModelHaiku  Model = "HAIKU"
	ModelSonnet Model = "SONNET"
	ModelOpus   Model = "OPUS"
)

// ParseModel accepts the lower-case wire form ("haiku", "sonnet", "opus").
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(s) {
	case "haiku":
		return ModelHaiku, nil
	case "sonnet":
		return ModelSonnet, nil
	case "opus":
		return ModelOpus, nil
	}
	return "", fmt.Errorf("invalid model %q", s)
}

// Wire returns the lower-case JSON form of the model.
func (m Model) Wire() string {
	return strings.ToLower(string(m))
}

// Task is a single unit of delegated assistant work.
type Task struct {
	ID               int64
	Status           TaskStatus
	WorkingDirectory string
	SystemPrompt     string
	ExecutionPrompt  string
	Model            Model
	LogFilePath      string

	// LastActionCache is the latest progress line, a fast-read cache of the
	// tail of the log file.
	LastActionCache *string
	// FinalSummary is set iff Status is COMPLETED.
	FinalSummary *string
	// ErrorMessage is set iff Status is FAILED or SKIPPED.
	ErrorMessage *string

	CreatedTs int64
	StartedTs *int64
	EndedTs   *int64

	// PID is the OS process id of the worker owning this task, best effort.
	PID *int64

	// Orchestration fields, nil unless the task belongs to a DAG.
	OrchestrationID    *int64
	Identifier         *string
	DependsOn          []string
	InitialDelay       int
	DependencyFailedTs *int64
}

// CreateTask is the payload for inserting a new task row.
type CreateTask struct {
	Status           TaskStatus
	WorkingDirectory string
	SystemPrompt     string
	ExecutionPrompt  string
	Model            Model

	OrchestrationID *int64
	Identifier      *string
	DependsOn       []string
	InitialDelay    int
}

// FindTask filters task listing.
type FindTask struct {
	ID              *int64
	Status          *TaskStatus
	Statuses        []TaskStatus
	OrchestrationID *int64
	Limit           *int
	Offset          *int
}

// UpdateTask is a partial update of a task row. Nil fields are left untouched.
type UpdateTask struct {
	ID int64

	Status             *TaskStatus
	LogFilePath        *string
	LastActionCache    *string
	FinalSummary       *string
	ErrorMessage       *string
	StartedTs          *int64
	EndedTs            *int64
	PID                *int64
	DependencyFailedTs *int64
}
