package store

import "github.com/pkg/errors"

var (
	// ErrTaskNotFound is returned when a task id does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrOrchestrationNotFound is returned when an orchestration id does not exist.
	ErrOrchestrationNotFound = errors.New("orchestration not found")
	// ErrTaskNotTerminal rejects delete/modify of a task that is still live.
	ErrTaskNotTerminal = errors.New("task is not in a terminal state")
	// ErrInvalidTransition rejects a status change the transition table forbids,
	// including any attempt to leave a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStoreUnavailable signals a transient database problem. Callers retry
	// at their own policy.
	ErrStoreUnavailable = errors.New("store unavailable")
)
