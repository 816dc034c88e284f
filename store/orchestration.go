package store

// OrchestrationStatus is the lifecycle state of an orchestration.
type OrchestrationStatus string

const (
	OrchestrationStatusPending   OrchestrationStatus = "PENDING"
	OrchestrationStatusRunning   OrchestrationStatus = "RUNNING"
	OrchestrationStatusCompleted OrchestrationStatus = "COMPLETED"
	OrchestrationStatusFailed    OrchestrationStatus = "FAILED"
	OrchestrationStatusCancelled OrchestrationStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final.
func (s OrchestrationStatus) IsTerminal() bool {
	switch s {
	case OrchestrationStatusCompleted, OrchestrationStatusFailed, OrchestrationStatusCancelled:
		return true
	}
	return false
}

// Orchestration is a DAG of tasks executed together.
type Orchestration struct {
	ID     int64
	Status OrchestrationStatus

	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	SkippedTasks   int

	CreatedTs int64
	StartedTs *int64
	EndedTs   *int64
}

// FindOrchestration filters orchestration listing.
type FindOrchestration struct {
	ID     *int64
	Status *OrchestrationStatus
	Limit  *int
}

// UpdateOrchestration is a partial update of an orchestration row.
type UpdateOrchestration struct {
	ID int64

	Status         *OrchestrationStatus
	CompletedTasks *int
	FailedTasks    *int
	SkippedTasks   *int
	StartedTs      *int64
	EndedTs        *int64
}
