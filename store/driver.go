package store

import "context"

// Driver is the database abstraction implemented per backend.
type Driver interface {
	CreateTask(ctx context.Context, create *CreateTask) (*Task, error)
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, find *FindTask) ([]*Task, error)
	UpdateTask(ctx context.Context, update *UpdateTask) (*Task, error)
	DeleteTask(ctx context.Context, id int64) error
	DeleteTasksByStatus(ctx context.Context, statuses []TaskStatus) (int64, error)

	CreateOrchestration(ctx context.Context, totalTasks int) (*Orchestration, error)
	GetOrchestration(ctx context.Context, id int64) (*Orchestration, error)
	ListOrchestrations(ctx context.Context, find *FindOrchestration) ([]*Orchestration, error)
	UpdateOrchestration(ctx context.Context, update *UpdateOrchestration) (*Orchestration, error)

	// Checkpoint flushes pending writes to the main database file so a plain
	// file copy yields a consistent snapshot.
	Checkpoint(ctx context.Context) error
	Close() error
}
