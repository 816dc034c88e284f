package apiv1

import (
	"time"

	"github.com/handoffd/handoff/store"
)

// TaskRead is the wire shape of a task row. Field names are part of the
// contract; optional fields are omitted rather than sent null.
type TaskRead struct {
	ID               int64    `json:"id"`
	Status           string   `json:"status"`
	WorkingDirectory string   `json:"working_directory"`
	CreatedAt        string   `json:"created_at"`
	StartedAt        *string  `json:"started_at,omitempty"`
	EndedAt          *string  `json:"ended_at,omitempty"`
	LastActionCache  *string  `json:"last_action_cache,omitempty"`
	FinalSummary     *string  `json:"final_summary,omitempty"`
	ErrorMessage     *string  `json:"error_message,omitempty"`
	OrchestrationID  *int64   `json:"orchestration_id,omitempty"`
	Identifier       *string  `json:"identifier,omitempty"`
	DependsOn        []string `json:"depends_on,omitempty"`
	InitialDelay     *int     `json:"initial_delay,omitempty"`
}

func renderTimestamp(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func renderOptionalTimestamp(ts *int64) *string {
	if ts == nil {
		return nil
	}
	rendered := renderTimestamp(*ts)
	return &rendered
}

func taskReadFromStore(t *store.Task) *TaskRead {
	read := &TaskRead{
		ID:               t.ID,
		Status:           string(t.Status),
		WorkingDirectory: t.WorkingDirectory,
		CreatedAt:        renderTimestamp(t.CreatedTs),
		StartedAt:        renderOptionalTimestamp(t.StartedTs),
		EndedAt:          renderOptionalTimestamp(t.EndedTs),
		LastActionCache:  t.LastActionCache,
		FinalSummary:     t.FinalSummary,
		ErrorMessage:     t.ErrorMessage,
		OrchestrationID:  t.OrchestrationID,
		Identifier:       t.Identifier,
	}
	if t.OrchestrationID != nil {
		read.DependsOn = t.DependsOn
		delay := t.InitialDelay
		read.InitialDelay = &delay
	}
	return read
}

// OrchestrationRead is the wire shape of an orchestration, including a
// per-task summary.
type OrchestrationRead struct {
	ID             int64                   `json:"id"`
	Status         string                  `json:"status"`
	TotalTasks     int                     `json:"total_tasks"`
	CompletedTasks int                     `json:"completed_tasks"`
	FailedTasks    int                     `json:"failed_tasks"`
	SkippedTasks   int                     `json:"skipped_tasks"`
	CreatedAt      string                  `json:"created_at"`
	StartedAt      *string                 `json:"started_at,omitempty"`
	EndedAt        *string                 `json:"ended_at,omitempty"`
	Tasks          []OrchestrationTaskRead `json:"tasks,omitempty"`
}

// OrchestrationTaskRead summarizes one member task.
type OrchestrationTaskRead struct {
	Identifier   string   `json:"identifier"`
	TaskID       int64    `json:"task_id"`
	Status       string   `json:"status"`
	DependsOn    []string `json:"depends_on"`
	InitialDelay int      `json:"initial_delay"`
	ErrorMessage *string  `json:"error_message,omitempty"`
}

func orchestrationReadFromStore(o *store.Orchestration, tasks []*store.Task) *OrchestrationRead {
	read := &OrchestrationRead{
		ID:             o.ID,
		Status:         string(o.Status),
		TotalTasks:     o.TotalTasks,
		CompletedTasks: o.CompletedTasks,
		FailedTasks:    o.FailedTasks,
		SkippedTasks:   o.SkippedTasks,
		CreatedAt:      renderTimestamp(o.CreatedTs),
		StartedAt:      renderOptionalTimestamp(o.StartedTs),
		EndedAt:        renderOptionalTimestamp(o.EndedTs),
	}
	for _, t := range tasks {
		if t.Identifier == nil {
			continue
		}
		dependsOn := t.DependsOn
		if dependsOn == nil {
			dependsOn = []string{}
		}
		read.Tasks = append(read.Tasks, OrchestrationTaskRead{
			Identifier:   *t.Identifier,
			TaskID:       t.ID,
			Status:       string(t.Status),
			DependsOn:    dependsOn,
			InitialDelay: t.InitialDelay,
			ErrorMessage: t.ErrorMessage,
		})
	}
	return read
}
