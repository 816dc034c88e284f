package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/handoffd/handoff/store"
)

const taskColumns = `id, status, working_directory, system_prompt, execution_prompt, model,
	log_file_path, last_action_cache, final_summary, error_message,
	created_ts, started_ts, ended_ts, pid,
	orchestration_id, identifier, depends_on, initial_delay, dependency_failed_ts`

// CreateTask inserts a task row and returns it.
func (d *DB) CreateTask(ctx context.Context, create *store.CreateTask) (*store.Task, error) {
	dependsOn, err := json.Marshal(create.DependsOn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode depends_on")
	}
	if create.DependsOn == nil {
		dependsOn = []byte("[]")
	}

	stmt := `
		INSERT INTO task (status, working_directory, system_prompt, execution_prompt, model,
			orchestration_id, identifier, depends_on, initial_delay)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + taskColumns
	row := d.db.QueryRowContext(ctx, stmt,
		create.Status,
		create.WorkingDirectory,
		create.SystemPrompt,
		create.ExecutionPrompt,
		create.Model,
		create.OrchestrationID,
		create.Identifier,
		string(dependsOn),
		create.InitialDelay,
	)
	task, err := scanTask(row)
	if err != nil {
		return nil, wrapError(err, "failed to create task")
	}
	return task, nil
}

// GetTask fetches one task row by id.
func (d *DB) GetTask(ctx context.Context, id int64) (*store.Task, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, wrapError(err, "failed to get task")
	}
	return task, nil
}

// ListTasks lists task rows matching the filter.
func (d *DB) ListTasks(ctx context.Context, find *store.FindTask) ([]*store.Task, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, *find.Status)
	}
	if len(find.Statuses) > 0 {
		placeholders := make([]string, 0, len(find.Statuses))
		for _, s := range find.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, s)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if find.OrchestrationID != nil {
		where, args = append(where, "orchestration_id = ?"), append(args, *find.OrchestrationID)
	}

	query := `SELECT ` + taskColumns + ` FROM task WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id ASC`
	if find.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *find.Limit)
		if find.Offset != nil {
			query += " OFFSET ?"
			args = append(args, *find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError(err, "failed to list tasks")
	}
	defer rows.Close()

	var tasks []*store.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, wrapError(err, "failed to scan task")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateTask applies a partial update and returns the refreshed row.
func (d *DB) UpdateTask(ctx context.Context, update *store.UpdateTask) (*store.Task, error) {
	set, args := []string{}, []any{}

	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, *update.Status)
	}
	if update.LogFilePath != nil {
		set, args = append(set, "log_file_path = ?"), append(args, *update.LogFilePath)
	}
	if update.LastActionCache != nil {
		set, args = append(set, "last_action_cache = ?"), append(args, *update.LastActionCache)
	}
	if update.FinalSummary != nil {
		set, args = append(set, "final_summary = ?"), append(args, *update.FinalSummary)
	}
	if update.ErrorMessage != nil {
		set, args = append(set, "error_message = ?"), append(args, *update.ErrorMessage)
	}
	if update.StartedTs != nil {
		set, args = append(set, "started_ts = ?"), append(args, *update.StartedTs)
	}
	if update.EndedTs != nil {
		set, args = append(set, "ended_ts = ?"), append(args, *update.EndedTs)
	}
	if update.PID != nil {
		set, args = append(set, "pid = ?"), append(args, *update.PID)
	}
	if update.DependencyFailedTs != nil {
		set, args = append(set, "dependency_failed_ts = ?"), append(args, *update.DependencyFailedTs)
	}
	if len(set) == 0 {
		return d.GetTask(ctx, update.ID)
	}

	stmt := `UPDATE task SET ` + strings.Join(set, ", ") + ` WHERE id = ? RETURNING ` + taskColumns
	args = append(args, update.ID)

	row := d.db.QueryRowContext(ctx, stmt, args...)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, wrapError(err, "failed to update task")
	}
	return task, nil
}

// DeleteTask removes one task row.
func (d *DB) DeleteTask(ctx context.Context, id int64) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM task WHERE id = ?`, id)
	if err != nil {
		return wrapError(err, "failed to delete task")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return store.ErrTaskNotFound
	}
	return nil
}

// DeleteTasksByStatus bulk-deletes tasks in the given statuses.
func (d *DB) DeleteTasksByStatus(ctx context.Context, statuses []store.TaskStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders, args := make([]string, 0, len(statuses)), make([]any, 0, len(statuses))
	for _, s := range statuses {
		placeholders = append(placeholders, "?")
		args = append(args, s)
	}
	result, err := d.db.ExecContext(ctx, `DELETE FROM task WHERE status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return 0, wrapError(err, "failed to clear terminal tasks")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return rows, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*store.Task, error) {
	var task store.Task
	var lastAction, finalSummary, errorMessage, identifier sql.NullString
	var startedTs, endedTs, pid, orchestrationID, dependencyFailedTs sql.NullInt64
	var dependsOn string

	err := r.Scan(
		&task.ID,
		&task.Status,
		&task.WorkingDirectory,
		&task.SystemPrompt,
		&task.ExecutionPrompt,
		&task.Model,
		&task.LogFilePath,
		&lastAction,
		&finalSummary,
		&errorMessage,
		&task.CreatedTs,
		&startedTs,
		&endedTs,
		&pid,
		&orchestrationID,
		&identifier,
		&dependsOn,
		&task.InitialDelay,
		&dependencyFailedTs,
	)
	if err != nil {
		return nil, err
	}

	if lastAction.Valid {
		task.LastActionCache = &lastAction.String
	}
	if finalSummary.Valid {
		task.FinalSummary = &finalSummary.String
	}
	if errorMessage.Valid {
		task.ErrorMessage = &errorMessage.String
	}
	if startedTs.Valid {
		task.StartedTs = &startedTs.Int64
	}
	if endedTs.Valid {
		task.EndedTs = &endedTs.Int64
	}
	if pid.Valid {
		task.PID = &pid.Int64
	}
	if orchestrationID.Valid {
		task.OrchestrationID = &orchestrationID.Int64
	}
	if identifier.Valid {
		task.Identifier = &identifier.String
	}
	if dependencyFailedTs.Valid {
		task.DependencyFailedTs = &dependencyFailedTs.Int64
	}
	if err := json.Unmarshal([]byte(dependsOn), &task.DependsOn); err != nil {
		return nil, errors.Wrap(err, "failed to decode depends_on")
	}
	return &task, nil
}
