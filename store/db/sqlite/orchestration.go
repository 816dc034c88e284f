package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/handoffd/handoff/store"
)

const orchestrationColumns = `id, status, total_tasks, completed_tasks, failed_tasks, skipped_tasks,
	created_ts, started_ts, ended_ts`

// CreateOrchestration inserts an orchestration row in PENDING state.
func (d *DB) CreateOrchestration(ctx context.Context, totalTasks int) (*store.Orchestration, error) {
	stmt := `INSERT INTO orchestration (status, total_tasks) VALUES (?, ?) RETURNING ` + orchestrationColumns
	row := d.db.QueryRowContext(ctx, stmt, store.OrchestrationStatusPending, totalTasks)
	orchestration, err := scanOrchestration(row)
	if err != nil {
		return nil, wrapError(err, "failed to create orchestration")
	}
	return orchestration, nil
}

// GetOrchestration fetches one orchestration row by id.
func (d *DB) GetOrchestration(ctx context.Context, id int64) (*store.Orchestration, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+orchestrationColumns+` FROM orchestration WHERE id = ?`, id)
	orchestration, err := scanOrchestration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrOrchestrationNotFound
	}
	if err != nil {
		return nil, wrapError(err, "failed to get orchestration")
	}
	return orchestration, nil
}

// ListOrchestrations lists orchestration rows matching the filter.
func (d *DB) ListOrchestrations(ctx context.Context, find *store.FindOrchestration) ([]*store.Orchestration, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, *find.Status)
	}

	query := `SELECT ` + orchestrationColumns + ` FROM orchestration WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY id DESC`
	if find.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError(err, "failed to list orchestrations")
	}
	defer rows.Close()

	var orchestrations []*store.Orchestration
	for rows.Next() {
		orchestration, err := scanOrchestration(rows)
		if err != nil {
			return nil, wrapError(err, "failed to scan orchestration")
		}
		orchestrations = append(orchestrations, orchestration)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orchestrations, nil
}

// UpdateOrchestration applies a partial update and returns the refreshed row.
func (d *DB) UpdateOrchestration(ctx context.Context, update *store.UpdateOrchestration) (*store.Orchestration, error) {
	set, args := []string{}, []any{}

	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, *update.Status)
	}
	if update.CompletedTasks != nil {
		set, args = append(set, "completed_tasks = ?"), append(args, *update.CompletedTasks)
	}
	if update.FailedTasks != nil {
		set, args = append(set, "failed_tasks = ?"), append(args, *update.FailedTasks)
	}
	if update.SkippedTasks != nil {
		set, args = append(set, "skipped_tasks = ?"), append(args, *update.SkippedTasks)
	}
	if update.StartedTs != nil {
		set, args = append(set, "started_ts = ?"), append(args, *update.StartedTs)
	}
	if update.EndedTs != nil {
		set, args = append(set, "ended_ts = ?"), append(args, *update.EndedTs)
	}
	if len(set) == 0 {
		return d.GetOrchestration(ctx, update.ID)
	}

	stmt := `UPDATE orchestration SET ` + strings.Join(set, ", ") + ` WHERE id = ? RETURNING ` + orchestrationColumns
	args = append(args, update.ID)

	row := d.db.QueryRowContext(ctx, stmt, args...)
	orchestration, err := scanOrchestration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrOrchestrationNotFound
	}
	if err != nil {
		return nil, wrapError(err, "failed to update orchestration")
	}
	return orchestration, nil
}

func scanOrchestration(r rowScanner) (*store.Orchestration, error) {
	var orchestration store.Orchestration
	var startedTs, endedTs sql.NullInt64

	err := r.Scan(
		&orchestration.ID,
		&orchestration.Status,
		&orchestration.TotalTasks,
		&orchestration.CompletedTasks,
		&orchestration.FailedTasks,
		&orchestration.SkippedTasks,
		&orchestration.CreatedTs,
		&startedTs,
		&endedTs,
	)
	if err != nil {
		return nil, err
	}

	if startedTs.Valid {
		orchestration.StartedTs = &startedTs.Int64
	}
	if endedTs.Valid {
		orchestration.EndedTs = &endedTs.Int64
	}
	return &orchestration, nil
}
