package contingency

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handoffd/handoff/internal/profile"
	"github.com/handoffd/handoff/internal/tasklog"
	"github.com/handoffd/handoff/store"
	"github.com/handoffd/handoff/store/db/sqlite"
)

func newTestSweeper(t *testing.T) (*Sweeper, *store.Store, *profile.Profile) {
	t.Helper()
	dir := t.TempDir()
	p := &profile.Profile{
		Mode:          "demo",
		Data:          dir,
		DSN:           filepath.Join(dir, "tasks_demo.db"),
		SweepInterval: time.Hour,
		TaskTimeout:   time.Hour,
	}
	for _, sub := range []string{p.LogsDir(), p.BackupsDir(), p.BreakersDir()} {
		require.NoError(t, os.MkdirAll(sub, 0770))
	}

	driver, err := sqlite.NewDB(p.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })
	st := store.New(driver, tasklog.New(p.LogsDir()))
	return NewSweeper(st, p, nil, nil), st, p
}

func TestSweepSnapshotsDatabase(t *testing.T) {
	sweeper, _, p := newTestSweeper(t)
	sweeper.Sweep(context.Background())

	entries, err := os.ReadDir(p.BackupsDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "tasks_")
	assert.Contains(t, entries[0].Name(), ".db")
}

func TestPruneBackupsKeepsMostRecent(t *testing.T) {
	sweeper, _, p := newTestSweeper(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 14; i++ {
		name := fmt.Sprintf("tasks_%s.db", base.Add(time.Duration(i)*time.Minute).Format("20060102_150405"))
		require.NoError(t, os.WriteFile(filepath.Join(p.BackupsDir(), name), []byte("x"), 0640))
	}
	require.NoError(t, sweeper.pruneBackups())

	entries, err := os.ReadDir(p.BackupsDir())
	require.NoError(t, err)
	assert.Len(t, entries, maxBackups)
	// The oldest snapshots are the ones gone.
	for _, entry := range entries {
		assert.GreaterOrEqual(t, entry.Name(), "tasks_20260101_000400.db")
	}
}

func TestReapFailsTimedOutTask(t *testing.T) {
	ctx := context.Background()
	sweeper, st, _ := newTestSweeper(t)

	task, err := st.CreateTask(ctx, &store.CreateTask{
		WorkingDirectory: "/tmp/project",
		ExecutionPrompt:  "a task that will hang forever",
	})
	require.NoError(t, err)
	_, err = st.ClaimTask(ctx, task.ID, os.Getpid())
	require.NoError(t, err)

	// Backdate the start far past the timeout.
	started := time.Now().Add(-2 * time.Hour).Unix()
	_, err = st.GetDriver().UpdateTask(ctx, &store.UpdateTask{ID: task.ID, StartedTs: &started})
	require.NoError(t, err)

	require.NoError(t, sweeper.reapDeadTasks(ctx))

	final, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Equal(t, "exceeded timeout", *final.ErrorMessage)
	assert.NotNil(t, final.EndedTs)
}

func TestReapFailsOrphanWithoutPID(t *testing.T) {
	ctx := context.Background()
	sweeper, st, _ := newTestSweeper(t)

	task, err := st.CreateTask(ctx, &store.CreateTask{
		WorkingDirectory: "/tmp/project",
		ExecutionPrompt:  "a task whose worker never registered",
	})
	require.NoError(t, err)

	running := store.TaskStatusRunning
	started := time.Now().Add(-10 * time.Minute).Unix()
	_, err = st.GetDriver().UpdateTask(ctx, &store.UpdateTask{ID: task.ID, Status: &running, StartedTs: &started})
	require.NoError(t, err)

	require.NoError(t, sweeper.reapDeadTasks(ctx))

	final, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "executor crashed:")
}

func TestReapLeavesHealthyRunningTask(t *testing.T) {
	ctx := context.Background()
	sweeper, st, _ := newTestSweeper(t)

	task, err := st.CreateTask(ctx, &store.CreateTask{
		WorkingDirectory: "/tmp/project",
		ExecutionPrompt:  "a healthy in-flight task",
	})
	require.NoError(t, err)
	// Claimed by this very process, so the pid is alive.
	_, err = st.ClaimTask(ctx, task.ID, os.Getpid())
	require.NoError(t, err)

	require.NoError(t, sweeper.reapDeadTasks(ctx))

	current, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusRunning, current.Status)
}

func TestReapFailsTaskOfDeadProcess(t *testing.T) {
	ctx := context.Background()
	sweeper, st, _ := newTestSweeper(t)

	task, err := st.CreateTask(ctx, &store.CreateTask{
		WorkingDirectory: "/tmp/project",
		ExecutionPrompt:  "a task owned by a process that is gone",
	})
	require.NoError(t, err)
	// Max pid on Linux is bounded well below this.
	_, err = st.ClaimTask(ctx, task.ID, 1<<30)
	require.NoError(t, err)

	started := time.Now().Add(-10 * time.Minute).Unix()
	_, err = st.GetDriver().UpdateTask(ctx, &store.UpdateTask{ID: task.ID, StartedTs: &started})
	require.NoError(t, err)

	require.NoError(t, sweeper.reapDeadTasks(ctx))

	final, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "executor crashed:")
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(0))
	assert.False(t, processAlive(-1))
	assert.False(t, processAlive(1<<30))
}
