package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handoffd/handoff/internal/tasklog"
	"github.com/handoffd/handoff/store"
	"github.com/handoffd/handoff/store/db/sqlite"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	driver, err := sqlite.NewDB(filepath.Join(dir, "tasks_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })
	return store.New(driver, tasklog.New(dir))
}

// fakeRunner claims and finalizes tasks the way an executor would, with a
// scripted outcome per identifier.
type fakeRunner struct {
	store *store.Store

	mu       sync.Mutex
	failing  map[string]bool
	runDelay time.Duration
	order    []string
}

func newFakeRunner(st *store.Store) *fakeRunner {
	return &fakeRunner{store: st, failing: make(map[string]bool)}
}

func (r *fakeRunner) Run(ctx context.Context, taskID int64) error {
	task, err := r.store.ClaimTask(ctx, taskID, os.Getpid())
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	if r.runDelay > 0 {
		time.Sleep(r.runDelay)
	}

	identifier := ""
	if task.Identifier != nil {
		identifier = *task.Identifier
	}
	r.mu.Lock()
	r.order = append(r.order, identifier)
	shouldFail := r.failing[identifier]
	r.mu.Unlock()

	if shouldFail {
		_, err = r.store.FinalizeTask(ctx, taskID, store.TaskStatusFailed, "scripted failure")
	} else {
		_, err = r.store.FinalizeTask(ctx, taskID, store.TaskStatusCompleted, "scripted success")
	}
	return err
}

func createOrchestration(t *testing.T, st *store.Store, specs []TaskSpec) (*store.Orchestration, map[string]int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ValidatePlan(specs))

	orch, err := st.CreateOrchestration(ctx, len(specs))
	require.NoError(t, err)

	ids := make(map[string]int64, len(specs))
	for i := range specs {
		spec := specs[i]
		task, err := st.CreateTask(ctx, &store.CreateTask{
			Status:           store.TaskStatusWaiting,
			WorkingDirectory: spec.WorkingDirectory,
			ExecutionPrompt:  spec.ExecutionPrompt,
			OrchestrationID:  &orch.ID,
			Identifier:       &spec.Identifier,
			DependsOn:        spec.DependsOn,
			InitialDelay:     spec.InitialDelay,
		})
		require.NoError(t, err)
		ids[spec.Identifier] = task.ID
	}
	return orch, ids
}

func linearSpecs(delayB int) []TaskSpec {
	return []TaskSpec{
		{Identifier: "a", ExecutionPrompt: "first step", WorkingDirectory: "/tmp/p"},
		{Identifier: "b", ExecutionPrompt: "second step", WorkingDirectory: "/tmp/p", DependsOn: []string{"a"}, InitialDelay: delayB},
		{Identifier: "c", ExecutionPrompt: "third step", WorkingDirectory: "/tmp/p", DependsOn: []string{"b"}},
	}
}

func TestOrchestratorLinearDAGCompletes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	runner := newFakeRunner(st)

	orch, ids := createOrchestration(t, st, linearSpecs(1))
	o := New(st, runner, nil, orch.ID, slog.Default())
	o.Run(ctx)

	final, err := st.GetOrchestration(ctx, orch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OrchestrationStatusCompleted, final.Status)
	assert.Equal(t, 3, final.CompletedTasks)
	assert.Equal(t, 0, final.FailedTasks)
	assert.Equal(t, 0, final.SkippedTasks)
	assert.NotNil(t, final.StartedTs)
	assert.NotNil(t, final.EndedTs)

	assert.Equal(t, []string{"a", "b", "c"}, runner.order)

	taskA, err := st.GetTask(ctx, ids["a"])
	require.NoError(t, err)
	taskB, err := st.GetTask(ctx, ids["b"])
	require.NoError(t, err)
	require.NotNil(t, taskA.EndedTs)
	require.NotNil(t, taskB.StartedTs)
	// b waited its initial delay after a completed.
	assert.GreaterOrEqual(t, *taskB.StartedTs, *taskA.EndedTs+1)
}

func TestOrchestratorCascadeSkip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	runner := newFakeRunner(st)
	runner.failing["a"] = true

	orch, ids := createOrchestration(t, st, linearSpecs(0))
	o := New(st, runner, nil, orch.ID, slog.Default())
	o.Run(ctx)

	final, err := st.GetOrchestration(ctx, orch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OrchestrationStatusFailed, final.Status)
	assert.Equal(t, 0, final.CompletedTasks)
	assert.Equal(t, 1, final.FailedTasks)
	assert.Equal(t, 2, final.SkippedTasks)

	taskA, err := st.GetTask(ctx, ids["a"])
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, taskA.Status)

	for _, identifier := range []string{"b", "c"} {
		task, err := st.GetTask(ctx, ids[identifier])
		require.NoError(t, err)
		assert.Equal(t, store.TaskStatusSkipped, task.Status)
		require.NotNil(t, task.ErrorMessage)
		assert.Equal(t, SkipReasonDependencyFailed, *task.ErrorMessage)
		assert.NotNil(t, task.DependencyFailedTs)
	}

	// Only the failed root ever ran.
	assert.Equal(t, []string{"a"}, runner.order)
}

func TestOrchestratorDiamondFailureSkipsOnlyDescendants(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	runner := newFakeRunner(st)
	runner.failing["b"] = true

	specs := []TaskSpec{
		{Identifier: "a", ExecutionPrompt: "root step", WorkingDirectory: "/tmp/p"},
		{Identifier: "b", ExecutionPrompt: "left branch", WorkingDirectory: "/tmp/p", DependsOn: []string{"a"}},
		{Identifier: "c", ExecutionPrompt: "right branch", WorkingDirectory: "/tmp/p", DependsOn: []string{"a"}},
		{Identifier: "d", ExecutionPrompt: "join step", WorkingDirectory: "/tmp/p", DependsOn: []string{"b", "c"}},
	}
	orch, ids := createOrchestration(t, st, specs)
	o := New(st, runner, nil, orch.ID, slog.Default())
	o.Run(ctx)

	final, err := st.GetOrchestration(ctx, orch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OrchestrationStatusFailed, final.Status)
	assert.Equal(t, 2, final.CompletedTasks)
	assert.Equal(t, 1, final.FailedTasks)
	assert.Equal(t, 1, final.SkippedTasks)

	taskC, err := st.GetTask(ctx, ids["c"])
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, taskC.Status)

	taskD, err := st.GetTask(ctx, ids["d"])
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusSkipped, taskD.Status)
}

func TestOrchestratorCancel(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	runner := newFakeRunner(st)
	runner.runDelay = 300 * time.Millisecond

	orch, ids := createOrchestration(t, st, linearSpecs(0))
	o := New(st, runner, nil, orch.ID, slog.Default())

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(ctx)
	}()

	// Wait until a is RUNNING, then cancel mid-flight.
	require.Eventually(t, func() bool {
		task, err := st.GetTask(ctx, ids["a"])
		return err == nil && task.Status == store.TaskStatusRunning
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, o.Cancel(ctx))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not drain after cancel")
	}

	final, err := st.GetOrchestration(ctx, orch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OrchestrationStatusCancelled, final.Status)
	assert.Equal(t, 1, final.CompletedTasks)
	assert.Equal(t, 2, final.SkippedTasks)

	// a ran to its natural end.
	taskA, err := st.GetTask(ctx, ids["a"])
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, taskA.Status)

	for _, identifier := range []string{"b", "c"} {
		task, err := st.GetTask(ctx, ids[identifier])
		require.NoError(t, err)
		assert.Equal(t, store.TaskStatusSkipped, task.Status)
		require.NotNil(t, task.ErrorMessage)
		assert.Equal(t, SkipReasonCancelled, *task.ErrorMessage)
	}

	// A second cancel is rejected: already terminal.
	assert.ErrorIs(t, o.Cancel(ctx), ErrNotCancellable)
}

func TestOrchestratorSettlesTasksWhenStartWriteRejected(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	runner := newFakeRunner(st)

	orch, ids := createOrchestration(t, st, linearSpecs(0))

	// Force the row terminal so the PENDING to RUNNING write is rejected.
	cancelled := store.OrchestrationStatusCancelled
	_, err := st.UpdateOrchestration(ctx, &store.UpdateOrchestration{ID: orch.ID, Status: &cancelled})
	require.NoError(t, err)

	o := New(st, runner, nil, orch.ID, slog.Default())
	o.Run(ctx)

	// No task may be left WAITING; the supervisor settles them on the way out.
	for identifier, id := range ids {
		task, err := st.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.TaskStatusSkipped, task.Status, identifier)
	}
	assert.Empty(t, runner.order)
}

func TestRegistryCancelDetached(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	orch, ids := createOrchestration(t, st, linearSpecs(0))
	registry := NewRegistry(st, slog.Default())

	require.NoError(t, registry.Cancel(ctx, orch.ID))

	final, err := st.GetOrchestration(ctx, orch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OrchestrationStatusCancelled, final.Status)
	assert.Equal(t, 3, final.SkippedTasks)

	for _, id := range ids {
		task, err := st.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.TaskStatusSkipped, task.Status)
	}

	assert.ErrorIs(t, registry.Cancel(ctx, orch.ID), ErrNotCancellable)
}

func TestRegistryCancelUnknown(t *testing.T) {
	st := newTestStore(t)
	registry := NewRegistry(st, slog.Default())
	err := registry.Cancel(context.Background(), 12345)
	assert.ErrorIs(t, err, store.ErrOrchestrationNotFound)
}
