package apiv1

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handoffd/handoff/executor"
	"github.com/handoffd/handoff/internal/profile"
	"github.com/handoffd/handoff/internal/tasklog"
	"github.com/handoffd/handoff/orchestrator"
	"github.com/handoffd/handoff/store"
	"github.com/handoffd/handoff/store/db/sqlite"
	"github.com/handoffd/handoff/worker"
)

type testHarness struct {
	echo    *echo.Echo
	store   *store.Store
	profile *profile.Profile
}

func newTestHarness(t *testing.T, strict bool) *testHarness {
	t.Helper()
	dir := t.TempDir()
	driver, err := sqlite.NewDB(filepath.Join(dir, "tasks_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })
	st := store.New(driver, tasklog.New(dir))

	p := &profile.Profile{
		Mode:                "demo",
		Version:             "0.1.0-test",
		DefaultModel:        "sonnet",
		DefaultSystemPrompt: strings.Repeat("You are a delegated background assistant. ", 3),
		StrictPrompts:       strict,
	}

	breaker := executor.NewBreaker(t.TempDir(), "scripted", executor.BreakerConfig{}, slog.Default())
	exec := executor.New(st, &worker.ScriptedAdapter{}, breaker, nil, executor.DefaultConfig(), slog.Default())
	spawner := executor.NewSpawner(exec, 4, slog.Default())
	registry := orchestrator.NewRegistry(st, slog.Default())

	e := echo.New()
	service := NewAPIV1Service(p, st, spawner, registry, nil, slog.Default())
	service.RegisterRoutes(e.Group("/api/v1"))
	return &testHarness{echo: e, store: st, profile: p}
}

func (h *testHarness) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	h.echo.ServeHTTP(rec, req)
	return rec
}

func decodeTask(t *testing.T, rec *httptest.ResponseRecorder) *TaskRead {
	t.Helper()
	var read TaskRead
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &read))
	return &read
}

func validTaskBody() map[string]any {
	return map[string]any{
		"execution_prompt":  "refactor the storage layer and report back",
		"working_directory": "/tmp/project",
	}
}

func TestCreateTaskHappyPath(t *testing.T) {
	h := newTestHarness(t, false)

	rec := h.do(http.MethodPost, "/api/v1/tasks", validTaskBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	read := decodeTask(t, rec)
	assert.Equal(t, "PENDING", read.Status)
	assert.Equal(t, "/tmp/project", read.WorkingDirectory)
	assert.NotZero(t, read.ID)
	assert.NotEmpty(t, read.CreatedAt)
	assert.Nil(t, read.StartedAt)
	assert.Nil(t, read.OrchestrationID)

	// The scripted backend finishes the task in the background.
	require.Eventually(t, func() bool {
		task, err := h.store.GetTask(context.Background(), read.ID)
		return err == nil && task.Status == store.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = h.do(http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d", read.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	read = decodeTask(t, rec)
	assert.Equal(t, "COMPLETED", read.Status)
	require.NotNil(t, read.FinalSummary)
	assert.Contains(t, *read.FinalSummary, "demo run finished")
	assert.NotNil(t, read.StartedAt)
	assert.NotNil(t, read.EndedAt)
	assert.Nil(t, read.ErrorMessage)
}

func TestCreateTaskValidationBoundaries(t *testing.T) {
	h := newTestHarness(t, false)

	// 9 characters is one short of the minimum.
	body := validTaskBody()
	body["execution_prompt"] = strings.Repeat("x", 9)
	rec := h.do(http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body["execution_prompt"] = strings.Repeat("x", 10)
	rec = h.do(http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusOK, rec.Code)

	body = validTaskBody()
	body["working_directory"] = "   "
	rec = h.do(http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body = validTaskBody()
	body["system_prompt"] = strings.Repeat("s", 1001)
	rec = h.do(http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body = validTaskBody()
	body["model"] = "gpt-4"
	rec = h.do(http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body = validTaskBody()
	body["model"] = "opus"
	rec = h.do(http.MethodPost, "/api/v1/tasks", body)
	require.Equal(t, http.StatusOK, rec.Code)
	read := decodeTask(t, rec)
	task, err := h.store.GetTask(context.Background(), read.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ModelOpus, task.Model)
}

func TestCreateTaskStrictValidation(t *testing.T) {
	h := newTestHarness(t, true)

	longPrompt := "Work inside /tmp/project and " + strings.Repeat("improve the code quality ", 6)
	require.GreaterOrEqual(t, len(longPrompt), 150)
	systemPrompt := strings.Repeat("s", 80)

	// Execution prompt below the strict minimum.
	body := map[string]any{
		"execution_prompt":  strings.Repeat("x", 149),
		"working_directory": "/tmp/project",
		"system_prompt":     systemPrompt,
	}
	rec := h.do(http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Long enough but no path anywhere in it.
	body["execution_prompt"] = strings.Repeat("work hard ", 20)
	rec = h.do(http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// System prompt too short.
	body["execution_prompt"] = longPrompt
	body["system_prompt"] = strings.Repeat("s", 74)
	rec = h.do(http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// System prompt too long for the strict cap.
	body["system_prompt"] = strings.Repeat("s", 501)
	rec = h.do(http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body["system_prompt"] = systemPrompt
	rec = h.do(http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestGetTaskNotFound(t *testing.T) {
	h := newTestHarness(t, false)
	rec := h.do(http.MethodGet, "/api/v1/tasks/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteTaskSemantics(t *testing.T) {
	h := newTestHarness(t, false)
	ctx := context.Background()

	// Unknown id is a 400, same as not-terminal.
	rec := h.do(http.MethodDelete, "/api/v1/tasks/999", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	task, err := h.store.CreateTask(ctx, &store.CreateTask{
		WorkingDirectory: "/tmp/project",
		ExecutionPrompt:  "a task that never runs",
	})
	require.NoError(t, err)

	rec = h.do(http.MethodDelete, fmt.Sprintf("/api/v1/tasks/%d", task.ID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, err = h.store.ClaimTask(ctx, task.ID, 1)
	require.NoError(t, err)
	_, err = h.store.FinalizeTask(ctx, task.ID, store.TaskStatusCompleted, "done")
	require.NoError(t, err)

	rec = h.do(http.MethodDelete, fmt.Sprintf("/api/v1/tasks/%d", task.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
}

func TestClearTasks(t *testing.T) {
	h := newTestHarness(t, false)
	ctx := context.Background()

	task, err := h.store.CreateTask(ctx, &store.CreateTask{
		WorkingDirectory: "/tmp/project",
		ExecutionPrompt:  "something to clear later",
	})
	require.NoError(t, err)
	_, err = h.store.ClaimTask(ctx, task.ID, 1)
	require.NoError(t, err)
	_, err = h.store.FinalizeTask(ctx, task.ID, store.TaskStatusFailed, "broke")
	require.NoError(t, err)

	rec := h.do(http.MethodPost, "/api/v1/tasks/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["deleted"])
	assert.NotEmpty(t, resp["message"])
}

func TestListTasksFilter(t *testing.T) {
	h := newTestHarness(t, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.store.CreateTask(ctx, &store.CreateTask{
			WorkingDirectory: "/tmp/project",
			ExecutionPrompt:  "one of several list targets",
		})
		require.NoError(t, err)
	}

	rec := h.do(http.MethodGet, "/api/v1/tasks?status=PENDING", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reads []TaskRead
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reads))
	assert.Len(t, reads, 3)

	rec = h.do(http.MethodGet, "/api/v1/tasks?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reads))
	assert.Len(t, reads, 2)

	rec = h.do(http.MethodGet, "/api/v1/tasks?status=RUNNING", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reads))
	assert.Empty(t, reads)
}

func TestHealth(t *testing.T) {
	h := newTestHarness(t, false)
	rec := h.do(http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "0.1.0-test", resp["version"])
}
