package apiv1

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/handoffd/handoff/server/broadcaster"
	"github.com/handoffd/handoff/store"
)

type createTaskRequest struct {
	taskFields
}

func (s *APIV1Service) defaultModel() store.Model {
	model, err := store.ParseModel(s.Profile.DefaultModel)
	if err != nil {
		return store.ModelSonnet
	}
	return model
}

// createTask inserts a PENDING row and launches its executor in the
// background. The response is the initial row; completion is observed later.
func (s *APIV1Service) createTask(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "malformed request body")
	}
	model, err := validateTaskFields(&req.taskFields, s.Profile.StrictPrompts, s.defaultModel())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = s.Profile.DefaultSystemPrompt
	}

	task, err := s.Store.CreateTask(c.Request().Context(), &store.CreateTask{
		Status:           store.TaskStatusPending,
		WorkingDirectory: req.WorkingDirectory,
		SystemPrompt:     systemPrompt,
		ExecutionPrompt:  req.ExecutionPrompt,
		Model:            model,
	})
	if err != nil {
		s.Logger.Error("api: failed to create task", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create task")
	}

	s.Events.Publish(broadcaster.TaskEvent(broadcaster.EventTaskCreated, task.ID, map[string]any{
		"status": string(task.Status),
	}))
	s.Spawner.Launch(task.ID)
	return c.JSON(http.StatusOK, taskReadFromStore(task))
}

func (s *APIV1Service) getTask(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid task id")
	}
	task, err := s.Store.GetTask(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		s.Logger.Error("api: failed to get task", "task_id", id, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get task")
	}
	return c.JSON(http.StatusOK, taskReadFromStore(task))
}

func (s *APIV1Service) listTasks(c echo.Context) error {
	find := &store.FindTask{}
	if statusParam := c.QueryParam("status"); statusParam != "" {
		status := store.TaskStatus(statusParam)
		find.Status = &status
	}
	if orchParam := c.QueryParam("orchestration_id"); orchParam != "" {
		orchID, err := strconv.ParseInt(orchParam, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid orchestration_id")
		}
		find.OrchestrationID = &orchID
	}
	if limitParam := c.QueryParam("limit"); limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		find.Limit = &limit
	}

	tasks, err := s.Store.ListTasks(c.Request().Context(), find)
	if err != nil {
		s.Logger.Error("api: failed to list tasks", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list tasks")
	}
	reads := make([]*TaskRead, 0, len(tasks))
	for _, t := range tasks {
		reads = append(reads, taskReadFromStore(t))
	}
	return c.JSON(http.StatusOK, reads)
}

// deleteTask removes one terminal task. Deleting a live task and deleting an
// unknown id are both client errors of the same kind.
func (s *APIV1Service) deleteTask(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid task id")
	}
	if err := s.Store.DeleteTask(c.Request().Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrTaskNotFound):
			return echo.NewHTTPError(http.StatusBadRequest, "task not found")
		case errors.Is(err, store.ErrTaskNotTerminal):
			return echo.NewHTTPError(http.StatusBadRequest, "task is not in a terminal state")
		default:
			s.Logger.Error("api: failed to delete task", "task_id", id, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete task")
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("task %d deleted", id),
	})
}

func (s *APIV1Service) clearTasks(c echo.Context) error {
	deleted, err := s.Store.ClearTerminal(c.Request().Context())
	if err != nil {
		s.Logger.Error("api: failed to clear tasks", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to clear tasks")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"deleted": deleted,
		"message": fmt.Sprintf("%d terminal tasks deleted", deleted),
	})
}

func (s *APIV1Service) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": s.Profile.Version,
	})
}
