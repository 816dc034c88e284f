package apiv1

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/handoffd/handoff/orchestrator"
	"github.com/handoffd/handoff/server/broadcaster"
	"github.com/handoffd/handoff/store"
)

type orchestrationTaskItem struct {
	taskFields
	Identifier   string   `json:"identifier"`
	DependsOn    []string `json:"depends_on"`
	InitialDelay int      `json:"initial_delay"`
}

type createOrchestrationRequest struct {
	Tasks []orchestrationTaskItem `json:"tasks"`
}

type createOrchestrationResponse struct {
	OrchestrationID int64                     `json:"orchestration_id"`
	Status          string                    `json:"status"`
	TotalTasks      int                       `json:"total_tasks"`
	Tasks           []createOrchestrationTask `json:"tasks"`
}

type createOrchestrationTask struct {
	Identifier   string   `json:"identifier"`
	TaskID       int64    `json:"task_id"`
	DependsOn    []string `json:"depends_on"`
	InitialDelay int      `json:"initial_delay"`
}

// createOrchestration validates the whole plan before any row exists, so a
// cycle surfaces as 400 with nothing to clean up. On success the supervisor
// is already running when the response goes out.
func (s *APIV1Service) createOrchestration(c echo.Context) error {
	var req createOrchestrationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	specs := make([]orchestrator.TaskSpec, 0, len(req.Tasks))
	for i := range req.Tasks {
		item := &req.Tasks[i]
		model, err := validateTaskFields(&item.taskFields, s.Profile.StrictPrompts, s.defaultModel())
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest,
				errors.Wrapf(err, "task %q", item.Identifier).Error())
		}
		systemPrompt := item.SystemPrompt
		if systemPrompt == "" {
			systemPrompt = s.Profile.DefaultSystemPrompt
		}
		specs = append(specs, orchestrator.TaskSpec{
			Identifier:       item.Identifier,
			ExecutionPrompt:  item.ExecutionPrompt,
			SystemPrompt:     systemPrompt,
			WorkingDirectory: item.WorkingDirectory,
			Model:            model,
			DependsOn:        item.DependsOn,
			InitialDelay:     item.InitialDelay,
		})
	}
	if err := orchestrator.ValidatePlan(specs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	orch, err := s.Store.CreateOrchestration(ctx, len(specs))
	if err != nil {
		s.Logger.Error("api: failed to create orchestration", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create orchestration")
	}

	resp := &createOrchestrationResponse{
		OrchestrationID: orch.ID,
		Status:          string(orch.Status),
		TotalTasks:      orch.TotalTasks,
	}
	for i := range specs {
		spec := &specs[i]
		identifier := spec.Identifier
		dependsOn := spec.DependsOn
		if dependsOn == nil {
			dependsOn = []string{}
		}
		task, err := s.Store.CreateTask(ctx, &store.CreateTask{
			Status:           store.TaskStatusWaiting,
			WorkingDirectory: spec.WorkingDirectory,
			SystemPrompt:     spec.SystemPrompt,
			ExecutionPrompt:  spec.ExecutionPrompt,
			Model:            spec.Model,
			OrchestrationID:  &orch.ID,
			Identifier:       &identifier,
			DependsOn:        dependsOn,
			InitialDelay:     spec.InitialDelay,
		})
		if err != nil {
			s.Logger.Error("api: failed to create orchestrated task",
				"orchestration_id", orch.ID, "identifier", identifier, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to create orchestration tasks")
		}
		s.Events.Publish(broadcaster.TaskEvent(broadcaster.EventTaskCreated, task.ID, map[string]any{
			"status":           string(task.Status),
			"orchestration_id": orch.ID,
			"identifier":       identifier,
		}))
		resp.Tasks = append(resp.Tasks, createOrchestrationTask{
			Identifier:   identifier,
			TaskID:       task.ID,
			DependsOn:    dependsOn,
			InitialDelay: spec.InitialDelay,
		})
	}

	supervisor := orchestrator.New(s.Store, s.Spawner, s.Events, orch.ID, s.Logger)
	done := s.Registry.Track(orch.ID, supervisor)
	go func() {
		defer done()
		supervisor.Run(context.Background())
	}()

	return c.JSON(http.StatusOK, resp)
}

func (s *APIV1Service) getOrchestration(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid orchestration id")
	}
	ctx := c.Request().Context()
	orch, err := s.Store.GetOrchestration(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrOrchestrationNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "orchestration not found")
		}
		s.Logger.Error("api: failed to get orchestration", "orchestration_id", id, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get orchestration")
	}
	tasks, err := s.Store.TasksInOrchestration(ctx, id)
	if err != nil {
		s.Logger.Error("api: failed to list orchestration tasks", "orchestration_id", id, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get orchestration")
	}
	return c.JSON(http.StatusOK, orchestrationReadFromStore(orch, tasks))
}

func (s *APIV1Service) listOrchestrations(c echo.Context) error {
	find := &store.FindOrchestration{}
	if statusParam := c.QueryParam("status"); statusParam != "" {
		status := store.OrchestrationStatus(statusParam)
		find.Status = &status
	}
	if limitParam := c.QueryParam("limit"); limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		find.Limit = &limit
	}

	orchs, err := s.Store.ListOrchestrations(c.Request().Context(), find)
	if err != nil {
		s.Logger.Error("api: failed to list orchestrations", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list orchestrations")
	}
	reads := make([]*OrchestrationRead, 0, len(orchs))
	for _, o := range orchs {
		reads = append(reads, orchestrationReadFromStore(o, nil))
	}
	return c.JSON(http.StatusOK, reads)
}

// cancelOrchestration skips everything that has not started and marks the
// orchestration CANCELLED. Running tasks finish on their own.
func (s *APIV1Service) cancelOrchestration(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid orchestration id")
	}
	if err := s.Registry.Cancel(c.Request().Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrOrchestrationNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "orchestration not found")
		case errors.Is(err, orchestrator.ErrNotCancellable):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			s.Logger.Error("api: failed to cancel orchestration", "orchestration_id", id, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to cancel orchestration")
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "orchestration cancelled",
	})
}
