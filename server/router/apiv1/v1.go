// Package apiv1 is the HTTP/JSON surface. Handlers are thin: parse, validate,
// call the store or spawn a supervisor, return the current row. They never
// block on task completion.
package apiv1

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/handoffd/handoff/executor"
	"github.com/handoffd/handoff/internal/profile"
	"github.com/handoffd/handoff/orchestrator"
	"github.com/handoffd/handoff/server/broadcaster"
	"github.com/handoffd/handoff/store"
)

type APIV1Service struct {
	Profile  *profile.Profile
	Store    *store.Store
	Spawner  *executor.Spawner
	Registry *orchestrator.Registry
	Events   broadcaster.Sink
	Logger   *slog.Logger
}

func NewAPIV1Service(p *profile.Profile, st *store.Store, spawner *executor.Spawner, registry *orchestrator.Registry, events broadcaster.Sink, logger *slog.Logger) *APIV1Service {
	if events == nil {
		events = broadcaster.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIV1Service{
		Profile:  p,
		Store:    st,
		Spawner:  spawner,
		Registry: registry,
		Events:   events,
		Logger:   logger,
	}
}

// RegisterRoutes mounts the v1 surface on the given group, normally /api/v1.
func (s *APIV1Service) RegisterRoutes(g *echo.Group) {
	g.POST("/tasks", s.createTask)
	g.GET("/tasks", s.listTasks)
	g.POST("/tasks/clear", s.clearTasks)
	g.GET("/tasks/:id", s.getTask)
	g.DELETE("/tasks/:id", s.deleteTask)

	g.POST("/orchestrations", s.createOrchestration)
	g.GET("/orchestrations", s.listOrchestrations)
	g.GET("/orchestrations/:id", s.getOrchestration)
	g.DELETE("/orchestrations/:id/cancel", s.cancelOrchestration)

	g.GET("/health", s.health)
}
