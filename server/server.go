// Package server assembles the HTTP surface: the REST API, the websocket
// event stream, and the middleware around them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/handoffd/handoff/executor"
	"github.com/handoffd/handoff/internal/profile"
	"github.com/handoffd/handoff/orchestrator"
	"github.com/handoffd/handoff/server/broadcaster"
	"github.com/handoffd/handoff/server/router/apiv1"
	"github.com/handoffd/handoff/store"
)

type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer  *echo.Echo
	broadcaster *broadcaster.Broadcaster
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewServer wires the echo instance, the v1 routes, and the websocket
// endpoint. The broadcaster heartbeat starts with Start.
func NewServer(p *profile.Profile, st *store.Store, spawner *executor.Spawner, registry *orchestrator.Registry, bcast *broadcaster.Broadcaster, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(corsConfig(p)))

	s := &Server{
		Profile:     p,
		Store:       st,
		echoServer:  e,
		broadcaster: bcast,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(p),
		},
	}

	apiService := apiv1.NewAPIV1Service(p, st, spawner, registry, bcast, logger)
	apiService.RegisterRoutes(e.Group("/api/v1"))
	e.GET("/ws", s.handleWebSocket)

	return s, nil
}

// corsConfig builds the CORS policy from the configured allow-list. An empty
// list keeps echo's permissive default, which suits local development.
func corsConfig(p *profile.Profile) middleware.CORSConfig {
	cfg := middleware.DefaultCORSConfig
	if len(p.CORSOrigins) > 0 {
		cfg.AllowOrigins = p.CORSOrigins
	}
	return cfg
}

func originChecker(p *profile.Profile) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(p.CORSOrigins) == 0 {
			return true
		}
		for _, allowed := range p.CORSOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}
}

// handleWebSocket upgrades the connection and joins it to the broadcaster
// fan-out. A missing client_id gets a generated one.
func (s *Server) handleWebSocket(c echo.Context) error {
	clientID := c.QueryParam("client_id")
	if clientID == "" {
		clientID = shortuuid.New()
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return errors.Wrap(err, "failed to upgrade websocket connection")
	}
	s.broadcaster.HandleConn(conn, clientID)
	return nil
}

// Start begins serving in a background goroutine and returns immediately.
func (s *Server) Start(ctx context.Context) error {
	go s.broadcaster.Run()
	go func() {
		address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server: failed to start echo server", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests and flushes the broadcaster. Running
// executors are not interrupted; the contingency sweep deals with leftovers
// on the next boot.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		s.logger.Error("server: failed to shut down echo server", "error", err)
	}
	s.broadcaster.Close()

	if err := s.Store.Close(); err != nil {
		s.logger.Error("server: failed to close store", "error", err)
	}
	s.logger.Info("server: shutdown complete")
}
