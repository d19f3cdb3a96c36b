// Package httpapi is the REST and SSE surface over the service layer. It
// carries no auth: deployment-level access control is out of scope for this
// daemon.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/veilworks/veil/internal/analysis"
	"github.com/veilworks/veil/internal/llm"
	"github.com/veilworks/veil/internal/pii"
	"github.com/veilworks/veil/internal/service"
	"github.com/veilworks/veil/internal/store"
	"github.com/veilworks/veil/internal/vault"
)

type Server struct {
	svc  *service.Service
	echo *echo.Echo
	log  *slog.Logger
}

func New(svc *service.Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{svc: svc, echo: e, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.echo.Group("/api")

	api.POST("/jobs", s.submitJob)
	api.GET("/jobs", s.listJobs)
	api.GET("/jobs/:id", s.getJob)
	api.GET("/jobs/:id/masked", s.maskedText)
	api.GET("/jobs/:id/vault", s.vaultInfo)
	api.POST("/jobs/:id/deanonymize", s.deanonymizeText)
	api.POST("/jobs/:id/analyses", s.startAnalysis)
	api.GET("/jobs/:id/analyses", s.listAnalyses)

	api.GET("/analyses/:id", s.getAnalysis)
	api.GET("/analyses/:id/progress", s.getProgress)
	api.GET("/analyses/:id/events", s.streamEvents)
	api.POST("/analyses/:id/resume", s.resumeAnalysis)
	api.POST("/analyses/:id/cancel", s.cancelAnalysis)
	api.GET("/analyses/:id/result", s.getResult)
	api.POST("/analyses/:id/deanonymize", s.deanonymizeResult)

	api.GET("/modes", s.listModes)
	api.GET("/models", s.listModels)
	api.GET("/tasks", s.listTasks)
	api.GET("/usage", s.usage)

	s.echo.GET("/healthz", s.health)
}

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// jsonError maps domain sentinels onto HTTP statuses. Anything unmapped is
// a 500.
func jsonError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, vault.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pii.ErrUnsupportedMode),
		errors.Is(err, analysis.ErrUnknownTask),
		errors.Is(err, analysis.ErrUnknownDetail),
		errors.Is(err, llm.ErrModelUnavailable),
		errors.Is(err, service.ErrEmptyText):
		status = http.StatusBadRequest
	case errors.Is(err, vault.ErrIrreversibleMode):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, service.ErrAlreadyRunning),
		errors.Is(err, service.ErrNotResumable):
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
