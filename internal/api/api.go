// Package api is the HTTP adapter over the core facade. It parses
// requests, maps error categories to status codes, and renders output
// formats; all service state lives behind core.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/voxflow/voxflow-go/internal/conf"
	"github.com/voxflow/voxflow-go/internal/core"
	"github.com/voxflow/voxflow-go/internal/errors"
	"github.com/voxflow/voxflow-go/internal/format"
	"github.com/voxflow/voxflow-go/internal/jobs"
	"github.com/voxflow/voxflow-go/internal/logging"
)

// Server is the HTTP adapter.
type Server struct {
	Echo   *echo.Echo
	core   *core.Core
	cfg    conf.WebSettings
	logger *slog.Logger
}

// New builds the adapter and registers its routes.
func New(c *core.Core, cfg conf.WebSettings) *Server {
	logger := logging.ForService("api")
	if logger == nil {
		logger = slog.Default().With("service", "api")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{Echo: e, core: c, cfg: cfg, logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.POST("/api/transcribe", s.submit)
	s.Echo.GET("/api/jobs/:id", s.getJob)
	s.Echo.GET("/api/jobs/:id/result", s.getResult)
	s.Echo.DELETE("/api/jobs/:id", s.cancelJob)
	s.Echo.POST("/api/model/reload", s.reloadModel)
	s.Echo.GET("/health", s.health)
	s.Echo.GET("/api/info", s.info)
	s.Echo.GET("/metrics", echo.WrapHandler(s.core.Metrics().Handler()))
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	addr := s.cfg.Host + ":" + s.cfg.Port
	s.logger.Info("http server listening", "addr", addr)
	if err := s.Echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}

// submitResponse is the async submission reply.
type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) submit(c echo.Context) error {
	req, err := parseSubmit(c)
	if err != nil {
		return s.fail(c, err)
	}

	id, err := s.core.SubmitFile(*req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, submitResponse{JobID: id, Status: string(jobs.StatusPending)})
}

// parseSubmit reads the multipart upload and its options.
func parseSubmit(c echo.Context) (*jobs.Request, error) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return nil, errors.Newf("missing file field in upload").
			Category(errors.CategoryValidation).
			Build()
	}
	f, err := fileHeader.Open()
	if err != nil {
		return nil, errors.New(err).Category(errors.CategoryValidation).Build()
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.New(err).Category(errors.CategoryValidation).Build()
	}

	req := &jobs.Request{
		Filename:     fileHeader.Filename,
		Data:         data,
		Language:     c.FormValue("language"),
		SystemPrompt: c.FormValue("system_prompt"),
	}
	if v := c.FormValue("timestamps"); v != "" {
		req.WantTimestamps, _ = strconv.ParseBool(v)
	}
	if v := c.FormValue("confidence"); v != "" {
		req.WantConfidence, _ = strconv.ParseBool(v)
	}
	if f := c.FormValue("output_format"); f != "" {
		switch f {
		case format.JSON, format.TXT, format.SRT, format.VTT:
		default:
			return nil, errors.Newf("unsupported output format %q", f).
				Category(errors.CategoryValidation).
				Build()
		}
	}
	return req, nil
}

func (s *Server) getJob(c echo.Context) error {
	snap, ok := s.core.GetJob(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "job not found"})
	}
	return c.JSON(http.StatusOK, snap)
}

// getResult renders a completed job in the requested output format.
func (s *Server) getResult(c echo.Context) error {
	snap, ok := s.core.GetJob(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "job not found"})
	}
	if snap.Response == nil {
		return c.JSON(http.StatusConflict, echo.Map{
			"error":  fmt.Sprintf("job is %s, result not available", snap.Status),
			"status": snap.Status,
		})
	}

	of := c.QueryParam("format")
	out, err := format.Render(snap.Response, of)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Blob(http.StatusOK, format.ContentType(of), []byte(out))
}

func (s *Server) cancelJob(c echo.Context) error {
	cancelled := s.core.CancelJob(c.Param("id"))
	return c.JSON(http.StatusOK, echo.Map{"cancelled": cancelled})
}

func (s *Server) reloadModel(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Minute)
	defer cancel()
	if err := s.core.ReloadModel(ctx); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"reloaded": true})
}

func (s *Server) health(c echo.Context) error {
	h := s.core.Health()
	status := http.StatusOK
	if !h.Ready {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, h)
}

func (s *Server) info(c echo.Context) error {
	return c.JSON(http.StatusOK, s.core.Info())
}

// fail maps an error category to an HTTP status.
func (s *Server) fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.IsCategory(err, errors.CategoryValidation):
		status = http.StatusBadRequest
	case errors.IsCategory(err, errors.CategoryLimit):
		status = http.StatusRequestEntityTooLarge
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsCategory(err, errors.CategoryState):
		status = http.StatusConflict
	}

	if status >= 500 {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	} else {
		s.logger.Debug("request rejected", "path", c.Path(), "status", status, "error", err)
	}
	return c.JSON(status, echo.Map{"error": errors.ScrubMessage(err.Error())})
}
