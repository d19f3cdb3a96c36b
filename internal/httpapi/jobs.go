package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/veilworks/veil/internal/service"
)

type submitJobRequest struct {
	Text     string `json:"text"`
	Mode     string `json:"mode"`
	Filename string `json:"filename"`
	Owner    string `json:"owner"`
}

func (s *Server) submitJob(c echo.Context) error {
	var req submitJobRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	job, err := s.svc.SubmitProcessingJob(c.Request().Context(), req.Text, req.Mode, service.SubmitOptions{
		Owner:    req.Owner,
		Filename: req.Filename,
	})
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusCreated, job)
}

func (s *Server) listJobs(c echo.Context) error {
	jobs, err := s.svc.Jobs()
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) getJob(c echo.Context) error {
	job, err := s.svc.Job(c.Param("id"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// maskedText returns the full masked transcript. Job JSON bodies omit it so
// list responses stay small.
func (s *Server) maskedText(c echo.Context) error {
	job, err := s.svc.Job(c.Param("id"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"job_id":      job.ID,
		"masked_text": job.MaskedText,
	})
}

func (s *Server) vaultInfo(c echo.Context) error {
	info, err := s.svc.VaultInfo(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

type deanonymizeTextRequest struct {
	Text string `json:"text"`
}

func (s *Server) deanonymizeText(c echo.Context) error {
	var req deanonymizeTextRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	text, err := s.svc.DeanonymizeText(c.Request().Context(), c.Param("id"), req.Text)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"text": text})
}

func (s *Server) listModes(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Modes())
}

func (s *Server) listModels(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Models())
}

func (s *Server) listTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Tasks())
}

func (s *Server) usage(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Usage())
}
