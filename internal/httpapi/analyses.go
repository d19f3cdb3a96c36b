package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

type startAnalysisRequest struct {
	Task   string `json:"task"`
	Detail string `json:"detail"`
	Model  string `json:"model"`
}

func (s *Server) startAnalysis(c echo.Context) error {
	var req startAnalysisRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	a, err := s.svc.StartAnalysis(c.Request().Context(), c.Param("id"), req.Task, req.Detail, req.Model)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (s *Server) listAnalyses(c echo.Context) error {
	list, err := s.svc.Analyses(c.Param("id"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) getAnalysis(c echo.Context) error {
	a, err := s.svc.Analysis(c.Param("id"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) getProgress(c echo.Context) error {
	snap, err := s.svc.GetProgress(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

type resumeRequest struct {
	Model       string `json:"model"`
	ResetFailed bool   `json:"reset_failed"`
}

func (s *Server) resumeAnalysis(c echo.Context) error {
	var req resumeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	a, err := s.svc.ResumeAnalysis(c.Request().Context(), c.Param("id"), req.Model, req.ResetFailed)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) cancelAnalysis(c echo.Context) error {
	if err := s.svc.CancelAnalysis(c.Request().Context(), c.Param("id")); err != nil {
		return jsonError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) getResult(c echo.Context) error {
	deanonymize, _ := strconv.ParseBool(c.QueryParam("deanonymize"))
	res, err := s.svc.GetResult(c.Request().Context(), c.Param("id"), deanonymize)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) deanonymizeResult(c echo.Context) error {
	text, err := s.svc.Deanonymize(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"text": text})
}
