package server

import (
	"net/http"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/spaceheat/scada/internal/core/domain"
)

const PLAN_RUN_TIMEOUT = 150 * time.Second

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	e.GET("/version", s.VersionHandler)
	e.GET("/contract", s.ContractHandler)
	e.GET("/plan", s.PlanHandler)
	e.POST("/plan", s.RunPlanHandler)
	e.GET("/tree", s.CommandTreeHandler)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	return e
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.ActorHealthRequest{}, 10*time.Second).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	if response, ok := res.(domain.ActorHealthResponse); ok && response.Healthy {
		return c.String(http.StatusOK, "health_check: OK")
	}
	return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
}

func (s *Server) VersionHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"version":  versioninfo.Version,
		"revision": versioninfo.Revision,
		"dirty":    versioninfo.DirtyBuild,
		"time":     versioninfo.LastCommit,
	})
}

func (s *Server) ContractHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.GetContractStatusRequest{}, 5*time.Second).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, err.Error())
	}
	response, ok := res.(domain.GetContractStatusResponse)
	if !ok {
		return c.String(http.StatusInternalServerError, "unexpected response")
	}
	return c.JSON(http.StatusOK, response)
}

func (s *Server) PlanHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.GetPlanRequest{}, 5*time.Second).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, err.Error())
	}
	response, ok := res.(domain.GetPlanResponse)
	if !ok {
		return c.String(http.StatusInternalServerError, "unexpected response")
	}
	if response.Plan == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, response.Plan)
}

func (s *Server) RunPlanHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.RunPlanRequest{}, PLAN_RUN_TIMEOUT).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, err.Error())
	}
	response, ok := res.(domain.RunPlanResponse)
	if !ok {
		return c.String(http.StatusInternalServerError, "unexpected response")
	}
	if response.HasResponseError() {
		return c.String(http.StatusConflict, response.GetResponseError().Error())
	}
	return c.JSON(http.StatusOK, response.Plan)
}

func (s *Server) CommandTreeHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.GetCommandTreeRequest{}, 5*time.Second).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, err.Error())
	}
	response, ok := res.(domain.GetCommandTreeResponse)
	if !ok {
		return c.String(http.StatusInternalServerError, "unexpected response")
	}
	return c.JSON(http.StatusOK, response.Handles)
}
