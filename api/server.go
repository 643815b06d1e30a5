// Package api exposes saga queries, operator actions and triggers over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rbaliyan/event/v3/health"

	"github.com/rbaliyan/event-saga/saga"
	"github.com/rbaliyan/event-saga/trigger"
)

// Engine is the part of *saga.Engine the API serves.
type Engine interface {
	GetInstance(ctx context.Context, instanceID string) (*saga.Instance, error)
	ListInstances(ctx context.Context, filter saga.InstanceFilter) (*saga.InstancePage, error)
	StepExecutions(ctx context.Context, instanceID string) ([]*saga.StepExecution, error)
	Events(ctx context.Context, instanceID string) ([]*saga.Event, error)
	Cancel(ctx context.Context, instanceID, actorID, reason string) error
	Retry(ctx context.Context, instanceID, actorID string) (*saga.ExecutionResult, error)
	Result(ctx context.Context, instanceID string) (*saga.ExecutionResult, error)
}

// DemandToCashTrigger starts demand-to-cash sagas.
type DemandToCashTrigger interface {
	Trigger(ctx context.Context, req trigger.DemandToCashRequest) (*saga.ExecutionResult, error)
}

// Server holds the API dependencies.
type Server struct {
	engine       Engine
	demandToCash DemandToCashTrigger
	checks       map[string]health.Checker
	serviceName  string
	logger       *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHealthCheck adds a component to GET /health.
func WithHealthCheck(name string, checker health.Checker) Option {
	return func(s *Server) {
		if checker != nil {
			s.checks[name] = checker
		}
	}
}

// WithServiceName sets the service name reported by GET /health.
func WithServiceName(name string) Option {
	return func(s *Server) {
		s.serviceName = name
	}
}

// NewServer creates a Server.
func NewServer(engine Engine, demandToCash DemandToCashTrigger, opts ...Option) *Server {
	s := &Server{
		engine:       engine,
		demandToCash: demandToCash,
		checks:       make(map[string]health.Checker),
		serviceName:  "sagad",
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitRoutes registers every route on e.
func (s *Server) InitRoutes(e *echo.Echo) {
	e.GET("/health", s.health)

	v1 := e.Group("/api/v1")

	sagas := v1.Group("/sagas")
	sagas.GET("", s.listSagas)
	sagas.GET("/:id", s.getSaga)
	sagas.GET("/:id/steps", s.getSteps)
	sagas.GET("/:id/events", s.getEvents)
	sagas.POST("/:id/cancel", s.cancelSaga)
	sagas.POST("/:id/retry", s.retrySaga)

	v1.POST("/triggers/demand-to-cash", s.triggerDemandToCash)
}

func (s *Server) health(c echo.Context) error {
	ctx := c.Request().Context()

	overall := health.StatusHealthy
	components := make(map[string]*health.Result, len(s.checks))
	for name, checker := range s.checks {
		res := checker.Health(ctx)
		components[name] = res
		switch {
		case res.Status == health.StatusUnhealthy:
			overall = health.StatusUnhealthy
		case res.Status == health.StatusDegraded && overall == health.StatusHealthy:
			overall = health.StatusDegraded
		}
	}

	code := http.StatusOK
	if overall == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, HealthResponse{
		Status:     fmt.Sprint(overall),
		Service:    s.serviceName,
		Components: components,
	})
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *Server) listSagas(c echo.Context) error {
	filter := saga.InstanceFilter{
		TenantID: c.QueryParam("tenant_id"),
		SagaName: c.QueryParam("name"),
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			status := saga.Status(strings.TrimSpace(st))
			if !validStatus(status) {
				return badRequest(c, "invalid status "+strconv.Quote(st))
			}
			filter.Status = append(filter.Status, status)
		}
	}

	var err error
	if filter.Limit, err = intParam(c, "limit", defaultListLimit); err != nil {
		return badRequest(c, err.Error())
	}
	if filter.Offset, err = intParam(c, "offset", 0); err != nil {
		return badRequest(c, err.Error())
	}
	// The store treats 0 as unbounded.
	switch {
	case filter.Limit == 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}

	page, err := s.engine.ListInstances(c.Request().Context(), filter)
	if err != nil {
		return s.fail(c, "list sagas", err)
	}
	if page.Items == nil {
		page.Items = []*saga.Instance{}
	}
	return c.JSON(http.StatusOK, ListResponse{
		Items:  page.Items,
		Total:  page.Total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

func (s *Server) getSaga(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	inst, err := s.engine.GetInstance(ctx, id)
	if err != nil {
		return s.fail(c, "get saga", err)
	}
	res, err := s.engine.Result(ctx, id)
	if err != nil {
		return s.fail(c, "get saga", err)
	}
	return c.JSON(http.StatusOK, InstanceResponse{
		Instance:       inst,
		CompletedSteps: res.CompletedSteps,
		TotalSteps:     res.TotalSteps,
	})
}

func (s *Server) getSteps(c echo.Context) error {
	steps, err := s.engine.StepExecutions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "list steps", err)
	}
	if steps == nil {
		steps = []*saga.StepExecution{}
	}
	return c.JSON(http.StatusOK, map[string]any{"items": steps})
}

func (s *Server) getEvents(c echo.Context) error {
	events, err := s.engine.Events(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "list events", err)
	}
	if events == nil {
		events = []*saga.Event{}
	}
	return c.JSON(http.StatusOK, map[string]any{"items": events})
}

func (s *Server) cancelSaga(c echo.Context) error {
	var req CancelRequest
	if err := bindOptional(c, &req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	if err := s.engine.Cancel(ctx, id, req.ActorID, req.Reason); err != nil {
		return s.fail(c, "cancel saga", err)
	}

	s.logger.Info("saga cancel requested",
		"saga_id", id,
		"actor_id", req.ActorID)

	res, err := s.engine.Result(ctx, id)
	if err != nil {
		return s.fail(c, "cancel saga", err)
	}
	return c.JSON(http.StatusAccepted, res)
}

func (s *Server) retrySaga(c echo.Context) error {
	var req RetryRequest
	if err := bindOptional(c, &req); err != nil {
		return badRequest(c, "invalid request body")
	}

	res, err := s.engine.Retry(c.Request().Context(), c.Param("id"), req.ActorID)
	if err != nil {
		return s.fail(c, "retry saga", err)
	}
	return c.JSON(http.StatusAccepted, res)
}

func (s *Server) triggerDemandToCash(c echo.Context) error {
	var req trigger.DemandToCashRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	res, err := s.demandToCash.Trigger(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, "trigger demand-to-cash", err)
	}
	return c.JSON(http.StatusAccepted, res)
}

// fail maps err to a status code and writes the error body.
func (s *Server) fail(c echo.Context, op string, err error) error {
	code, kind := classify(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error(op+" failed",
			"path", c.Path(),
			"error", err)
		return c.JSON(code, ErrorResponse{Error: kind, Message: "internal error"})
	}
	return c.JSON(code, ErrorResponse{Error: kind, Message: err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, saga.ErrInstanceNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, saga.ErrNotCancellable):
		return http.StatusConflict, "not_cancellable"
	case errors.Is(err, saga.ErrNotRetryable):
		return http.StatusConflict, "not_retryable"
	case errors.Is(err, saga.ErrDefinitionNotFound):
		return http.StatusUnprocessableEntity, "definition_not_found"
	case errors.Is(err, saga.ErrDefinitionInactive):
		return http.StatusUnprocessableEntity, "definition_inactive"
	case errors.Is(err, trigger.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	}
	return http.StatusInternalServerError, "internal_error"
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: msg})
}

// bindOptional binds a JSON body when one is present.
func bindOptional(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	return c.Bind(v)
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}

func validStatus(s saga.Status) bool {
	switch s {
	case saga.StatusStarted, saga.StatusRunning, saga.StatusCompleted,
		saga.StatusCompensating, saga.StatusCompensated, saga.StatusFailed:
		return true
	}
	return false
}
