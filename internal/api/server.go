// Package api exposes the operator cache over HTTP: inspecting cached
// operator records, requesting builds with tuning, and reporting the
// hardware target the server resolves against.
package api

import (
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/anvil/internal/logger"
	"github.com/samcharles93/anvil/pkg/kernel"
)

const requestIDHeader = "X-Request-Id"

type Server struct {
	cache  *kernel.Cache
	target string
	log    logger.Logger
}

func NewServer(cache *kernel.Cache, target string, log logger.Logger) *Server {
	if cache == nil {
		cache = kernel.Global()
	}
	if target == "" {
		target = kernel.DetectTarget()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		cache:  cache,
		target: target,
		log:    log,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(requestID)
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/operators", s.handleListOperators)
	e.GET("/v1/operators/:id", s.handleGetOperator)
	e.POST("/v1/tune", s.handleTune)
	e.GET("/v1/target", s.handleTarget)
}

// requestID stamps responses with a request id for log correlation,
// honoring one supplied by the caller.
func requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set(requestIDHeader, id)
		return next(c)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleListOperators(c *echo.Context) error {
	recs := s.cache.Records()
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	out := OperatorList{Object: "list", Data: make([]OperatorResource, 0, len(recs))}
	for _, rec := range recs {
		out.Data = append(out.Data, operatorResource(rec))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetOperator(c *echo.Context) error {
	id := c.Param("id")
	rec, _, ok := s.cache.Lookup(id)
	if !ok {
		return writeNotFound(c, kernel.ErrNotFound.Error())
	}
	return c.JSON(http.StatusOK, operatorResource(rec))
}

func (s *Server) handleTune(c *echo.Context) error {
	req, err := decodeJSON[TuneRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	target := req.Target
	if target == "" {
		target = s.target
	}
	cfg := req.Config.Normalized()
	if _, err := s.cache.GetOrBuild(cfg, target, true); err != nil {
		if errors.Is(err, kernel.ErrInvalidConfig) ||
			errors.Is(err, kernel.ErrUnsupportedConfig) ||
			errors.Is(err, kernel.ErrUnsupportedZerosMode) {
			return writeBadRequest(c, err.Error())
		}
		s.log.Error("operator build failed", "target", target, "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	rec, ok := s.findRecord(cfg, target)
	if !ok {
		return writeError(c, http.StatusInternalServerError, "server_error", "built operator has no record", "", "")
	}
	return c.JSON(http.StatusOK, operatorResource(rec))
}

func (s *Server) handleTarget(c *echo.Context) error {
	return c.JSON(http.StatusOK, TargetResponse{Target: s.target})
}

func (s *Server) findRecord(cfg kernel.Config, target string) (kernel.Record, bool) {
	key := cfg.Key()
	for _, rec := range s.cache.Records() {
		if rec.Target == target && rec.Config.Key() == key {
			return rec, true
		}
	}
	return kernel.Record{}, false
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
