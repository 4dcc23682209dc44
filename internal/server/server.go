// Package server exposes the read-side API and run triggers over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/raphaelgruber/unipipe/internal/db"
	"github.com/raphaelgruber/unipipe/internal/metrics"
	"github.com/raphaelgruber/unipipe/internal/models"
)

// Reader is the query surface the handlers read from. *db.Client
// implements it.
type Reader interface {
	QueryListCheckpoints(ctx context.Context) ([]models.Checkpoint, error)
	QueryListRuns(ctx context.Context, source *string, limit int) ([]models.RunRecord, error)
	QueryListEntities(ctx context.Context, filter db.EntityFilter) ([]models.CanonicalEntity, error)
	QueryCountEntities(ctx context.Context) (int, error)
	QueryEntityCountsBySource(ctx context.Context) ([]db.SourceCount, error)
	QueryListDriftEvents(ctx context.Context, source *string, limit int) ([]models.DriftEvent, error)
	QueryCountDriftEvents(ctx context.Context, source *string) (int, error)
}

// Trigger starts pipeline runs. *pipeline.Manager implements it.
type Trigger interface {
	RunSource(ctx context.Context, name string) (*models.RunRecord, error)
	RunSourceAsync(name string) (string, error)
}

// Server wires the HTTP routes over the store and the run trigger.
type Server struct {
	reader    Reader
	trigger   Trigger
	collector *metrics.Collector
	logger    *slog.Logger
	engine    *gin.Engine
}

// New creates the HTTP server. A nil collector disables the metrics block
// in the stats response.
func New(reader Reader, trigger Trigger, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		reader:    reader,
		trigger:   trigger,
		collector: collector,
		logger:    logger,
		engine:    engine,
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler for mounting into an http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api/v1")
	api.GET("/data", s.handleListEntities)
	api.GET("/data/entity/:canonical_id", s.handleEntityGroup)
	api.GET("/stats", s.handleStats)
	api.GET("/runs", s.handleListRuns)
	api.GET("/drift", s.handleListDrift)
	api.POST("/pipeline/run/:source", s.handleRunPipeline)
}

func (s *Server) handleHealth(c *gin.Context) {
	// A trivial read doubles as the database liveness probe.
	if _, err := s.reader.QueryCountEntities(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListEntities(c *gin.Context) {
	filter := db.EntityFilter{
		Search: c.Query("q"),
		Limit:  intQuery(c, "limit", 50),
		Offset: intQuery(c, "offset", 0),
	}
	if v := c.Query("source_type"); v != "" {
		filter.SourceType = &v
	}
	if v := c.Query("canonical_id"); v != "" {
		filter.CanonicalID = &v
	}
	if v := c.Query("category"); v != "" {
		filter.Category = &v
	}

	entities, err := s.reader.QueryListEntities(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, "list entities", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entities, "count": len(entities)})
}

func (s *Server) handleEntityGroup(c *gin.Context) {
	canonical := c.Param("canonical_id")
	entities, err := s.reader.QueryListEntities(c.Request.Context(), db.EntityFilter{
		CanonicalID: &canonical,
		Limit:       intQuery(c, "limit", 50),
	})
	if err != nil {
		s.fail(c, "entity group", err)
		return
	}
	if len(entities) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no entities for canonical id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"canonical_id": canonical,
		"sources":      entities,
		"count":        len(entities),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()

	checkpoints, err := s.reader.QueryListCheckpoints(ctx)
	if err != nil {
		s.fail(c, "stats checkpoints", err)
		return
	}
	total, err := s.reader.QueryCountEntities(ctx)
	if err != nil {
		s.fail(c, "stats count", err)
		return
	}
	bySource, err := s.reader.QueryEntityCountsBySource(ctx)
	if err != nil {
		s.fail(c, "stats counts by source", err)
		return
	}
	driftTotal, err := s.reader.QueryCountDriftEvents(ctx, nil)
	if err != nil {
		s.fail(c, "stats drift count", err)
		return
	}
	recentRuns, err := s.reader.QueryListRuns(ctx, nil, 10)
	if err != nil {
		s.fail(c, "stats recent runs", err)
		return
	}

	resp := gin.H{
		"total_entities":     total,
		"entities_by_source": bySource,
		"total_drift_events": driftTotal,
		"checkpoints":        checkpoints,
		"recent_runs":        recentRuns,
	}
	if s.collector != nil {
		resp["process"] = s.collector.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListRuns(c *gin.Context) {
	var source *string
	if v := c.Query("source"); v != "" {
		source = &v
	}
	runs, err := s.reader.QueryListRuns(c.Request.Context(), source, intQuery(c, "limit", 20))
	if err != nil {
		s.fail(c, "list runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) handleListDrift(c *gin.Context) {
	var source *string
	if v := c.Query("source"); v != "" {
		source = &v
	}
	events, err := s.reader.QueryListDriftEvents(c.Request.Context(), source, intQuery(c, "limit", 50))
	if err != nil {
		s.fail(c, "list drift events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) handleRunPipeline(c *gin.Context) {
	name := c.Param("source")

	if c.Query("async") == "1" || c.Query("async") == "true" {
		runID, err := s.trigger.RunSourceAsync(name)
		if err != nil {
			s.failRun(c, name, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "source": name, "status": "started"})
		return
	}

	run, err := s.trigger.RunSource(c.Request.Context(), name)
	if err != nil {
		s.failRun(c, name, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) failRun(c *gin.Context, source string, err error) {
	switch {
	case errors.Is(err, db.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "run already in progress", "source": source})
	case isUnknownSource(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		s.fail(c, "run pipeline", err)
	}
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	s.logger.Error("request failed", "op", op, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// isUnknownSource matches the manager's unknown-source error without
// introducing a dependency cycle on the pipeline package.
func isUnknownSource(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "unknown source")
}

func intQuery(c *gin.Context, name string, fallback int) int {
	v := c.Query(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
