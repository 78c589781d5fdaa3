// Package api serves the processed data back out over HTTP: raw readings by
// sensor, aggregate history by region and the latest window per region. It
// reads the same tables the pipeline writes and never touches Kafka.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/citypulse/trafficflow/internal/models"
	"github.com/citypulse/trafficflow/internal/storage"
)

const defaultLimit = 100

// Store is the query surface the API needs. *storage.Store satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	Readings(ctx context.Context, q storage.ReadingQuery) ([]models.ProcessedReading, error)
	Aggregates(ctx context.Context, q storage.AggregateQuery) ([]models.RegionalAggregate, error)
	LatestAggregates(ctx context.Context) ([]models.RegionalAggregate, error)
}

// Server bundles router and dependencies for the REST API.
type Server struct {
	port   int
	store  Store
	engine *gin.Engine
	log    *slog.Logger
}

// New constructs a server with routes and middleware.
func New(port int, store Store, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())
	engine.Use(corsMiddleware())

	server := &Server{port: port, store: store, engine: engine, log: logger}
	server.registerRoutes()
	return server
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	v1 := s.engine.Group("/api/v1")
	v1.GET("/readings", s.handleReadings)
	v1.GET("/regions/:region_id/aggregates", s.handleRegionAggregates)
	v1.GET("/aggregates/latest", s.handleLatestAggregates)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadings(c *gin.Context) {
	since, until, limit, err := timeRangeParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	readings, err := s.store.Readings(ctx, storage.ReadingQuery{
		SensorID: c.Query("sensor_id"),
		Since:    since,
		Until:    until,
		Limit:    limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":    len(readings),
		"readings": readings,
	})
}

func (s *Server) handleRegionAggregates(c *gin.Context) {
	regionID := c.Param("region_id")
	if regionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "region_id is required"})
		return
	}

	since, until, limit, err := timeRangeParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	aggregates, err := s.store.Aggregates(ctx, storage.AggregateQuery{
		RegionID: regionID,
		Since:    since,
		Until:    until,
		Limit:    limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"region_id":  regionID,
		"count":      len(aggregates),
		"aggregates": aggregates,
	})
}

func (s *Server) handleLatestAggregates(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	aggregates, err := s.store.LatestAggregates(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":      len(aggregates),
		"aggregates": aggregates,
	})
}

// timeRangeParams parses the shared since, until and limit query parameters.
// Timestamps are RFC3339; limit defaults to 100 when no filter narrows the
// result.
func timeRangeParams(c *gin.Context) (since, until *time.Time, limit int, err error) {
	if v := c.Query("since"); v != "" {
		t, parseErr := time.Parse(time.RFC3339, v)
		if parseErr != nil {
			return nil, nil, 0, fmt.Errorf("invalid since timestamp")
		}
		tt := t.UTC()
		since = &tt
	}

	if v := c.Query("until"); v != "" {
		t, parseErr := time.Parse(time.RFC3339, v)
		if parseErr != nil {
			return nil, nil, 0, fmt.Errorf("invalid until timestamp")
		}
		tt := t.UTC()
		until = &tt
	}

	if v := c.Query("limit"); v != "" {
		parsed, parseErr := strconv.Atoi(v)
		if parseErr != nil || parsed <= 0 {
			return nil, nil, 0, fmt.Errorf("invalid limit")
		}
		limit = parsed
	}

	if since == nil && until == nil && limit == 0 {
		limit = defaultLimit
	}
	return since, until, limit, nil
}
