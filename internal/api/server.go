// Package api serves the monitoring HTTP surface: liveness, health metrics, Prometheus and build info.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"liquidity-rebalancer/internal/metrics"
	"liquidity-rebalancer/internal/queue"
	"liquidity-rebalancer/internal/repository"
	"liquidity-rebalancer/internal/version"
)

const (
	defaultWindowMinutes = 60
	shutdownTimeout      = 5 * time.Second
)

// HealthSource derives the rebalancing health verdicts.
type HealthSource interface {
	CheckRebalancingHealth(ctx context.Context) repository.HealthStatus
	GetHealthMetrics(ctx context.Context, minutes int) repository.HealthMetrics
}

// JobCounter reports queue depth per state.
type JobCounter interface {
	Counts(ctx context.Context) (map[queue.State]int64, error)
}

// Server is the monitoring HTTP server.
type Server struct {
	addr    string
	engine  *gin.Engine
	health  HealthSource
	jobs    JobCounter
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New builds the server and its routes. jobs and m may be nil.
func New(addr string, health HealthSource, jobs JobCounter, m *metrics.Metrics, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		addr:    addr,
		engine:  gin.New(),
		health:  health,
		jobs:    jobs,
		metrics: m,
		logger:  logger.With().Str("component", "api").Logger(),
	}
	s.engine.Use(gin.Recovery(), requestID(), s.accessLog())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/health/metrics", s.healthMetrics)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.engine.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, version.Get())
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("monitoring api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("monitoring api stopped")
	return nil
}

type healthzResponse struct {
	repository.HealthStatus
	Jobs map[queue.State]int64 `json:"jobs,omitempty"`
}

func (s *Server) healthz(c *gin.Context) {
	ctx := c.Request.Context()
	resp := healthzResponse{HealthStatus: s.health.CheckRebalancingHealth(ctx)}
	if s.jobs != nil {
		counts, err := s.jobs.Counts(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to count queued jobs")
		} else {
			resp.Jobs = counts
		}
	}

	code := http.StatusOK
	if !resp.IsHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) healthMetrics(c *gin.Context) {
	minutes := defaultWindowMinutes
	if raw := c.Query("minutes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "minutes must be a positive integer"})
			return
		}
		minutes = n
	}
	c.JSON(http.StatusOK, s.health.GetHealthMetrics(c.Request.Context(), minutes))
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("request_id", c.GetString("request_id")).
			Msg("request served")
	}
}
