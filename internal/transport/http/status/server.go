// Package statushttp serves read-only progress of the running batch.
package statushttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"klinevault/internal/checkpoint"
	"klinevault/internal/logger"
	"klinevault/internal/market"
	"klinevault/internal/orchestrator"
	"klinevault/internal/pkg/circuit"

	"github.com/gin-gonic/gin"
)

// Progress is the checkpoint view the server reads.
type Progress interface {
	RunID() int64
	Snapshot() []checkpoint.Status
	Counts() map[checkpoint.State]int
}

// Runs exposes the orchestrator's run state.
type Runs interface {
	Running() bool
	LastSummary() (orchestrator.Summary, bool)
}

// ServerConfig 描述状态服务依赖。
type ServerConfig struct {
	Addr     string
	Progress Progress
	Runs     Runs
	// SeriesPath maps a pair to its persisted file; nil disables /api/series.
	SeriesPath func(market.Pair) string
	Breakers   []*circuit.CircuitBreaker
}

// Server 提供只读的 /api 进度查询。
type Server struct {
	addr   string
	router *gin.Engine
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Progress == nil || cfg.Runs == nil {
		return nil, errors.New("status http server requires progress and runs")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9992"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.RecoveryWithWriter(logger.Writer()), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	h := &handlers{progress: cfg.Progress, runs: cfg.Runs, seriesPath: cfg.SeriesPath, breakers: cfg.Breakers}
	api := router.Group("/api")
	api.GET("/status", h.handleStatus)
	api.GET("/summary", h.handleSummary)
	if cfg.SeriesPath != nil {
		api.GET("/series", h.handleSeries)
	}
	return &Server{addr: cfg.Addr, router: router}, nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
