package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaos-io/cutout/analyzer"
	"github.com/chaos-io/cutout/bridge"
	"github.com/chaos-io/cutout/pixel"
	"github.com/chaos-io/cutout/rembg"
)

// Service HTTP 层依赖的抠图服务，bridge.Bridge 满足该接口
type Service interface {
	Process(ctx context.Context, buf *pixel.Buffer, opts rembg.Options, onProgress rembg.ProgressFunc) (*rembg.Result, error)
	Capabilities(ctx context.Context) (*rembg.Capabilities, error)
	Preload(ctx context.Context, model string) error
	Analyze(ctx context.Context, buf *pixel.Buffer) (*analyzer.Analysis, error)
	State() bridge.State
	Pending() int
}

type Options struct {
	// MaxUploadBytes 单次请求体上限
	MaxUploadBytes int64
	// Gatherer /metrics 的指标来源，nil 时使用默认 registry
	Gatherer prometheus.Gatherer
}

type Server struct {
	svc  Service
	opts Options
}

func NewRouter(svc Service, opts Options) *gin.Engine {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{svc: svc, opts: opts}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), s.limitBody())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.GET("/capabilities", s.capabilities)
	v1.POST("/models/:id/preload", s.preload)
	v1.POST("/remove", s.remove)
	v1.POST("/analyze", s.analyze)
	v1.POST("/colorkey", s.colorKey)
	v1.POST("/batch", s.batch)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}

func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	state := s.svc.State()
	status := http.StatusOK
	if state == bridge.StateDisposed {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":  "healthy",
		"bridge":  state,
		"pending": s.svc.Pending(),
	})
}
