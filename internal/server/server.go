package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/usagesvc/internal/clock"
	"github.com/smallbiznis/usagesvc/internal/config"
	"github.com/smallbiznis/usagesvc/internal/observability"
	obslogger "github.com/smallbiznis/usagesvc/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/usagesvc/internal/observability/metrics"
	obstracing "github.com/smallbiznis/usagesvc/internal/observability/tracing"
	"github.com/smallbiznis/usagesvc/internal/ratelimit"
	"github.com/smallbiznis/usagesvc/internal/usage"
	"github.com/smallbiznis/usagesvc/internal/usage/dispatch"
	usagedomain "github.com/smallbiznis/usagesvc/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	ratelimit.Module,
	usage.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log.Named("http"), obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	clock        clock.Clock
	usagesvc     usagedomain.Service
	dispatcher   *dispatch.Dispatcher
	obsMetrics   *obsmetrics.Metrics
	usageLimiter *ratelimit.UsageIngestLimiter
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Clock        clock.Clock
	Usagesvc     usagedomain.Service
	Dispatcher   *dispatch.Dispatcher          `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics           `optional:"true"`
	UsageLimiter *ratelimit.UsageIngestLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		clock:        clk,
		usagesvc:     p.Usagesvc,
		dispatcher:   p.Dispatcher,
		obsMetrics:   p.ObsMetrics,
		usageLimiter: p.UsageLimiter,
	}

	svc.registerUsageRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerUsageRoutes() {
	v1 := s.engine.Group("/v1", s.InternalKeyRequired())

	// -------- Ingestion --------
	v1.POST("/usage/events", s.UsageIngestRateLimit(), s.IngestUsage)
	v1.POST("/usage/events/async", s.UsageIngestRateLimit(), s.IngestUsageAsync)

	// -------- Aggregates --------
	v1.GET("/usage/users/:userId/daily/:day", s.GetDailyUsage)
	v1.GET("/usage/users/:userId/monthly/:month", s.GetMonthlyUsage)
}

func (s *Server) registerWebhookRoutes() {
	hooks := s.engine.Group("/v1/webhooks", s.InternalKeyRequired())

	hooks.POST("/revenuecat", s.HandleRevenueCatWebhook)
}
