package http

import (
	"context"
	"net/http"
	"time"

	"github.com/IKRedHat/webhook-gateway/internal/config"
	"github.com/IKRedHat/webhook-gateway/internal/http/middleware"
	"github.com/IKRedHat/webhook-gateway/internal/logger"
	"github.com/IKRedHat/webhook-gateway/internal/metrics"
	"github.com/IKRedHat/webhook-gateway/internal/repository"
	"github.com/IKRedHat/webhook-gateway/internal/service/ingest"
	"github.com/IKRedHat/webhook-gateway/internal/service/registry"
	"github.com/jmoiron/sqlx"
	echo "github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB, rds *redis.Client) *Server {
	// repos (MySQL)
	subsRepo := repository.NewSubscriptionsRepository(mysqlDB)
	eventsRepo := repository.NewEventsRepository(mysqlDB)
	deliveriesRepo := repository.NewDeliveriesRepository(mysqlDB)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)

	// repos (ClickHouse)
	attemptsRepo := repository.NewAttemptsRepository(clickhouseDB)

	// services
	registrySvc := registry.New(mysqlDB, subsRepo, deliveriesRepo)
	ingestSvc := ingest.New(
		mysqlDB,
		subsRepo,
		eventsRepo,
		deliveriesRepo,
		outboxRepo,
		cfg.Kafka.Topic,
		cfg.Delivery.MaxAttempts,
	)

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(echoLogLevel(cfg.Logging.Level))
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		RPS:            cfg.RateLimit.RPS,
		KeyPrefix:      "rl:ip:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/api/v1", rlMW)
	registerRoutes(v1, registrySvc, ingestSvc, deliveriesRepo, attemptsRepo)

	return &Server{e: e}
}

func registerRoutes(
	v1 *echo.Group,
	registrySvc *registry.Service,
	ingestSvc *ingest.Service,
	deliveriesRepo repository.DeliveriesRepository,
	attemptsRepo repository.AttemptsRepository,
) {
	v1.POST("/events", publishEventHandler(ingestSvc))
	v1.POST("/events/batch", publishBatchHandler(ingestSvc))

	v1.POST("/subscriptions", createSubscriptionHandler(registrySvc))
	v1.GET("/subscriptions", listSubscriptionsHandler(registrySvc))
	v1.GET("/subscriptions/:id", getSubscriptionHandler(registrySvc))
	v1.PATCH("/subscriptions/:id", updateSubscriptionHandler(registrySvc))
	v1.DELETE("/subscriptions/:id", deleteSubscriptionHandler(registrySvc))
	v1.POST("/subscriptions/:id/toggle", toggleSubscriptionHandler(registrySvc))
	v1.POST("/subscriptions/:id/rotate-secret", rotateSecretHandler(registrySvc))
	v1.POST("/subscriptions/:id/test", testSubscriptionHandler(ingestSvc))

	v1.GET("/deliveries", listDeliveriesHandler(deliveriesRepo))
	v1.GET("/deliveries/pending", pendingDeliveriesHandler(deliveriesRepo))
	v1.GET("/deliveries/:id", getDeliveryHandler(deliveriesRepo))
	v1.GET("/deliveries/:id/attempts", listAttemptsHandler(deliveriesRepo, attemptsRepo))
	v1.POST("/deliveries/:id/retry", retryDeliveryHandler(ingestSvc))

	v1.GET("/stats", statsHandler(deliveriesRepo, attemptsRepo))
}

// echoLogLevel maps the configured zap-style level onto echo's internal
// logger, which backs c.Logger() in the handlers.
func echoLogLevel(level string) log.Lvl {
	switch level {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}

func (s *Server) Start(addr string) error {
	logger.Log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
