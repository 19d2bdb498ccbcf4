package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alertforge/notify-core/internal/channel"
	"github.com/alertforge/notify-core/internal/config"
	"github.com/alertforge/notify-core/internal/dispatch"
	"github.com/alertforge/notify-core/internal/domain"
	"github.com/alertforge/notify-core/internal/handler"
	"github.com/alertforge/notify-core/internal/infra/postgresql"
	"github.com/alertforge/notify-core/internal/infra/postgresql/migrations"
	infraredis "github.com/alertforge/notify-core/internal/infra/redis"
	"github.com/alertforge/notify-core/internal/observability"
	"github.com/alertforge/notify-core/internal/queue"
	"github.com/alertforge/notify-core/internal/ratelimit"
	"github.com/alertforge/notify-core/internal/repository"
	"github.com/alertforge/notify-core/internal/routing"
	"github.com/alertforge/notify-core/internal/service"
	"github.com/alertforge/notify-core/internal/tracker"
	"github.com/alertforge/notify-core/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("notify-core exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer rabbit.Close()

	publisher := queue.NewRabbitMQPublisher(rabbit)
	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.WorkerConcurrency, logger)

	notifications := repository.NewGormNotificationRepo(db)
	attempts := repository.NewGormAttemptRepo(db)
	receipts := repository.NewGormReceiptRepo(db)
	acks := repository.NewGormAcknowledgmentRepo(db)
	stats := repository.NewGormStatsRepo(db)

	metrics := observability.NewMetrics()

	router := routing.NewRouter(routing.DefaultPolicy(), logger)
	limiterFactory := infraredis.NewLimiterFactory(rdb, "notify:ratelimit")
	limiter, err := ratelimit.NewManager(nil, limiterFactory, logger)
	if err != nil {
		return fmt.Errorf("rate limit manager init failed: %w", err)
	}

	var policies *config.PolicyManager
	if strings.TrimSpace(cfg.PolicyPath) != "" {
		policies = config.NewPolicyManager(cfg.PolicyPath, func(file *config.PolicyFile) error {
			if err := router.Reload(&file.Routing); err != nil {
				return err
			}
			if err := limiter.Reconfigure(file.RateLimits, limiterFactory); err != nil {
				return err
			}
			metrics.IncPolicyReload("success")
			return nil
		}, logger)

		if _, err := policies.Load(); err != nil {
			return fmt.Errorf("policy load failed: %w", err)
		}
		logger.Info("routing policy loaded", zap.String("path", cfg.PolicyPath))
	}

	trk, err := tracker.New(attempts, receipts, acks, stats,
		time.Duration(cfg.SLAThresholdMillis)*time.Millisecond, logger)
	if err != nil {
		return fmt.Errorf("tracker init failed: %w", err)
	}

	registry := channel.NewRegistry()
	for _, raw := range strings.Split(cfg.Channels, ",") {
		name := domain.NormalizeChannel(raw)
		if !name.IsValid() {
			continue
		}
		endpoint := fmt.Sprintf("%s/%s", strings.TrimRight(cfg.WebhookBaseURL, "/"), name)
		sender, err := channel.NewWebhookSender(name.String(), endpoint)
		if err != nil {
			return fmt.Errorf("webhook sender init for %q failed: %w", name, err)
		}
		if err := registry.Register(name, sender); err != nil {
			return fmt.Errorf("channel registration for %q failed: %w", name, err)
		}
	}
	logger.Info("channel senders registered", zap.Strings("channels", channelNames(registry)))

	orchestrator, err := dispatch.New(router, limiter, trk, registry, metrics, logger)
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	notificationService, err := service.NewNotificationService(notifications, publisher, logger)
	if err != nil {
		return fmt.Errorf("notification service init failed: %w", err)
	}

	workers, err := service.NewWorkerService(notifications, consumer, orchestrator, cfg.WorkerConcurrency, logger)
	if err != nil {
		return fmt.Errorf("worker service init failed: %w", err)
	}

	scanner, err := dispatch.NewExpiryScanner(notifications, attempts,
		time.Duration(cfg.ExpiryScanSeconds)*time.Second, 0, metrics, logger)
	if err != nil {
		return fmt.Errorf("expiry scanner init failed: %w", err)
	}

	app := fiber.New(fiber.Config{
		AppName:      "notify-core",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	if err := handler.RegisterNotificationRoutes(app, notificationService, trk); err != nil {
		return fmt.Errorf("route registration failed: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api listening", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	g.Go(func() error { return workers.Start(gCtx) })
	g.Go(func() error { return scanner.Start(gCtx) })
	if policies != nil {
		g.Go(func() error { return policies.Watch(gCtx) })
	}

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Shutdown-path errors after a signal are expected.
		logger.Info("shutdown complete")
		return nil
	}
	return err
}

func channelNames(registry *channel.Registry) []string {
	channels := registry.Channels()
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, ch.String())
	}
	return names
}
