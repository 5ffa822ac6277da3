package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
	"avatarlink/internal/core/services"
	httphandlers "avatarlink/internal/handlers/http"
	"avatarlink/internal/infrastructure/api"
	backupinfra "avatarlink/internal/infrastructure/backup"
	"avatarlink/internal/infrastructure/distributed"
	"avatarlink/internal/infrastructure/middleware"
	"avatarlink/internal/infrastructure/monitoring"
	"avatarlink/internal/infrastructure/repositories"
	eventstream "avatarlink/internal/infrastructure/signal"
	"avatarlink/internal/providers"
	"avatarlink/internal/session"
	"avatarlink/pkg/backup"
	"avatarlink/pkg/config"
	lockpkg "avatarlink/pkg/distributed"
	"avatarlink/pkg/eventbus"
	"avatarlink/pkg/logger"
	"avatarlink/pkg/resource"
	"avatarlink/pkg/tracing"
	"avatarlink/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	leaseTTL         = 30 * time.Second
	leasePrefix      = "avatarlink:session-lease:"
	healthInterval   = 15 * time.Second
	healthTimeout    = 2 * time.Second
	relayPublishWait = 2 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the avatarlink control API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	startTime := time.Now()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "avatarlink",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	resources := resource.NewManager(log)

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return fmt.Errorf("creating repository factory: %w", err)
	}
	settingsRepo := repoFactory.CreateSettingsRepository()

	var metrics ports.Metrics = ports.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewCollector(prometheus.DefaultRegisterer)
	}

	factory := providers.NewDefaultFactory(providers.SettingsFromConfig(cfg, metrics, log))
	manager := providers.NewManager(factory, nil, metrics, log)

	apiClient, err := api.NewClient(api.OptionsFromConfig(cfg, log))
	if err != nil {
		return fmt.Errorf("creating session api client: %w", err)
	}
	resources.RegisterGlobal(resource.Named("api-client", resource.Func(func(context.Context) error {
		return apiClient.Close()
	})))

	instanceID := utils.GenerateID("node")
	var leases session.LeaseFunc
	if rc := repoFactory.RedisClient(); rc != nil {
		locks := lockpkg.NewLockManager(rc, leasePrefix, leaseTTL)
		leases = func(id string) session.Lease { return locks.AcquireLock(id) }

		relay := distributed.NewStateRelay(rc, cfg.Redis.StateChannel, instanceID, log.Named("relay"))
		unsubscribe := relayState(manager.Events(), relay, log)
		resources.RegisterGlobal(resource.Named("state-relay", resource.Func(func(context.Context) error {
			unsubscribe()
			return relay.Close()
		})))
	}

	orchestrator := session.NewOrchestrator(session.Options{
		API:             apiClient,
		Manager:         manager,
		DefaultProvider: domain.ProviderType(cfg.Providers.Default),
		Leases:          leases,
		Resources:       resources,
		Logger:          log,
	})

	var authService services.AuthService
	if cfg.Auth.Enabled {
		authService = services.NewAuthService(cfg.Auth.JWTSecret)
	}

	healthChecker := monitoring.NewHealthChecker(log.Named("health"))
	healthChecker.AddSettingsCheck(settingsRepo, healthInterval, healthTimeout)
	healthChecker.AddProviderCheck(manager.Current, healthInterval, healthTimeout)
	if rc := repoFactory.RedisClient(); rc != nil {
		healthChecker.AddRedisCheck(rc, healthInterval, healthTimeout)
	}
	healthChecker.StartBackgroundChecks(ctx)

	if cfg.Backup.Enabled {
		storage, err := backup.NewFileStorage(cfg.Backup.Dir)
		if err != nil {
			return fmt.Errorf("opening backup storage: %w", err)
		}
		scheduler := backupinfra.NewScheduler(backup.NewBackupService(storage, version), settingsRepo,
			backupinfra.Config{Interval: cfg.Backup.Interval, Retention: cfg.Backup.Retention}, log)
		go scheduler.Start(ctx)
		resources.RegisterGlobal(resource.Named("backup-scheduler", resource.Func(func(context.Context) error {
			scheduler.Stop()
			return nil
		})))
	}

	events := eventstream.NewWebSocketServer(eventstream.Options{
		Bus:            manager.Events(),
		Provider:       orchestrator.Provider,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		PingInterval:   cfg.Server.PingInterval,
		Logger:         log,
	})

	router := newRouter(cfg, log, authService)
	v1 := router.Group("/api/v1")
	read := v1.Group("", middleware.AuthMiddleware(authService, services.RoleViewer))
	write := v1.Group("", middleware.AuthMiddleware(authService, services.RoleOperator))

	httphandlers.NewSessionHandler(orchestrator, apiClient).SetupRoutes(read, write)
	httphandlers.NewSettingsHandler(settingsRepo).SetupRoutes(read, write)
	read.GET("/session/events", gin.WrapF(events.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "healthy",
			"timestamp":     time.Now(),
			"uptime":        time.Since(startTime).String(),
			"instance_id":   instanceID,
			"provider":      manager.CurrentType(),
			"event_clients": events.ClientCount(),
			"version":       version,
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		rctx, rcancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer rcancel()

		if err := repoFactory.HealthCheck(rctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":       "not_ready",
				"timestamp":    time.Now(),
				"dependencies": "unhealthy",
				"error":        err.Error(),
			})
			return
		}
		status := healthChecker.CheckAll(rctx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting avatarlink control API",
			"address", cfg.Server.Address,
			"version", version,
			"default_provider", cfg.Providers.Default,
			"supported_providers", factory.SupportedTypes(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("server failed", "error", runErr)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	log.Info("shutting down avatarlink control API...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := events.Close(); err != nil {
		log.Errorw("error closing event stream", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}

	if err := orchestrator.Close(shutdownCtx); err != nil {
		log.Errorw("error closing session", "error", err)
	}
	resources.CleanupAll(shutdownCtx)

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracing", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("avatarlink control API stopped")
	return runErr
}

func newRouter(cfg *config.Config, log *zap.SugaredLogger, authService services.AuthService) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggingMiddleware(logger.NewContextLogger(log.Desugar())),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)
	if authService == nil {
		log.Warn("control API authentication is disabled")
	}
	return router
}

// relayState forwards manager state changes to Redis. Publishing happens
// off the emitting goroutine so a slow Redis never stalls a provider.
func relayState(bus *eventbus.Bus, relay ports.StatePublisher, log *zap.SugaredLogger) eventbus.Unsubscribe {
	return eventbus.On(bus, providers.TopicStateChanged, func(c providers.StateChange) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), relayPublishWait)
			defer cancel()
			if err := relay.PublishState(ctx, c.Provider, c.State); err != nil {
				log.Warnw("failed to relay provider state", "provider", c.Provider, "error", err)
			}
		}()
	})
}
