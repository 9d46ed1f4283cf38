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

	"peercall/internal/core/ports"
	"peercall/internal/core/services"
	httphandlers "peercall/internal/handlers/http"
	"peercall/internal/infrastructure/distributed"
	"peercall/internal/infrastructure/middleware"
	"peercall/internal/infrastructure/monitoring"
	repositories "peercall/internal/infrastructure/repositories"
	signalrelay "peercall/internal/infrastructure/signal"
	"peercall/pkg/config"
	"peercall/pkg/logger"
	"peercall/pkg/tracing"
	"peercall/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var defaultConfigPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/peercall/config.yaml",
	"config.yaml",
}

func loadConfig(explicit string) (*config.Config, string, error) {
	if explicit != "" {
		cfg, err := config.Load(explicit)
		return cfg, explicit, err
	}
	for _, path := range defaultConfigPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	cfg, err := config.Load("")
	return cfg, "defaults", err
}

func main() {
	startTime := time.Now()

	configPath := flag.StringP("config", "c", "", "path to config.yaml")
	envFile := flag.String("env-file", ".env", "dotenv file applied before config overrides")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	cfg, source, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	log.Infow("configuration loaded", "source", source)

	if cfg.Server.InstanceID == "" {
		cfg.Server.InstanceID = uuid.NewString()
	}

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	directory := repoFactory.CreatePresenceDirectory(ctx, cfg.Server.InstanceID)

	var bus ports.Bus
	var eventBus *distributed.EventBus
	if client := repoFactory.Client(); client != nil {
		eventBus = distributed.NewEventBus(client, log)
		bus = eventBus
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	turnService := services.NewTurnCredentialService(cfg.Turn.SharedSecret, cfg.Turn.URIs, cfg.Turn.TTL, collector, log)
	if !turnService.Enabled() {
		log.Warn("TURN shared secret not configured, clients will use reflection servers only")
	}

	relayCfg := signalrelay.DefaultRelayConfig()
	relayCfg.InstanceID = cfg.Server.InstanceID
	relayCfg.PingInterval = cfg.Signal.PingInterval
	relayCfg.PongTimeout = cfg.Signal.PongTimeout
	relayCfg.WriteTimeout = cfg.Signal.WriteTimeout
	relayCfg.SendBuffer = cfg.Signal.SendBuffer
	relayCfg.AllowedOrigins = cfg.Auth.AllowedOrigins
	if cfg.RateLimiting.WebSocket.MaxMessageSizeBytes > 0 {
		relayCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	if cfg.RateLimiting.Enabled {
		relayCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		relayCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}

	wsServer := signalrelay.NewWebSocketServer(relayCfg, authService, directory, bus, collector, log)
	wsServer.Start(ctx)

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddDirectoryCheck(directory, 15*time.Second, 2*time.Second)
	if client := repoFactory.Client(); client != nil {
		healthChecker.AddRedisCheck(client, 15*time.Second, 2*time.Second)
	}
	healthChecker.StartBackgroundChecks(ctx)

	readiness := monitoring.NewHealthChecker()
	readiness.AddReadinessCheck(repoFactory.Client(), directory, 15*time.Second, 2*time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	// the websocket authenticates itself so it can accept the query token
	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	httphandlers.NewAuthHandler(
		authService,
		int(cfg.Auth.AccessTokenTTL/time.Second),
		cfg.Auth.IssueTokens,
		log,
	).SetupRoutes(router)

	protected := router.Group("/")
	protected.Use(middleware.AuthMiddleware(authService))
	httphandlers.NewCredentialsHandler(turnService, authService).SetupRoutes(protected)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      utils.FormatElapsed(time.Since(startTime)),
			"instance_id": cfg.Server.InstanceID,
			"connections": wsServer.ConnectionCount(),
			"checks":      healthChecker.LastResults(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := readiness.CheckAll(c.Request.Context())
		code := http.StatusOK
		if !status.Healthy() {
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
		log.Infow("starting peercall relay",
			"address", cfg.Server.Address,
			"instance_id", cfg.Server.InstanceID,
			"distributed", bus != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down peercall relay")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("signaling channels still open at shutdown", "count", wsServer.ConnectionCount(), "error", err)
	}

	cancel()
	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Errorw("error closing event bus", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}

	log.Info("peercall relay stopped")
}
