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

	"teleconsult/internal/core/services"
	httphandlers "teleconsult/internal/handlers/http"
	"teleconsult/internal/infrastructure/loadbalancer"
	"teleconsult/internal/infrastructure/middleware"
	"teleconsult/internal/infrastructure/monitoring"
	"teleconsult/internal/infrastructure/repositories"
	signalinfra "teleconsult/internal/infrastructure/signal"
	"teleconsult/pkg/config"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/teleconsult/config.yaml",
	"config.yaml",
}

// loadConfig uses the first config file found, or defaults plus env overrides.
func loadConfig() (*config.Config, string, error) {
	if path := os.Getenv("TELECONSULT_CONFIG"); path != "" {
		configPaths = append([]string{path}, configPaths...)
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	cfg, err := config.Load("")
	return cfg, "", err
}

func relayConfig(cfg *config.Config) signalinfra.ServerConfig {
	relay := signalinfra.DefaultServerConfig()
	relay.PingInterval = cfg.Signal.PingInterval
	relay.PongTimeout = cfg.Signal.PongTimeout
	relay.WriteTimeout = cfg.Signal.WriteTimeout
	relay.SendBuffer = cfg.Signal.SendBuffer
	relay.RateLimitEnabled = cfg.RateLimiting.Enabled
	relay.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
	relay.Burst = cfg.RateLimiting.WebSocket.Burst
	relay.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	return relay
}

func main() {
	startTime := time.Now()
	cfg, path, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if path != "" {
		log.Infow("loaded config", "path", path)
	} else {
		log.Infow("no config file found, using defaults")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	rooms := repoFactory.CreateRoomRepository()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	relay := signalinfra.NewWebSocketServer(rooms, collector, relayConfig(cfg), log)

	health := monitoring.NewHealthChecker()
	health.AddRoomRepositoryCheck(rooms, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	relays := loadbalancer.NewRelayRing(cfg.Relays())
	httphandlers.NewRoomHandler(services.NewRoomService(rooms, log), relays).SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      monitoring.StatusHealthy,
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": relay.ConnectionCount(),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		status := health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	relayMux := http.NewServeMux()
	relayMux.HandleFunc("/ws", relay.HandleWebSocket)
	relayMux.HandleFunc("/health", relay.HealthCheck)
	relayServer := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           relayMux,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		log.Infow("starting server", "server", name, "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}
	go serve("api", apiServer)
	go serve("relay", relayServer)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdown(log, cfg, apiServer, relayServer, relay)

	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repositories", "error", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}
	log.Info("teleconsult signaling server stopped")
}

func shutdown(log *zap.SugaredLogger, cfg *config.Config, apiServer, relayServer *http.Server, relay *signalinfra.WebSocketServer) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	// Stop accepting upgrades before closing the open connections.
	if err := relayServer.Shutdown(ctx); err != nil {
		log.Errorw("relay server shutdown failed", "error", err)
		relayServer.Close()
	}
	if err := relay.Shutdown(ctx); err != nil {
		log.Errorw("closing relay connections failed", "error", err)
	}

	apiCtx, apiCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer apiCancel()
	if err := apiServer.Shutdown(apiCtx); err != nil {
		log.Errorw("api server shutdown failed", "error", err)
		apiServer.Close()
	}
}
