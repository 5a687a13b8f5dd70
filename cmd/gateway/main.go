package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamgate/internal/core/ports"
	"streamgate/internal/core/services"
	"streamgate/internal/infrastructure/directory"
	"streamgate/internal/infrastructure/distributed"
	"streamgate/internal/infrastructure/middleware"
	"streamgate/internal/infrastructure/monitoring"
	redisrepo "streamgate/internal/infrastructure/repositories/redis"
	"streamgate/internal/infrastructure/rooms"
	signalserver "streamgate/internal/infrastructure/signal"
	"streamgate/pkg/config"
	"streamgate/pkg/logger"
	"streamgate/pkg/tracing"
	"streamgate/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The gateway must not come up half-configured.
		panic(err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	instanceID := utils.GenerateInstanceID()
	log.Infow("starting streamgate", "instance_id", instanceID, "address", cfg.Server.Address)

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "streamgate",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	redisClient, err := redisrepo.NewRedisClient(
		cfg.Redis.Address,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.Redis.PoolSize,
		log,
	)
	if err != nil {
		log.Fatalw("failed to connect to redis", "error", err, "address", cfg.Redis.Address)
	}

	presence := redisrepo.NewRedisPresenceRepository(redisClient)
	bus := distributed.NewRedisEventBus(redisClient, instanceID, log)

	var verifierCfg services.VerifierConfig
	verifierCfg.Algorithm = cfg.Auth.Algorithm
	switch cfg.Auth.Algorithm {
	case "RS256":
		verifierCfg.JWKS = services.NewJWKSClient(cfg.Auth.JWKSURI)
	default:
		verifierCfg.Secret = []byte(cfg.Auth.JWTSecret)
	}
	verifier, err := services.NewTokenVerifier(verifierCfg, log)
	if err != nil {
		log.Fatalw("failed to build token verifier", "error", err)
	}

	streamDir := directory.NewHTTPDirectory(cfg.Directory.BaseURL, cfg.Directory.RequestTimeout, log)
	registry := rooms.NewRegistry(log)

	var sink ports.MetricsSink = monitoring.NewRecordingSink()
	if cfg.Monitoring.PrometheusEnabled {
		sink = monitoring.NewPrometheusSink(prometheus.DefaultRegisterer)
	}

	server := signalserver.NewServer(
		verifier,
		streamDir,
		presence,
		registry,
		bus,
		sink,
		signalserver.Options{
			AllowedOrigins:    cfg.Server.AllowedOrigins,
			PingInterval:      cfg.Signal.PingInterval,
			PongTimeout:       cfg.Signal.PongTimeout,
			ReadTimeout:       cfg.Signal.ReadTimeout,
			WriteTimeout:      cfg.Signal.WriteTimeout,
			MessagesPerSecond: cfg.Limits.MessagesPerSecond,
			Burst:             cfg.Limits.Burst,
			MaxMessageSize:    cfg.Limits.MaxMessageSizeBytes,
		},
		log,
	)

	// The subscription must be confirmed before the listener accepts
	// sessions; an instance outside the fabric would silently miss
	// remote room events.
	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	if err := bus.Subscribe(busCtx, server.ApplyRemote); err != nil {
		log.Fatalw("broadcast bus subscription failed", "error", err)
	}

	health := monitoring.NewHealthChecker(instanceID)
	health.AddCheck("redis", 2*time.Second, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg.Limits.HTTPPerSecond, cfg.Limits.HTTPBurst))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	router.GET(cfg.Signal.Path, gin.WrapF(server.HandleWebSocket))

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// Write timeout stays off the websocket path; upgraded
		// connections manage their own deadlines.
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("signaling gateway listening on %s%s", cfg.Server.Address, cfg.Signal.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	busCancel()
	if err := bus.Close(); err != nil {
		log.Errorw("error closing broadcast bus", "error", err)
	}
	if err := redisrepo.CloseRedisClient(redisClient); err != nil {
		log.Errorw("error closing redis client", "error", err)
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Info("streamgate stopped")
}
