package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/san-kum/crash-telemetry/server/cache"
	"github.com/san-kum/crash-telemetry/server/chain"
	"github.com/san-kum/crash-telemetry/server/config"
	"github.com/san-kum/crash-telemetry/server/handlers"
	"github.com/san-kum/crash-telemetry/server/middleware"
	"github.com/san-kum/crash-telemetry/server/models"
	"github.com/san-kum/crash-telemetry/server/processor"
	"github.com/san-kum/crash-telemetry/server/session"
	"github.com/san-kum/crash-telemetry/server/settings"
)

type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	processor   *processor.TelemetryProcessor
	rateLimiter *middleware.RateLimiter
	config      *config.Config
}

func main() {
	cfg := config.LoadConfig()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	if err := server.Run(ctx); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	return zcfg.Build()
}

func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	cacheInstance := newCache(ctx, cfg, logger)

	hasher, err := chain.HasherByName(cfg.Simulation.Digest)
	if err != nil {
		cacheInstance.Close()
		return nil, fmt.Errorf("failed to select chain digest: %w", err)
	}
	builder := chain.NewBuilder(hasher, nil)

	seed := cfg.Simulation.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	sess := session.New(session.Config{
		HistoryLength:       cfg.Simulation.HistoryLength,
		AccidentProbability: cfg.Simulation.AccidentProbability,
		RescueDelay:         cfg.Simulation.RescueDelay,
		RearmDelay:          cfg.Simulation.RearmDelay,
	}, rng, builder, logger.Named("session"))

	store := settings.NewStore(ctx, cacheInstance, models.Settings{
		CameraURL: cfg.Settings.CameraURL,
		SensorURL: cfg.Settings.SensorURL,
	}, logger.Named("settings"))

	telemetryProcessor := processor.NewTelemetryProcessor(processor.Config{
		TickInterval:    cfg.Simulation.TickInterval,
		LiveDialTimeout: cfg.Live.DialTimeout,
		LiveReadLimit:   cfg.Live.ReadLimit,
	}, sess, store, cacheInstance, logger.Named("processor"))

	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)

	auth := middleware.NewOperatorAuth(cfg.Security.OperatorSecret, logger)

	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))
	router.Use(middleware.InputValidation())

	wsHandler := handlers.NewWebSocketHandler(telemetryProcessor, cfg.Security.AllowedOrigins, logger)
	telemetryHandler := handlers.NewTelemetryHandler(telemetryProcessor, logger)

	setupRoutes(router, wsHandler, telemetryHandler, auth, rateLimiter)

	logger.Info("Server initialised",
		zap.String("digest", hasher.Name()),
		zap.Uint64("seed", seed),
		zap.Duration("tick_interval", cfg.Simulation.TickInterval))

	return &Server{
		router:      router,
		logger:      logger,
		processor:   telemetryProcessor,
		rateLimiter: rateLimiter,
		config:      cfg,
	}, nil
}

// newCache prefers Redis when a host is configured and falls back to
// process memory when it cannot be reached.
func newCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) cache.Cache {
	if cfg.Redis.Host != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		redisCache, err := cache.NewRedisCache(pingCtx, cache.RedisOptions{
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger.Named("cache"))
		if err == nil {
			return redisCache
		}
		logger.Warn("Failed to connect to Redis, using memory cache", zap.Error(err))
	}
	return cache.NewMemoryCache(128, 0, logger.Named("cache"))
}

// Run serves HTTP and drives the processor until ctx is cancelled, then
// shuts both down.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", s.config.Server.Environment))

		var err error
		if s.config.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(s.config.Security.CertFile, s.config.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.processor.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := s.processor.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("processor shutdown: %w", err))
		}
		s.rateLimiter.Shutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func setupRoutes(router *gin.Engine, wsHandler *handlers.WebSocketHandler, telemetryHandler *handlers.TelemetryHandler, auth *middleware.OperatorAuth, rateLimiter *middleware.RateLimiter) {
	router.GET("/health", middleware.HealthCheck())

	// Dashboard stream
	router.GET("/ws", rateLimiter.RateLimitWithConfig("ws", 1, 5), wsHandler.HandleWebSocket)

	api := router.Group("/api/v1")
	{
		api.GET("/health", middleware.HealthCheck())

		limited := api.Group("/")
		limited.Use(rateLimiter.RateLimit())
		{
			limited.GET("/state", telemetryHandler.GetState)
			limited.GET("/history", telemetryHandler.GetHistory)
			limited.GET("/log", telemetryHandler.GetLog)
			limited.GET("/log/verify", telemetryHandler.VerifyLog)

			limited.PUT("/mode", telemetryHandler.SetMode)
			limited.POST("/simulation/start", telemetryHandler.StartSimulation)
			limited.POST("/simulation/stop", telemetryHandler.StopSimulation)
			limited.POST("/accident", telemetryHandler.TriggerAccident)
			limited.POST("/reset", telemetryHandler.Reset)

			limited.POST("/live/connect", telemetryHandler.ConnectLive)
			limited.POST("/live/disconnect", telemetryHandler.DisconnectLive)
			limited.GET("/live/status", telemetryHandler.LiveStatus)

			limited.GET("/settings", telemetryHandler.GetSettings)
			limited.PUT("/settings", telemetryHandler.UpdateSettings)
			limited.DELETE("/settings", telemetryHandler.ClearSettings)
		}

		// Live readings arrive at sensor rate, so they get their own bucket.
		api.POST("/readings", rateLimiter.RateLimitWithConfig("readings", 20, 40), telemetryHandler.IngestReading)

		admin := api.Group("/admin")
		admin.Use(auth.RequireOperator())
		{
			admin.GET("/stats", telemetryHandler.GetStats)
		}
	}
}
