package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"duet/internal/config"
	"duet/internal/handlers"
	"duet/internal/middleware"
	"duet/internal/routes"
	"duet/internal/services"
	"duet/internal/stats"
	"duet/internal/utils"
	"duet/internal/websocket"
	"duet/pkg/database"
	"duet/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// Initialize logger
	logger.Init()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resumeSecret := cfg.Security.ResumeSecret
	if resumeSecret == "" {
		resumeSecret, err = utils.GenerateSecureToken(32)
		if err != nil {
			logger.Fatalf("Failed to generate resume secret: %v", err)
		}
		logger.Warnf("RESUME_SECRET not set; resume tokens will not survive a restart")
	}
	tokens := utils.NewResumeTokens(resumeSecret, cfg.Security.ResumeGrace)

	// Initialize WebSocket hub
	hub := websocket.NewHub(
		services.NewMatchingService(),
		services.NewRoomService(cfg.Chat.MaxRoomMembers),
		tokens,
		cfg.Chat.RoomIdleExpiry,
	)
	go hub.Run(ctx)

	// Statistics
	recorder, history, checks, cleanup := setupStats(ctx, cfg)
	defer cleanup()
	if _, nop := recorder.(stats.NopRecorder); !nop {
		go stats.NewReporter(hub.Snapshot, recorder, cfg.Stats.Interval).Run(ctx)
	}

	limiter := middleware.NewRateLimiter(cfg.Security.RateLimit.Requests, cfg.Security.RateLimit.Burst)
	go limiter.Run(ctx.Done())

	// Initialize Gin router
	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	routes.SetupRoutes(router, routes.Dependencies{
		Config:      cfg,
		Hub:         hub,
		Tokens:      tokens,
		RateLimiter: limiter,
		Checks:      checks,
		History:     history,
	})

	server := &http.Server{
		Addr:         cfg.Server.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.HTTP.ReadTimeout,
		WriteTimeout: cfg.Server.HTTP.WriteTimeout,
		IdleTimeout:  cfg.Server.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("Server starting on " + server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}
	<-hub.Done()
}

// setupStats connects the configured statistics backend. Connection failures
// are logged and the relay runs without persistence.
func setupStats(ctx context.Context, cfg *config.Config) (stats.Recorder, handlers.StatsHistory, map[string]handlers.HealthChecker, func()) {
	checks := map[string]handlers.HealthChecker{}
	noop := func() {}

	switch cfg.Stats.Backend {
	case "mongo":
		mongo, err := database.ConnectMongoDB(ctx, cfg.Database.MongoDB)
		if err != nil {
			logger.WithError(err).Error("Statistics disabled")
			return stats.NopRecorder{}, nil, checks, noop
		}
		recorder, err := stats.NewMongoRecorder(ctx, mongo.Database(), cfg.Stats.TTL)
		if err != nil {
			logger.WithError(err).Error("Statistics disabled")
			_ = mongo.Disconnect(context.Background())
			return stats.NopRecorder{}, nil, checks, noop
		}
		checks["mongodb"] = mongo
		return recorder, recorder, checks, func() { _ = mongo.Disconnect(context.Background()) }

	case "redis":
		rdb, err := database.ConnectRedis(ctx, cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Error("Statistics disabled")
			return stats.NopRecorder{}, nil, checks, noop
		}
		recorder := stats.NewRedisRecorder(rdb.Client, cfg.Stats.TTL)
		checks["redis"] = rdb
		return recorder, recorder, checks, func() { _ = recorder.Close(context.Background()) }
	}

	return stats.NopRecorder{}, nil, checks, noop
}
