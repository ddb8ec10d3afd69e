package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/avalos-dev/gradebatch-api/internal/config"
	"github.com/avalos-dev/gradebatch-api/internal/database"
	"github.com/avalos-dev/gradebatch-api/internal/grading"
	"github.com/avalos-dev/gradebatch-api/internal/handler"
	"github.com/avalos-dev/gradebatch-api/internal/middleware"
	"github.com/avalos-dev/gradebatch-api/internal/models"
	"github.com/avalos-dev/gradebatch-api/internal/repository"
	"github.com/avalos-dev/gradebatch-api/internal/router"
	"github.com/avalos-dev/gradebatch-api/internal/service"
	"github.com/avalos-dev/gradebatch-api/pkg/ai"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	var sink grading.ResultSink
	var store repository.GradeResultRepository
	if cfg.DatabaseURL != "" {
		db, err := database.ConnectPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		if err := db.AutoMigrate(&models.BatchRecord{}, &models.GradeRecord{}); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
		store = repository.NewGradeResultRepository(db)
		sink = store
	} else {
		// Without a database, results live only in memory and in the cache.
		logger.Warn().Msg("no database configured, grade results will not be persisted")
		sink = grading.NewMemorySink()
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, progress cache disabled")
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	natsConn, err := database.ConnectNATS(cfg.NATSURL)
	if err != nil {
		logger.Warn().Err(err).Msg("nats unavailable, completion events disabled")
		natsConn = nil
	} else {
		defer natsConn.Close()
	}

	completer, err := buildCompleter(cfg, logger)
	if err != nil {
		log.Fatalf("failed to create AI completer: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	orchestrator := grading.NewOrchestrator(grading.NewProviderClient(completer), sink, logger)
	batchService := service.NewBatchService(orchestrator, cfg.GradingOptions(), store, redisClient, cfg.ProgressCacheTTL, natsConn, validate, logger)
	batchHandler := handler.NewBatchHandler(batchService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		BatchHandler:  batchHandler,
		JWTMiddleware: middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func buildCompleter(cfg config.Config, logger zerolog.Logger) (ai.Completer, error) {
	switch cfg.AIProvider {
	case "anthropic":
		return ai.NewAnthropicCompleter(ai.AnthropicConfig{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AnthropicModel,
		})
	default:
		return ai.NewOpenAICompleter(ai.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
			Logger: logger,
		})
	}
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
