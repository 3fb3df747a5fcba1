package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/splitvox/api/internal/client"
	"github.com/splitvox/api/internal/config"
	"github.com/splitvox/api/internal/db"
	"github.com/splitvox/api/internal/db/repos"
	"github.com/splitvox/api/internal/handler"
	"github.com/splitvox/api/internal/middleware"
	"github.com/splitvox/api/internal/service"
	ws "github.com/splitvox/api/internal/websocket"
	"github.com/splitvox/api/internal/worker"
	"github.com/splitvox/api/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Connect and migrate the database. Jobs and the ledger are durable
	// state; the service does not start without them.
	gormDB, err := db.Connect(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.Migrate(gormDB); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize R2 client (optional - continues if not configured)
	var storage client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		} else {
			storage = r2Client
		}
	} else {
		log.Println("Info: R2 storage not configured, result URLs are passed through")
	}

	separationClient := client.NewSeparationClient(&cfg.Separation, storage)

	// Initialize repositories
	jobRepo := repos.NewJobRepository(gormDB)
	ledgerRepo := repos.NewLedgerRepository(gormDB)
	trialRepo := repos.NewTrialRepository(gormDB)

	// Initialize services
	entitlementService := service.NewEntitlementService(ledgerRepo, trialRepo, cfg.Entitlement.BypassToken)
	jobService := service.NewJobService(
		jobRepo,
		ledgerRepo,
		entitlementService,
		separationClient,
		storage,
		redisClient,
		asynqClient,
		hub,
		cfg.Billing.FailOnDebitError,
		time.Duration(cfg.Jobs.CacheTTLSeconds)*time.Second,
	)
	billingService := service.NewBillingService(
		ledgerRepo,
		redisClient,
		cfg.Billing.WebhookSecret,
		cfg.Billing.VerifyAttempts,
		cfg.Billing.VerifyDelayMs,
	)

	// Initialize handlers
	separationHandler := handler.NewSeparationHandler(jobService, validate)
	billingHandler := handler.NewBillingHandler(billingService)

	// Initialize middleware
	var identityMiddleware fiber.Handler
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Println("Info: Gateway mode enabled — using header-based auth")
		identityMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		identityMiddleware = authMiddleware.Optional()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024, // 10MB
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.CORSOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Payment-Signature",
		AllowCredentials: cfg.Server.CORSOrigins != "*",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"separation": separationClient.IsConfigured(),
				"r2":         storage != nil,
				"redis":      redisClient.Ping(c.Context()).Err() == nil,
				"billing":    cfg.Billing.WebhookSecret != "",
			},
		})
	})

	// Payment webhook (processor-to-server, no user identity)
	app.Post("/webhooks/payment", billingHandler.Webhook)

	// API routes
	api := app.Group("/api", identityMiddleware)

	separation := api.Group("/separation")
	separation.Post("/submit", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), separationHandler.Submit)
	separation.Get("/status/:processId", rateLimiter.StatusLimit(cfg.RateLimit.StatusPerMin), separationHandler.Status)

	credits := api.Group("/credits")
	if !cfg.Gateway.Enabled {
		credits = app.Group("/api/credits", authMiddleware.Required())
	}
	credits.Get("/balance", billingHandler.Balance)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:processId", websocket.New(func(c *websocket.Conn) {
		processID := c.Params("processId")
		hub.HandleConnection(c, processID)
	}))

	// Start Asynq worker server and the periodic reaper
	go startWorkerServer(cfg, jobRepo, separationClient, storage)
	go startScheduler(cfg)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, jobRepo *repos.JobRepository, separator client.StemSeparator, storage client.StorageClient) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 5,
			Queues: map[string]int{
				worker.QueueMaintenance: 1,
			},
			LogLevel: asynqLogLevel,
		},
	)

	retention := time.Duration(cfg.Jobs.RetentionHours) * time.Hour
	maintenanceWorker := worker.NewMaintenanceWorker(jobRepo, separator, storage, retention)

	mux := asynq.NewServeMux()
	mux.HandleFunc(worker.TaskTypeRemoteCleanup, maintenanceWorker.HandleRemoteCleanup)
	mux.HandleFunc(worker.TaskTypeJobReap, maintenanceWorker.HandleJobReap)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func startScheduler(cfg *config.Config) {
	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		nil,
	)

	if _, err := scheduler.Register(
		"@every 1h",
		worker.NewJobReapTask(),
		asynq.Queue(worker.QueueMaintenance),
	); err != nil {
		log.Printf("Failed to register reap task: %v", err)
		return
	}

	if err := scheduler.Run(); err != nil {
		log.Printf("Asynq scheduler error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	if code == fiber.StatusInternalServerError {
		log.Printf("Unhandled error: %v", err)
		return response.ServiceError(c, "Internal server error")
	}

	return response.Error(c, code, "HTTP_ERROR", err.Error(), nil)
}
