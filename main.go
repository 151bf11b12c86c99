package main

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"

	"github.com/hammerline/auction-backend/config"
	"github.com/hammerline/auction-backend/database"
	"github.com/hammerline/auction-backend/events"
	"github.com/hammerline/auction-backend/handlers"
	"github.com/hammerline/auction-backend/jobs"
	"github.com/hammerline/auction-backend/payments"
	"github.com/hammerline/auction-backend/services"
)

func main() {
	// Load config
	cfg := config.LoadConfig()

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	// Connect to database
	if err := database.Connect(cfg.DatabaseURL); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := database.Migrate("database/schema.sql"); err != nil {
		log.Printf("Migration warning: %v", err)
	}

	// Ledger and external collaborators
	ledger := database.NewPostgresLedger(database.DB)
	processor := payments.NewClient(cfg.PaymentAPIBaseURL, cfg.PaymentAPIKey)

	publisher, err := events.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		log.Fatalf("Failed to connect to event broker: %v", err)
	}
	defer publisher.Close()

	// Increment schedule from config
	increments, err := services.ParseIncrementSchedule(cfg.IncrementTiers)
	if err != nil {
		log.Fatalf("Invalid increment schedule: %v", err)
	}

	// Services
	verificationService := services.NewVerificationService(ledger, processor, cfg.VerificationTTL)
	bidService := services.NewBidService(ledger, verificationService, increments, services.BidServiceConfig{
		LockWaitTimeout:   cfg.LockWaitTimeout,
		AntiSnipeWindow:   cfg.AntiSnipeWindow,
		ExtensionWindow:   cfg.ExtensionWindow,
		MaxTotalExtension: cfg.MaxTotalExtension,
	})
	settlementService := services.NewSettlementService(ledger, processor, publisher,
		cfg.BuyerPremiumRate, cfg.CommissionRate, cfg.LockWaitTimeout, cfg.MaxSettlementAttempts)
	lotService := services.NewLotService(ledger, settlementService, publisher,
		bidService.AdmissionLock(), cfg.LockWaitTimeout)
	historyService := services.NewHistoryService(ledger)

	// Handlers
	lotHandler := handlers.NewLotHandler(lotService, historyService)
	bidHandler := handlers.NewBidHandler(bidService)
	verificationHandler := handlers.NewVerificationHandler(verificationService)
	webhookHandler := handlers.NewWebhookHandler(settlementService, cfg.WebhookSecret)
	adminHandler := handlers.NewAdminHandler(lotService, settlementService, bidService, cfg.AdminToken)

	// Background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	sweepJob := jobs.NewLifecycleSweepJob(lotService, cfg.LifecycleSweepInterval)
	sweepJob.Start(jobCtx)

	retryJob := jobs.NewSettlementRetryJob(settlementService, cfg.SettlementRetryInterval)
	retryJob.Start(jobCtx)

	// Setup Fiber
	app := fiber.New()

	// Middleware
	app.Use(logger.New())
	app.Use(cors.New())

	// Health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		if err := database.HealthCheck(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		})
	})

	// Routes
	api := app.Group("/api/v1")

	// Lot routes
	api.Post("/lots", lotHandler.CreateLot)
	api.Get("/lots/:id", lotHandler.GetLot)
	api.Get("/lots/:id/history", lotHandler.GetHistory)
	api.Post("/lots/:id/bids", bidHandler.SubmitBid)

	// Verification routes
	api.Post("/verification", verificationHandler.Verify)
	api.Delete("/verification", verificationHandler.Invalidate)

	// Payment processor webhook
	app.Post("/webhooks/payment", webhookHandler.HandlePayment)

	// Admin routes
	admin := api.Group("/admin", adminHandler.RequireAdmin)
	admin.Post("/lots/:id/cancel", adminHandler.CancelLot)
	admin.Post("/lots/:id/settlement/retry", adminHandler.RetrySettlement)
	admin.Get("/metrics", adminHandler.Metrics)

	// Start server
	log.Printf("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
