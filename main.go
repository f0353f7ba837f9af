package main

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"dripflow/catalog"
	"dripflow/config"
	"dripflow/middleware"
	"dripflow/routes"
	"dripflow/store"
	"dripflow/utils"
	"dripflow/worker"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Fatalf("Failed to initialize sentry: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Load the campaign catalog; read-only after this point
	cat, err := catalog.Load(config.AppConfig.Sequencer.CatalogPath)
	if err != nil {
		logger.Fatalf("Failed to load campaign catalog: %v", err)
	}
	logger.Infof("Campaign catalog v%d loaded: %v", cat.Version, cat.Kinds())

	sequenceStore := store.NewSequenceStore(config.DB)

	renderer, err := utils.NewTemplateRenderer("https://shop.dripflow.io")
	if err != nil {
		logger.Fatalf("Failed to initialize content renderer: %v", err)
	}
	transport := utils.NewSMTPTransport(config.AppConfig.SMTP)

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	// Initialize and start the sequencer workers
	executor := worker.NewExecutor(
		sequenceStore,
		cat,
		renderer,
		transport,
		&worker.RetryPolicy{
			MaxAttempts: config.AppConfig.Sequencer.MaxAttempts,
			BaseDelay:   config.AppConfig.Sequencer.RetryBase,
			MaxDelay:    config.AppConfig.Sequencer.RetryCap,
			Multiplier:  2.0,
			Jitter:      0.1,
		},
		config.AppConfig.Sequencer.SendTimeout,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := worker.NewSchedulerWorker(sequenceStore, executor, logger, config.AppConfig.Sequencer)
	go scheduler.Start(ctx)

	if config.AppConfig.IMAP.Enabled {
		bounceWorker := worker.NewBounceWorker(sequenceStore, cat, config.AppConfig.IMAP, config.AppConfig.Sequencer.BouncePoll, logger)
		go bounceWorker.Start(ctx)
	}

	// Setup routes
	routes.SetupRoutes(app, config.DB, sequenceStore, cat, logger)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":          "running",
			"catalog_version": cat.Version,
		})
	})

	// Start server
	logger.Infof("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
