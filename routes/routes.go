package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/catalog"
	controller "dripflow/controllers"
	"dripflow/middleware"
	"dripflow/store"
)

// SetupRoutes wires the trigger, cancellation and operator endpoints.
func SetupRoutes(app *fiber.App, db *gorm.DB, st *store.SequenceStore, cat *catalog.Catalog, log *logrus.Logger) {
	triggerController := controller.NewTriggerController(db, st, cat, log)
	cancelController := controller.NewCancelController(db, st, log)
	instanceController := controller.NewInstanceController(db, st, cat, log)

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}), middleware.Protected())

	// Event ingestion
	api.Post("/triggers", middleware.TriggerRateLimiter(), triggerController.Trigger)
	api.Post("/cancellations", cancelController.Cancel)
	api.Post("/unsubscribes", cancelController.Unsubscribe)

	// Operator surface
	api.Get("/campaigns", instanceController.ListCampaigns)
	api.Get("/instances/:id", instanceController.GetInstance)
	api.Get("/subjects/:subject/instances", instanceController.ListForSubject)
	api.Get("/reconciliation", instanceController.ListReconciliation)
	api.Post("/reconciliation/:id/resolve", instanceController.ResolveReconciliation)

	log.Println("Sequencer routes initialized successfully")
}
