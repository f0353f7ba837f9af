package controller

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/catalog"
	"dripflow/store"
	"dripflow/utils"
)

// InstanceController serves the operator read surface: instance state, audit
// listings and the ambiguous-outcome reconciliation queue.
type InstanceController struct {
	DB      *gorm.DB
	Store   *store.SequenceStore
	Catalog *catalog.Catalog
	Logger  *logrus.Logger
}

func NewInstanceController(db *gorm.DB, st *store.SequenceStore, cat *catalog.Catalog, logger *logrus.Logger) *InstanceController {
	return &InstanceController{
		DB:      db,
		Store:   st,
		Catalog: cat,
		Logger:  logger,
	}
}

// GetInstance handles GET /api/v1/instances/:id.
func (ic *InstanceController) GetInstance(c *fiber.Ctx) error {
	instance, err := ic.Store.GetInstance(c.Params("id"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Instance not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load instance", err)
	}
	return c.JSON(utils.SuccessResponse(instance))
}

// ListForSubject handles GET /api/v1/subjects/:subject/instances.
func (ic *InstanceController) ListForSubject(c *fiber.Ctx) error {
	subject := c.Params("subject")
	instances, err := ic.Store.ListInstances(subject)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list instances", err)
	}
	return c.JSON(utils.SuccessResponse(instances))
}

// ListCampaigns handles GET /api/v1/campaigns: the catalog as the operators
// see it.
func (ic *InstanceController) ListCampaigns(c *fiber.Ctx) error {
	kinds := ic.Catalog.Kinds()
	campaigns := make([]fiber.Map, 0, len(kinds))
	for _, kind := range kinds {
		def, _ := ic.Catalog.Definition(kind)
		steps := make([]fiber.Map, 0, len(def.Steps))
		for _, step := range def.Steps {
			steps = append(steps, fiber.Map{
				"step_index":  step.StepIndex,
				"offset":      utils.FormatDuration(step.Offset),
				"content_key": step.ContentKey,
				"cancel_if":   step.CancelIf,
			})
		}
		campaigns = append(campaigns, fiber.Map{
			"kind":           kind,
			"trigger_policy": def.TriggerPolicy,
			"steps":          steps,
		})
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"catalog_version": ic.Catalog.Version,
		"campaigns":       campaigns,
	}))
}

// ListReconciliation handles GET /api/v1/reconciliation.
func (ic *InstanceController) ListReconciliation(c *fiber.Ctx) error {
	items, err := ic.Store.OpenReconciliations()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list reconciliation queue", err)
	}
	return c.JSON(utils.SuccessResponse(items))
}

type ResolveRequest struct {
	Requeue bool `json:"requeue"`
}

// ResolveReconciliation handles POST /api/v1/reconciliation/:id/resolve.
// Requeue resends (accepting a possible duplicate); discard terminally fails
// the step.
func (ic *InstanceController) ResolveReconciliation(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid reconciliation id", err)
	}

	var req ResolveRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	if err := ic.Store.ResolveReconciliation(uint(id), req.Requeue, time.Now()); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resolve reconciliation item", err)
	}

	ic.Logger.WithFields(logrus.Fields{
		"item_id": id,
		"requeue": req.Requeue,
	}).Info("reconciliation item resolved")

	return c.JSON(fiber.Map{
		"resolved": true,
	})
}
