package controller

import (
	"errors"
	"time"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/catalog"
	"dripflow/models"
	"dripflow/store"
	"dripflow/utils"
)

// TriggerController is the trigger ingestor: a business event (newsletter
// signup, cart abandonment, order delivery, course enrollment) arrives here
// and creates or supersedes a sequence instance.
type TriggerController struct {
	DB      *gorm.DB
	Store   *store.SequenceStore
	Catalog *catalog.Catalog
	Logger  *logrus.Logger
}

func NewTriggerController(db *gorm.DB, st *store.SequenceStore, cat *catalog.Catalog, logger *logrus.Logger) *TriggerController {
	return &TriggerController{
		DB:      db,
		Store:   st,
		Catalog: cat,
		Logger:  logger,
	}
}

type TriggerRequest struct {
	SubjectID    string             `json:"subject_id" validate:"required,email"`
	CampaignKind string             `json:"campaign_kind" validate:"required"`
	BindingData  models.BindingData `json:"binding_data"`
}

// Trigger handles POST /api/v1/triggers.
func (tc *TriggerController) Trigger(c *fiber.Ctx) error {
	var req TriggerRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if err := checkmail.ValidateFormat(req.SubjectID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid subject address", err)
	}

	def, ok := tc.Catalog.Definition(req.CampaignKind)
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Unknown campaign kind", nil)
	}

	suppressed, err := tc.Store.IsUnsubscribed(req.SubjectID, req.CampaignKind)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check suppression", err)
	}
	if suppressed {
		tc.Logger.WithFields(logrus.Fields{
			"subject_id": req.SubjectID,
			"campaign":   req.CampaignKind,
		}).Info("trigger suppressed: subject unsubscribed")
		return c.JSON(fiber.Map{
			"instance_id": nil,
			"created":     false,
			"suppressed":  true,
		})
	}

	now := time.Now()

	if def.TriggerPolicy == catalog.PolicyReplace {
		instance, superseded, err := tc.Store.ReplaceSequence(def, tc.Catalog.Version, req.SubjectID, req.BindingData, now)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start sequence", err)
		}
		tc.Logger.WithFields(logrus.Fields{
			"instance_id": instance.InstanceID,
			"subject_id":  instance.SubjectID,
			"campaign":    instance.CampaignKind,
			"superseded":  superseded,
		}).Info("sequence started")
		resp := fiber.Map{
			"instance_id": instance.InstanceID,
			"created":     true,
		}
		if superseded != "" {
			resp["superseded_instance_id"] = superseded
		}
		return c.Status(fiber.StatusCreated).JSON(resp)
	}

	// Idempotent-create: a duplicate trigger while one is active is a no-op
	// and returns the existing id.
	if existing, err := tc.Store.FindActive(req.SubjectID, req.CampaignKind); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to look up active instance", err)
	} else if existing != nil {
		return c.JSON(fiber.Map{
			"instance_id": existing.InstanceID,
			"created":     false,
		})
	}

	instance, err := tc.Store.StartSequence(def, tc.Catalog.Version, req.SubjectID, req.BindingData, now)
	if errors.Is(err, store.ErrDuplicateTrigger) {
		// Lost a race with a concurrent identical trigger; return the winner.
		existing, findErr := tc.Store.FindActive(req.SubjectID, req.CampaignKind)
		if findErr != nil || existing == nil {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Duplicate trigger", err)
		}
		return c.JSON(fiber.Map{
			"instance_id": existing.InstanceID,
			"created":     false,
		})
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start sequence", err)
	}

	tc.Logger.WithFields(logrus.Fields{
		"instance_id": instance.InstanceID,
		"subject_id":  instance.SubjectID,
		"campaign":    instance.CampaignKind,
		"steps":       len(instance.Steps),
	}).Info("sequence started")

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"instance_id": instance.InstanceID,
		"created":     true,
	})
}
