package controller

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/store"
	"dripflow/utils"
)

// CancelController is the cancellation gateway: disqualifying business events
// ("order placed", "review submitted") land here and stop matching pending
// instances before their next step fires.
type CancelController struct {
	DB     *gorm.DB
	Store  *store.SequenceStore
	Logger *logrus.Logger
}

func NewCancelController(db *gorm.DB, st *store.SequenceStore, logger *logrus.Logger) *CancelController {
	return &CancelController{
		DB:     db,
		Store:  st,
		Logger: logger,
	}
}

type CancelRequest struct {
	SubjectID    string `json:"subject_id" validate:"required,email"`
	CampaignKind string `json:"campaign_kind" validate:"required"`
	Reason       string `json:"reason" validate:"required"`
}

// Cancel handles POST /api/v1/cancellations. Safe to call concurrently with
// the executor: the executor re-reads the instance immediately before every
// send, so a cancellation recorded here is honoured even microseconds before
// a scheduled fire.
func (cc *CancelController) Cancel(c *fiber.Ctx) error {
	var req CancelRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	cancelled, err := cc.Store.CancelInstance(req.SubjectID, req.CampaignKind, req.Reason, time.Now())
	if errors.Is(err, store.ErrNoActiveInstance) {
		return c.JSON(fiber.Map{
			"cancelled_instance_id": nil,
		})
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to cancel instance", err)
	}

	cc.Logger.WithFields(logrus.Fields{
		"instance_id": cancelled.InstanceID,
		"subject_id":  cancelled.SubjectID,
		"campaign":    cancelled.CampaignKind,
		"reason":      req.Reason,
	}).Info("instance cancelled")

	return c.JSON(fiber.Map{
		"cancelled_instance_id": cancelled.InstanceID,
	})
}

type UnsubscribeRequest struct {
	SubjectID    string `json:"subject_id" validate:"required,email"`
	CampaignKind string `json:"campaign_kind"`
	Reason       string `json:"reason"`
}

// Unsubscribe handles POST /api/v1/unsubscribes. An empty campaign kind
// suppresses every campaign for the subject. Future triggers for a suppressed
// pair are refused at ingestion.
func (cc *CancelController) Unsubscribe(c *fiber.Ctx) error {
	var req UnsubscribeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	cancelled, err := cc.Store.RecordUnsubscribe(req.SubjectID, req.CampaignKind, req.Reason, time.Now())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record unsubscribe", err)
	}

	cc.Logger.WithFields(logrus.Fields{
		"subject_id": req.SubjectID,
		"campaign":   req.CampaignKind,
		"cancelled":  len(cancelled),
	}).Info("subject unsubscribed")

	return c.JSON(fiber.Map{
		"cancelled_instance_ids": cancelled,
	})
}
