package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"dripflow/catalog"
	"dripflow/models"
	"dripflow/store"
	"dripflow/utils"
)

// Executor fires a single due step: it re-validates the instance, renders the
// message, calls the delivery transport and records the outcome. It holds no
// state between calls; every transition goes through the sequence store.
type Executor struct {
	store       *store.SequenceStore
	catalog     *catalog.Catalog
	renderer    utils.ContentRenderer
	transport   utils.DeliveryTransport
	retry       *RetryPolicy
	sendTimeout time.Duration
	logger      *logrus.Logger
}

func NewExecutor(st *store.SequenceStore, cat *catalog.Catalog, renderer utils.ContentRenderer, transport utils.DeliveryTransport, retry *RetryPolicy, sendTimeout time.Duration, logger *logrus.Logger) *Executor {
	return &Executor{
		store:       st,
		catalog:     cat,
		renderer:    renderer,
		transport:   transport,
		retry:       retry,
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

// Execute runs one step to an outcome. The pre-send re-read of the instance is
// the authoritative cancellation check: a cancellation durably recorded before
// this point is always honoured, however close to the fire time it arrived.
func (e *Executor) Execute(ctx context.Context, step models.StepExecution) error {
	instance, err := e.store.GetInstanceByPK(step.SequenceInstanceID)
	if err != nil {
		return fmt.Errorf("failed to load instance for step %d: %w", step.ID, err)
	}

	log := e.logger.WithFields(logrus.Fields{
		"instance_id": instance.InstanceID,
		"subject_id":  instance.SubjectID,
		"campaign":    instance.CampaignKind,
		"step_index":  step.StepIndex,
	})

	if instance.Status != models.InstanceStatusActive {
		log.WithField("status", instance.Status).Info("instance no longer active, skipping step")
		return e.store.SkipStep(step.ID, "instance no longer active")
	}

	msg, err := e.renderer.Render(step.ContentKey, instance.SubjectID, instance.BindingData)
	if err != nil {
		// A render failure will not succeed without a content fix; no retry,
		// and later steps are not blocked. Log the full binding snapshot for
		// diagnosis.
		log.WithError(err).WithField("binding_data", instance.BindingData).Error("render failed")
		sentry.CaptureException(err)
		return e.store.MarkStepFailed(step.ID, "render: "+err.Error(), time.Now())
	}

	attempted, err := e.store.MarkSendAttempted(step.ID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark send attempt: %w", err)
	}
	if !attempted {
		// Another worker owns this step, or it was parked for reconciliation.
		log.Debug("step already claimed, leaving it alone")
		return nil
	}
	step.Attempts++

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()

	deliveryID, sendErr := e.transport.Send(sendCtx, instance.SubjectID, msg, step.DedupKey(instance.InstanceID))
	now := time.Now()

	if sendErr == nil {
		if err := e.store.MarkStepSent(step.ID, deliveryID, now); err != nil {
			return fmt.Errorf("delivered but failed to record outcome for step %d: %w", step.ID, err)
		}
		lateness := now.Sub(step.ScheduledAt)
		log.WithFields(logrus.Fields{
			"delivery_id": deliveryID,
			"attempts":    step.Attempts,
			"lateness":    utils.FormatDuration(lateness),
		}).Info("step sent")
		return nil
	}

	if utils.IsPermanentDelivery(sendErr) {
		return e.handlePermanentFailure(instance, step, sendErr, now, log)
	}

	// Transient failure: retry with backoff, bounded by max attempts. Only
	// this step moves; later steps keep their original fire times.
	if e.retry.Exhausted(step.Attempts) {
		log.WithError(sendErr).WithField("attempts", step.Attempts).Warn("retries exhausted, failing step")
		return e.store.MarkStepFailed(step.ID, fmt.Sprintf("retries exhausted after %d attempts: %v", step.Attempts, sendErr), now)
	}

	delay := e.retry.NextDelay(step.Attempts)
	log.WithError(sendErr).WithFields(logrus.Fields{
		"attempts":    step.Attempts,
		"retry_delay": utils.FormatDuration(delay),
	}).Warn("transient delivery failure, rescheduling step")
	return e.store.RescheduleStep(step.ID, now.Add(delay), sendErr.Error())
}

func (e *Executor) handlePermanentFailure(instance *models.SequenceInstance, step models.StepExecution, sendErr error, now time.Time, log *logrus.Entry) error {
	log.WithError(sendErr).Error("permanent delivery failure")
	sentry.CaptureException(sendErr)

	if err := e.store.MarkStepFailed(step.ID, sendErr.Error(), now); err != nil {
		return err
	}

	if err := e.store.RecordBounce(&models.Bounce{
		SubjectID:    instance.SubjectID,
		CampaignKind: instance.CampaignKind,
		InstanceID:   instance.InstanceID,
		StepIndex:    step.StepIndex,
		Type:         models.BounceTypeHard,
		Reason:       sendErr.Error(),
	}); err != nil {
		log.WithError(err).Error("failed to record bounce")
	}

	def, ok := e.catalog.Definition(instance.CampaignKind)
	if ok && def.CancelOnHardBounce {
		if err := e.store.CancelInstanceByID(instance.ID, "hard bounce", now); err != nil {
			return fmt.Errorf("failed to cancel bounced instance: %w", err)
		}
		log.Info("instance cancelled after hard bounce")
	}
	return nil
}
