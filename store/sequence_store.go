package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"dripflow/catalog"
	"dripflow/models"
)

var (
	// ErrDuplicateTrigger is returned when a trigger arrives for a pair that
	// already has an active instance and the campaign is idempotent-create.
	ErrDuplicateTrigger = errors.New("active instance already exists for subject and campaign")

	// ErrNoActiveInstance is returned by cancellation when nothing is running.
	ErrNoActiveInstance = errors.New("no active instance for subject and campaign")

	// ErrStepNotPending is returned when a transition targets a step that has
	// already reached a terminal state.
	ErrStepNotPending = errors.New("step is not pending")
)

// SequenceStore is the single source of truth for sequence state. Every
// mutation of an instance or its steps goes through here; the scheduler and
// executor hold no business state of their own.
type SequenceStore struct {
	db *gorm.DB
}

func NewSequenceStore(db *gorm.DB) *SequenceStore {
	return &SequenceStore{db: db}
}

// StartSequence creates a new instance with every step persisted as pending in
// the same transaction, so partial creation is never observable. Fire times
// are computed here, at creation: triggerTime + offset, each relative to the
// trigger rather than to the previous step.
func (s *SequenceStore) StartSequence(def catalog.CampaignDefinition, catalogVersion int, subjectID string, binding models.BindingData, triggerTime time.Time) (*models.SequenceInstance, error) {
	instance := &models.SequenceInstance{
		InstanceID:     uuid.New().String(),
		SubjectID:      subjectID,
		CampaignKind:   def.Kind,
		CatalogVersion: catalogVersion,
		TriggerTime:    triggerTime,
		BindingData:    binding,
		Status:         models.InstanceStatusActive,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.SequenceInstance{}).
			Where("subject_id = ? AND campaign_kind = ? AND status = ?",
				subjectID, def.Kind, models.InstanceStatusActive).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateTrigger
		}

		for _, step := range def.Steps {
			instance.Steps = append(instance.Steps, models.StepExecution{
				StepIndex:   step.StepIndex,
				ContentKey:  step.ContentKey,
				ScheduledAt: triggerTime.Add(step.Offset),
				State:       models.StepStatePending,
			})
		}

		return tx.Create(instance).Error
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// ReplaceSequence cancels any active instance for the pair and starts a fresh
// one timed from the new trigger, atomically. Used by replace-policy campaigns
// (a new cart-abandonment event restarts the timer).
func (s *SequenceStore) ReplaceSequence(def catalog.CampaignDefinition, catalogVersion int, subjectID string, binding models.BindingData, triggerTime time.Time) (*models.SequenceInstance, string, error) {
	var superseded string

	instance := &models.SequenceInstance{
		InstanceID:     uuid.New().String(),
		SubjectID:      subjectID,
		CampaignKind:   def.Kind,
		CatalogVersion: catalogVersion,
		TriggerTime:    triggerTime,
		BindingData:    binding,
		Status:         models.InstanceStatusActive,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.SequenceInstance
		err := tx.Where("subject_id = ? AND campaign_kind = ? AND status = ?",
			subjectID, def.Kind, models.InstanceStatusActive).
			First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil {
			if err := cancelInstanceTx(tx, &existing, "superseded by new trigger", triggerTime); err != nil {
				return err
			}
			superseded = existing.InstanceID
		}

		for _, step := range def.Steps {
			instance.Steps = append(instance.Steps, models.StepExecution{
				StepIndex:   step.StepIndex,
				ContentKey:  step.ContentKey,
				ScheduledAt: triggerTime.Add(step.Offset),
				State:       models.StepStatePending,
			})
		}

		return tx.Create(instance).Error
	})
	if err != nil {
		return nil, "", err
	}
	return instance, superseded, nil
}

// FindActive returns the active instance for a pair, or nil when none exists.
func (s *SequenceStore) FindActive(subjectID, campaignKind string) (*models.SequenceInstance, error) {
	var instance models.SequenceInstance
	err := s.db.Where("subject_id = ? AND campaign_kind = ? AND status = ?",
		subjectID, campaignKind, models.InstanceStatusActive).
		First(&instance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

// GetInstance loads an instance and its steps by public id.
func (s *SequenceStore) GetInstance(instanceID string) (*models.SequenceInstance, error) {
	var instance models.SequenceInstance
	err := s.db.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_index ASC")
	}).Where("instance_id = ?", instanceID).First(&instance).Error
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

// GetInstanceByPK is the executor's pre-send re-read.
func (s *SequenceStore) GetInstanceByPK(id uint) (*models.SequenceInstance, error) {
	var instance models.SequenceInstance
	if err := s.db.First(&instance, id).Error; err != nil {
		return nil, err
	}
	return &instance, nil
}

// ListInstances returns every instance ever run for a subject, newest first.
func (s *SequenceStore) ListInstances(subjectID string) ([]models.SequenceInstance, error) {
	var instances []models.SequenceInstance
	err := s.db.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_index ASC")
	}).Where("subject_id = ?", subjectID).
		Order("created_at DESC").
		Find(&instances).Error
	return instances, err
}

// CancelInstance atomically marks the active instance cancelled and every
// remaining pending step skipped. A step already past the executor's re-check
// completes; anything scheduled after the cancellation is durably recorded
// will never fire.
func (s *SequenceStore) CancelInstance(subjectID, campaignKind, reason string, now time.Time) (*models.SequenceInstance, error) {
	var cancelled *models.SequenceInstance
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var instance models.SequenceInstance
		err := tx.Where("subject_id = ? AND campaign_kind = ? AND status = ?",
			subjectID, campaignKind, models.InstanceStatusActive).
			First(&instance).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoActiveInstance
		}
		if err != nil {
			return err
		}
		if err := cancelInstanceTx(tx, &instance, reason, now); err != nil {
			return err
		}
		cancelled = &instance
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// CancelInstanceByID cancels a specific instance (hard-bounce policy path).
func (s *SequenceStore) CancelInstanceByID(id uint, reason string, now time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var instance models.SequenceInstance
		if err := tx.First(&instance, id).Error; err != nil {
			return err
		}
		if instance.Status != models.InstanceStatusActive {
			return nil
		}
		return cancelInstanceTx(tx, &instance, reason, now)
	})
}

func cancelInstanceTx(tx *gorm.DB, instance *models.SequenceInstance, reason string, now time.Time) error {
	res := tx.Model(&models.SequenceInstance{}).
		Where("id = ? AND status = ?", instance.ID, models.InstanceStatusActive).
		Updates(map[string]interface{}{
			"status":        models.InstanceStatusCancelled,
			"cancel_reason": reason,
			"cancelled_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNoActiveInstance
	}

	if err := tx.Model(&models.StepExecution{}).
		Where("sequence_instance_id = ? AND state = ?", instance.ID, models.StepStatePending).
		Updates(map[string]interface{}{
			"state":      models.StepStateSkipped,
			"last_error": "instance cancelled: " + reason,
		}).Error; err != nil {
		return err
	}

	instance.Status = models.InstanceStatusCancelled
	instance.CancelReason = reason
	instance.CancelledAt = &now
	return nil
}

// DueSteps yields pending steps whose fire time has arrived and whose owning
// instance is still active, ordered by fire time. Steps parked for
// reconciliation are excluded.
func (s *SequenceStore) DueSteps(now time.Time, limit int) ([]models.StepExecution, error) {
	var steps []models.StepExecution
	err := s.db.
		Joins("JOIN sequence_instances ON sequence_instances.id = step_executions.sequence_instance_id").
		Where("step_executions.state = ? AND step_executions.scheduled_at <= ? AND step_executions.reconcile_required = ? AND sequence_instances.status = ?",
			models.StepStatePending, now, false, models.InstanceStatusActive).
		Order("step_executions.scheduled_at ASC").
		Limit(limit).
		Find(&steps).Error
	return steps, err
}

// NextFireTime returns the earliest future fire time across all active
// instances, or nil when nothing is scheduled. The scheduler bounds its sleep
// with it.
func (s *SequenceStore) NextFireTime(now time.Time) (*time.Time, error) {
	var step models.StepExecution
	err := s.db.
		Joins("JOIN sequence_instances ON sequence_instances.id = step_executions.sequence_instance_id").
		Where("step_executions.state = ? AND step_executions.scheduled_at > ? AND step_executions.reconcile_required = ? AND sequence_instances.status = ?",
			models.StepStatePending, now, false, models.InstanceStatusActive).
		Order("step_executions.scheduled_at ASC").
		First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &step.ScheduledAt, nil
}

// MarkSendAttempted writes the send-ahead marker and counts the attempt. The
// guard on the pending state and the empty marker makes dispatch at-most-once
// per attempt: a second worker (or a recovered process) sees zero rows
// affected and backs off.
func (s *SequenceStore) MarkSendAttempted(stepID uint, now time.Time) (bool, error) {
	res := s.db.Model(&models.StepExecution{}).
		Where("id = ? AND state = ? AND send_attempted_at IS NULL AND reconcile_required = ?",
			stepID, models.StepStatePending, false).
		Updates(map[string]interface{}{
			"send_attempted_at": now,
			"attempts":          gorm.Expr("attempts + ?", 1),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkStepSent records a successful delivery and completes the instance when
// no pending steps remain.
func (s *SequenceStore) MarkStepSent(stepID uint, deliveryID string, now time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var step models.StepExecution
		if err := tx.First(&step, stepID).Error; err != nil {
			return err
		}

		res := tx.Model(&models.StepExecution{}).
			Where("id = ? AND state = ?", stepID, models.StepStatePending).
			Updates(map[string]interface{}{
				"state":             models.StepStateSent,
				"sent_at":           now,
				"delivery_id":       deliveryID,
				"send_attempted_at": nil,
				"last_error":        "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStepNotPending
		}

		return completeIfDoneTx(tx, step.SequenceInstanceID, now)
	})
}

// RescheduleStep moves a transiently failed step to a new fire time and clears
// the send marker so the retry can attempt again. Later steps keep their
// original fire times.
func (s *SequenceStore) RescheduleStep(stepID uint, at time.Time, lastErr string) error {
	res := s.db.Model(&models.StepExecution{}).
		Where("id = ? AND state = ?", stepID, models.StepStatePending).
		Updates(map[string]interface{}{
			"scheduled_at":      at,
			"last_error":        lastErr,
			"send_attempted_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStepNotPending
	}
	return nil
}

// MarkStepFailed terminally fails a step. The instance stays active so later
// steps still fire (a failed promotional email must not block a later
// transactional one); when no pending steps remain the instance completes.
func (s *SequenceStore) MarkStepFailed(stepID uint, lastErr string, now time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var step models.StepExecution
		if err := tx.First(&step, stepID).Error; err != nil {
			return err
		}

		res := tx.Model(&models.StepExecution{}).
			Where("id = ? AND state = ?", stepID, models.StepStatePending).
			Updates(map[string]interface{}{
				"state":             models.StepStateFailed,
				"last_error":        lastErr,
				"send_attempted_at": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStepNotPending
		}

		return completeIfDoneTx(tx, step.SequenceInstanceID, now)
	})
}

// SkipStep marks a step skipped; used when the executor's pre-send re-read
// observes a cancellation that raced the fire time.
func (s *SequenceStore) SkipStep(stepID uint, reason string) error {
	return s.db.Model(&models.StepExecution{}).
		Where("id = ? AND state = ?", stepID, models.StepStatePending).
		Updates(map[string]interface{}{
			"state":             models.StepStateSkipped,
			"last_error":        reason,
			"send_attempted_at": nil,
		}).Error
}

func completeIfDoneTx(tx *gorm.DB, instancePK uint, now time.Time) error {
	var pending int64
	if err := tx.Model(&models.StepExecution{}).
		Where("sequence_instance_id = ? AND state = ?", instancePK, models.StepStatePending).
		Count(&pending).Error; err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}
	return tx.Model(&models.SequenceInstance{}).
		Where("id = ? AND status = ?", instancePK, models.InstanceStatusActive).
		Updates(map[string]interface{}{
			"status":       models.InstanceStatusCompleted,
			"completed_at": now,
		}).Error
}

// SweepAmbiguous parks every pending step whose send marker is at or before
// the cutoff: the send was attempted but the outcome was never committed. At
// startup the cutoff is now (any marker belongs to a dead process); during
// polling the cutoff trails by a grace period so in-flight sends are left
// alone. Parked steps are surfaced on the reconciliation queue instead of
// being resolved silently either way.
func (s *SequenceStore) SweepAmbiguous(olderThan time.Time) (int, error) {
	var steps []models.StepExecution
	err := s.db.Preload("Instance").
		Where("state = ? AND send_attempted_at IS NOT NULL AND send_attempted_at <= ? AND reconcile_required = ?",
			models.StepStatePending, olderThan, false).
		Find(&steps).Error
	if err != nil {
		return 0, err
	}

	parked := 0
	for _, step := range steps {
		err := s.db.Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.StepExecution{}).
				Where("id = ? AND state = ? AND reconcile_required = ?",
					step.ID, models.StepStatePending, false).
				Update("reconcile_required", true)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			return tx.Create(&models.ReconciliationItem{
				StepExecutionID: step.ID,
				InstanceID:      step.Instance.InstanceID,
				SubjectID:       step.Instance.SubjectID,
				StepIndex:       step.StepIndex,
				Status:          models.ReconciliationOpen,
				Note:            fmt.Sprintf("send attempted at %s, outcome unknown", step.SendAttemptedAt.UTC().Format(time.RFC3339)),
			}).Error
		})
		if err != nil {
			return parked, err
		}
		parked++
	}
	return parked, nil
}

// OpenReconciliations lists unresolved ambiguous outcomes for operators.
func (s *SequenceStore) OpenReconciliations() ([]models.ReconciliationItem, error) {
	var items []models.ReconciliationItem
	err := s.db.Where("status = ?", models.ReconciliationOpen).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

// ResolveReconciliation applies the operator's decision: requeue fires the
// step again immediately (accepting a possible duplicate send), discard fails
// it terminally.
func (s *SequenceStore) ResolveReconciliation(itemID uint, requeue bool, now time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var item models.ReconciliationItem
		if err := tx.First(&item, itemID).Error; err != nil {
			return err
		}
		if item.Status != models.ReconciliationOpen {
			return fmt.Errorf("reconciliation item %d already resolved", itemID)
		}

		resolution := "discarded"
		if requeue {
			resolution = "requeued"
			if err := tx.Model(&models.StepExecution{}).
				Where("id = ? AND state = ?", item.StepExecutionID, models.StepStatePending).
				Updates(map[string]interface{}{
					"reconcile_required": false,
					"send_attempted_at":  nil,
					"scheduled_at":       now,
				}).Error; err != nil {
				return err
			}
		} else {
			var step models.StepExecution
			if err := tx.First(&step, item.StepExecutionID).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.StepExecution{}).
				Where("id = ? AND state = ?", step.ID, models.StepStatePending).
				Updates(map[string]interface{}{
					"state":              models.StepStateFailed,
					"reconcile_required": false,
					"send_attempted_at":  nil,
					"last_error":         "delivery outcome unknown; discarded by operator",
				}).Error; err != nil {
				return err
			}
			if err := completeIfDoneTx(tx, step.SequenceInstanceID, now); err != nil {
				return err
			}
		}

		return tx.Model(&models.ReconciliationItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"status":      models.ReconciliationResolved,
				"resolution":  resolution,
				"resolved_at": now,
			}).Error
	})
}

// RecordBounce stores a bounce row for audit and suppression decisions.
func (s *SequenceStore) RecordBounce(bounce *models.Bounce) error {
	return s.db.Create(bounce).Error
}

// IsUnsubscribed reports whether the subject suppressed the campaign kind (or
// all campaigns).
func (s *SequenceStore) IsUnsubscribed(subjectID, campaignKind string) (bool, error) {
	var count int64
	err := s.db.Model(&models.Unsubscribe{}).
		Where("subject_id = ? AND (campaign_kind = ? OR campaign_kind = '')", subjectID, campaignKind).
		Count(&count).Error
	return count > 0, err
}

// RecordUnsubscribe stores a suppression and cancels any active instance it
// covers. An empty campaignKind is a global unsubscribe and cancels every
// active instance for the subject.
func (s *SequenceStore) RecordUnsubscribe(subjectID, campaignKind, reason string, now time.Time) ([]string, error) {
	if err := s.db.Create(&models.Unsubscribe{
		SubjectID:    subjectID,
		CampaignKind: campaignKind,
		Reason:       reason,
	}).Error; err != nil {
		return nil, err
	}

	query := s.db.Where("subject_id = ? AND status = ?", subjectID, models.InstanceStatusActive)
	if campaignKind != "" {
		query = query.Where("campaign_kind = ?", campaignKind)
	}

	var active []models.SequenceInstance
	if err := query.Find(&active).Error; err != nil {
		return nil, err
	}

	var cancelled []string
	for i := range active {
		err := s.db.Transaction(func(tx *gorm.DB) error {
			return cancelInstanceTx(tx, &active[i], "unsubscribed", now)
		})
		if err != nil && !errors.Is(err, ErrNoActiveInstance) {
			return cancelled, err
		}
		if err == nil {
			cancelled = append(cancelled, active[i].InstanceID)
		}
	}
	return cancelled, nil
}
