package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Instance statuses
const (
	InstanceStatusActive    = "active"
	InstanceStatusCompleted = "completed"
	InstanceStatusCancelled = "cancelled"
)

// Step states. A step only ever moves pending -> sent|skipped|failed.
const (
	StepStatePending = "pending"
	StepStateSent    = "sent"
	StepStateSkipped = "skipped"
	StepStateFailed  = "failed"
)

// BindingData is the snapshot of the trigger event payload, captured at
// instance creation so later renders are deterministic even if upstream data
// changes (cart contents, order number, etc.).
type BindingData map[string]string

// SequenceInstance is one run of a campaign for one subject.
type SequenceInstance struct {
	gorm.Model
	InstanceID     string    `gorm:"not null;uniqueIndex" json:"instance_id"`
	SubjectID      string    `gorm:"not null;index:idx_subject_kind" json:"subject_id"`
	CampaignKind   string    `gorm:"not null;index:idx_subject_kind" json:"campaign_kind"`
	CatalogVersion int       `gorm:"not null" json:"catalog_version"`
	TriggerTime    time.Time `gorm:"not null" json:"trigger_time"`

	BindingData BindingData `gorm:"type:jsonb;serializer:json" json:"binding_data"`

	Status       string     `gorm:"not null;default:'active';index" json:"status"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`

	Steps []StepExecution `gorm:"foreignKey:SequenceInstanceID" json:"steps,omitempty"`
}

// StepExecution tracks one step of an instance. Instances and steps are never
// physically deleted; terminal rows are retained for audit and deduplication.
type StepExecution struct {
	gorm.Model
	SequenceInstanceID uint `gorm:"not null;index" json:"sequence_instance_id"`

	StepIndex   int       `gorm:"not null" json:"step_index"`
	ContentKey  string    `gorm:"not null" json:"content_key"`
	ScheduledAt time.Time `gorm:"not null;index" json:"scheduled_at"`

	State     string     `gorm:"not null;default:'pending';index" json:"state"`
	Attempts  int        `gorm:"default:0" json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`

	// Write-ahead marker: set immediately before the transport call so a crash
	// between the send and the outcome commit is detectable on recovery.
	SendAttemptedAt *time.Time `json:"send_attempted_at,omitempty"`

	// Parked for operator reconciliation; excluded from the due set.
	ReconcileRequired bool `gorm:"default:false;index" json:"reconcile_required"`

	DeliveryID string `json:"delivery_id,omitempty"`

	Instance SequenceInstance `gorm:"foreignKey:SequenceInstanceID" json:"-"`
}

// DedupKey identifies a send to the delivery transport. The transport is
// called at most once per key reaching a terminal state.
func (s *StepExecution) DedupKey(instanceID string) string {
	return fmt.Sprintf("%s:%d", instanceID, s.StepIndex)
}

// Terminal reports whether the step can no longer fire.
func (s *StepExecution) Terminal() bool {
	return s.State != StepStatePending
}
