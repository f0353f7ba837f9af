package models

import (
	"time"

	"gorm.io/gorm"
)

// Bounce types
const (
	BounceTypeHard = "hard"
	BounceTypeSoft = "soft"
)

// Bounce records a delivery rejection for a subject. Hard bounces cancel the
// owning instance so the address stops receiving mail without manual
// intervention.
type Bounce struct {
	gorm.Model
	SubjectID    string `gorm:"not null;index" json:"subject_id"`
	CampaignKind string `gorm:"index" json:"campaign_kind"`
	InstanceID   string `gorm:"index" json:"instance_id"`
	StepIndex    int    `json:"step_index"`
	Type         string `gorm:"not null" json:"type"` // hard, soft
	Reason       string `json:"reason"`
	MessageID    string `json:"message_id"`
}

// Unsubscribe suppresses future instances for a subject. An empty
// CampaignKind suppresses every campaign.
type Unsubscribe struct {
	gorm.Model
	SubjectID    string `gorm:"not null;index" json:"subject_id"`
	CampaignKind string `gorm:"index" json:"campaign_kind"`
	Reason       string `json:"reason"`
}

// Reconciliation item statuses
const (
	ReconciliationOpen     = "open"
	ReconciliationResolved = "resolved"
)

// ReconciliationItem surfaces a step whose delivery outcome is unknown (the
// process died between the send attempt and the outcome commit). The step is
// held out of the due set until an operator resolves it; requeueing accepts a
// possible duplicate send rather than silently dropping the step.
type ReconciliationItem struct {
	gorm.Model
	StepExecutionID uint       `gorm:"not null;index" json:"step_execution_id"`
	InstanceID      string     `gorm:"not null;index" json:"instance_id"`
	SubjectID       string     `gorm:"not null" json:"subject_id"`
	StepIndex       int        `json:"step_index"`
	Status          string     `gorm:"not null;default:'open';index" json:"status"`
	Note            string     `json:"note"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	Resolution      string     `json:"resolution"` // requeued, discarded
}
