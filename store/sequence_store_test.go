package store

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dripflow/catalog"
	"dripflow/config"
	"dripflow/models"
)

func newTestStore(t *testing.T) *SequenceStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, config.MigrateDB(db))
	return NewSequenceStore(db)
}

func testDefinition() catalog.CampaignDefinition {
	return catalog.CampaignDefinition{
		Kind:               "cart-recovery",
		TriggerPolicy:      catalog.PolicyReplace,
		CancelOnHardBounce: true,
		Steps: []catalog.StepDefinition{
			{StepIndex: 0, Offset: 1 * time.Hour, ContentKey: "cart_reminder", CancelIf: "order_placed"},
			{StepIndex: 1, Offset: 24 * time.Hour, ContentKey: "cart_urgency", CancelIf: "order_placed"},
			{StepIndex: 2, Offset: 72 * time.Hour, ContentKey: "cart_discount", CancelIf: "order_placed"},
		},
	}
}

func TestStartSequenceCreatesAllStepsAtomically(t *testing.T) {
	st := newTestStore(t)
	def := testDefinition()
	trigger := time.Now().Add(-10 * time.Minute)

	instance, err := st.StartSequence(def, 1, "a@x.com", models.BindingData{"cart_total": "£22.50"}, trigger)
	require.NoError(t, err)
	require.NotEmpty(t, instance.InstanceID)

	loaded, err := st.GetInstance(instance.InstanceID)
	require.NoError(t, err)

	assert.Equal(t, models.InstanceStatusActive, loaded.Status)
	assert.Equal(t, 1, loaded.CatalogVersion)
	assert.Equal(t, "£22.50", loaded.BindingData["cart_total"])
	require.Len(t, loaded.Steps, 3)

	for i, step := range loaded.Steps {
		assert.Equal(t, i, step.StepIndex)
		assert.Equal(t, models.StepStatePending, step.State)
		// Fire times are relative to the trigger, not to the previous step.
		assert.WithinDuration(t, trigger.Add(def.Steps[i].Offset), step.ScheduledAt, time.Second)
	}
}

func TestStartSequenceRejectsDuplicateActive(t *testing.T) {
	st := newTestStore(t)
	def := testDefinition()
	now := time.Now()

	_, err := st.StartSequence(def, 1, "a@x.com", nil, now)
	require.NoError(t, err)

	_, err = st.StartSequence(def, 1, "a@x.com", nil, now)
	assert.ErrorIs(t, err, ErrDuplicateTrigger)

	// Different subject is unaffected.
	_, err = st.StartSequence(def, 1, "b@x.com", nil, now)
	assert.NoError(t, err)
}

func TestReplaceSequenceSupersedesAndRestartsTimer(t *testing.T) {
	st := newTestStore(t)
	def := testDefinition()
	firstTrigger := time.Now().Add(-2 * time.Hour)

	first, err := st.StartSequence(def, 1, "a@x.com", models.BindingData{"cart_total": "£10.00"}, firstTrigger)
	require.NoError(t, err)

	secondTrigger := time.Now()
	second, superseded, err := st.ReplaceSequence(def, 1, "a@x.com", models.BindingData{"cart_total": "£40.00"}, secondTrigger)
	require.NoError(t, err)
	assert.Equal(t, first.InstanceID, superseded)
	assert.NotEqual(t, first.InstanceID, second.InstanceID)

	old, err := st.GetInstance(first.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCancelled, old.Status)
	for _, step := range old.Steps {
		assert.Equal(t, models.StepStateSkipped, step.State)
	}

	fresh, err := st.GetInstance(second.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusActive, fresh.Status)
	assert.WithinDuration(t, secondTrigger.Add(1*time.Hour), fresh.Steps[0].ScheduledAt, time.Second)
}

func TestCancelInstanceSkipsPendingKeepsSent(t *testing.T) {
	st := newTestStore(t)
	def := testDefinition()
	trigger := time.Now().Add(-2 * time.Hour)

	instance, err := st.StartSequence(def, 1, "a@x.com", nil, trigger)
	require.NoError(t, err)

	// Step 0 already went out.
	sentAt := time.Now()
	claimed, err := st.MarkSendAttempted(instance.Steps[0].ID, sentAt)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, st.MarkStepSent(instance.Steps[0].ID, "delivery-1", sentAt))

	cancelled, err := st.CancelInstance("a@x.com", def.Kind, "order placed", time.Now())
	require.NoError(t, err)
	assert.Equal(t, instance.InstanceID, cancelled.InstanceID)

	loaded, err := st.GetInstance(instance.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCancelled, loaded.Status)
	assert.Equal(t, "order placed", loaded.CancelReason)
	assert.Equal(t, models.StepStateSent, loaded.Steps[0].State)
	assert.Equal(t, models.StepStateSkipped, loaded.Steps[1].State)
	assert.Equal(t, models.StepStateSkipped, loaded.Steps[2].State)
}

func TestCancelInstanceWithoutActive(t *testing.T) {
	st := newTestStore(t)
	_, err := st.CancelInstance("nobody@x.com", "cart-recovery", "order placed", time.Now())
	assert.ErrorIs(t, err, ErrNoActiveInstance)
}

func TestDueStepsOrderAndEligibility(t *testing.T) {
	st := newTestStore(t)
	def := testDefinition()
	now := time.Now()

	// Two steps due (1h and 24h ago the offsets elapsed), one in the future.
	early, err := st.StartSequence(def, 1, "early@x.com", nil, now.Add(-25*time.Hour))
	require.NoError(t, err)

	_, err = st.StartSequence(def, 1, "future@x.com", nil, now)
	require.NoError(t, err)

	cancelledInst, err := st.StartSequence(def, 1, "gone@x.com", nil, now.Add(-25*time.Hour))
	require.NoError(t, err)
	_, err = st.CancelInstance("gone@x.com", def.Kind, "order placed", now)
	require.NoError(t, err)

	due, err := st.DueSteps(now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)

	// Ordered by fire time, owning instance active, nothing early.
	assert.Equal(t, early.ID, due[0].SequenceInstanceID)
	assert.Equal(t, 0, due[0].StepIndex)
	assert.Equal(t, 1, due[1].StepIndex)
	for _, step := range due {
		assert.True(t, step.ScheduledAt.Before(now) || step.ScheduledAt.Equal(now))
		assert.NotEqual(t, cancelledInst.ID, step.SequenceInstanceID)
	}
}

func TestNextFireTime(t *testing.T) {
	st := newTestStore(t)
	def := testDefinition()
	now := time.Now()

	next, err := st.NextFireTime(now)
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = st.StartSequence(def, 1, "a@x.com", nil, now)
	require.NoError(t, err)

	next, err = st.NextFireTime(now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.WithinDuration(t, now.Add(1*time.Hour), *next, time.Second)
}

func TestMarkSendAttemptedClaimsOnce(t *testing.T) {
	st := newTestStore(t)
	def := testDefinition()

	instance, err := st.StartSequence(def, 1, "a@x.com", nil, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	stepID := instance.Steps[0].ID

	claimed, err := st.MarkSendAttempted(stepID, time.Now())
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim without a reschedule must fail: at-most-once dispatch.
	claimed, err = st.MarkSendAttempted(stepID, time.Now())
	require.NoError(t, err)
	assert.False(t, claimed)

	loaded, err := st.GetInstance(instance.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Steps[0].Attempts)
	assert.NotNil(t, loaded.Steps[0].SendAttemptedAt)
}

func TestRescheduleStepClearsMarkerAndKeepsLaterSteps(t *testing.T) {
	st := newTestStore(t)
	def := testDefinition()

	instance, err := st.StartSequence(def, 1, "a@x.com", nil, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	stepID := instance.Steps[0].ID
	originalLater := instance.Steps[1].ScheduledAt

	_, err = st.MarkSendAttempted(stepID, time.Now())
	require.NoError(t, err)

	retryAt := time.Now().Add(time.Minute)
	require.NoError(t, st.RescheduleStep(stepID, retryAt, "connection refused"))

	loaded, err := st.GetInstance(instance.InstanceID)
	require.NoError(t, err)
	assert.Nil(t, loaded.Steps[0].SendAttemptedAt)
	assert.WithinDuration(t, retryAt, loaded.Steps[0].ScheduledAt, time.Second)
	assert.Equal(t, "connection refused", loaded.Steps[0].LastError)

	// Only the retried step moved.
	assert.WithinDuration(t, originalLater, loaded.Steps[1].ScheduledAt, time.Second)

	// The marker is clear, so the retry can claim again.
	claimed, err := st.MarkSendAttempted(stepID, time.Now())
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestMarkStepSentCompletesInstanceAfterLastStep(t *testing.T) {
	st := newTestStore(t)
	def := testDefinition()

	instance, err := st.StartSequence(def, 1, "a@x.com", nil, time.Now().Add(-80*time.Hour))
	require.NoError(t, err)

	for i, step := range instance.Steps {
		_, err := st.MarkSendAttempted(step.ID, time.Now())
		require.NoError(t, err)
		require.NoError(t, st.MarkStepSent(step.ID, "delivery", time.Now()))

		loaded, err := st.GetInstance(instance.InstanceID)
		require.NoError(t, err)
		if i < len(instance.Steps)-1 {
			assert.Equal(t, models.InstanceStatusActive, loaded.Status)
		} else {
			assert.Equal(t, models.InstanceStatusCompleted, loaded.Status)
			assert.NotNil(t, loaded.CompletedAt)
		}
	}
}

func TestMarkStepSentRejectsTerminalStep(t *testing.T) {
	st := newTestStore(t)
	def := testDefinition()

	instance, err := st.StartSequence(def, 1, "a@x.com", nil, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	stepID := instance.Steps[0].ID

	require.NoError(t, st.SkipStep(stepID, "instance no longer active"))
	err = st.MarkStepSent(stepID, "delivery", time.Now())
	assert.ErrorIs(t, err, ErrStepNotPending)
}

func TestMarkStepFailedLeavesInstanceActive(t *testing.T) {
	st := newTestStore(t)
	def := testDefinition()

	instance, err := st.StartSequence(def, 1, "a@x.com", nil, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	require.NoError(t, st.MarkStepFailed(instance.Steps[0].ID, "retries exhausted", time.Now()))

	loaded, err := st.GetInstance(instance.InstanceID)
	require.NoError(t, err)
	// A failed promotional step must not block later steps.
	assert.Equal(t, models.InstanceStatusActive, loaded.Status)
	assert.Equal(t, models.StepStateFailed, loaded.Steps[0].State)
	assert.Equal(t, models.StepStatePending, loaded.Steps[1].State)
}

func TestSweepAmbiguousParksAndResolves(t *testing.T) {
	st := newTestStore(t)
	def := testDefinition()

	instance, err := st.StartSequence(def, 1, "a@x.com", nil, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	stepID := instance.Steps[0].ID

	// Simulate a crash between the send attempt and the outcome commit.
	_, err = st.MarkSendAttempted(stepID, time.Now())
	require.NoError(t, err)

	parked, err := st.SweepAmbiguous(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, parked)

	// Parked steps are held out of the due set.
	due, err := st.DueSteps(time.Now(), 10)
	require.NoError(t, err)
	for _, step := range due {
		assert.NotEqual(t, stepID, step.ID)
	}

	items, err := st.OpenReconciliations()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, instance.InstanceID, items[0].InstanceID)

	// Requeue puts the step back on the due set immediately.
	require.NoError(t, st.ResolveReconciliation(items[0].ID, true, time.Now()))

	due, err = st.DueSteps(time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	found := false
	for _, step := range due {
		if step.ID == stepID {
			found = true
		}
	}
	assert.True(t, found, "requeued step should be due again")

	items, err = st.OpenReconciliations()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSweepAmbiguousHonorsCutoff(t *testing.T) {
	st := newTestStore(t)
	def := testDefinition()

	stale, err := st.StartSequence(def, 1, "stale@x.com", nil, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	fresh, err := st.StartSequence(def, 1, "fresh@x.com", nil, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	// One marker from a worker that died minutes ago, one from a send that is
	// still in flight.
	_, err = st.MarkSendAttempted(stale.Steps[0].ID, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	_, err = st.MarkSendAttempted(fresh.Steps[0].ID, time.Now())
	require.NoError(t, err)

	parked, err := st.SweepAmbiguous(time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, parked)

	items, err := st.OpenReconciliations()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, stale.InstanceID, items[0].InstanceID)

	// The in-flight step keeps its claim.
	loaded, err := st.GetInstance(fresh.InstanceID)
	require.NoError(t, err)
	assert.False(t, loaded.Steps[0].ReconcileRequired)
	assert.NotNil(t, loaded.Steps[0].SendAttemptedAt)
}

func TestResolveReconciliationDiscard(t *testing.T) {
	st := newTestStore(t)
	def := testDefinition()

	instance, err := st.StartSequence(def, 1, "a@x.com", nil, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	stepID := instance.Steps[0].ID

	_, err = st.MarkSendAttempted(stepID, time.Now())
	require.NoError(t, err)
	_, err = st.SweepAmbiguous(time.Now())
	require.NoError(t, err)

	items, err := st.OpenReconciliations()
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, st.ResolveReconciliation(items[0].ID, false, time.Now()))

	loaded, err := st.GetInstance(instance.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStateFailed, loaded.Steps[0].State)
	assert.Contains(t, loaded.Steps[0].LastError, "outcome unknown")
	// Later steps still fire.
	assert.Equal(t, models.StepStatePending, loaded.Steps[1].State)
	assert.Equal(t, models.InstanceStatusActive, loaded.Status)
}

func TestRecordUnsubscribeCancelsAndSuppresses(t *testing.T) {
	st := newTestStore(t)
	cartDef := testDefinition()
	welcomeDef := catalog.CampaignDefinition{
		Kind:          "welcome",
		TriggerPolicy: catalog.PolicyIdempotent,
		Steps: []catalog.StepDefinition{
			{StepIndex: 0, Offset: 48 * time.Hour, ContentKey: "welcome_intro"},
		},
	}

	_, err := st.StartSequence(cartDef, 1, "a@x.com", nil, time.Now())
	require.NoError(t, err)
	_, err = st.StartSequence(welcomeDef, 1, "a@x.com", nil, time.Now())
	require.NoError(t, err)

	// Global unsubscribe cancels everything for the subject.
	cancelled, err := st.RecordUnsubscribe("a@x.com", "", "clicked unsubscribe link", time.Now())
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)

	suppressed, err := st.IsUnsubscribed("a@x.com", "welcome")
	require.NoError(t, err)
	assert.True(t, suppressed)

	suppressed, err = st.IsUnsubscribed("b@x.com", "welcome")
	require.NoError(t, err)
	assert.False(t, suppressed)
}
