package worker

import (
	"context"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"dripflow/config"
	"dripflow/models"
	"dripflow/store"
)

// SchedulerWorker continuously yields due steps to the executor. It keeps no
// timers in memory: the persisted fire times are the schedule, so a restart
// recovers all pending work from the store. Due steps run on a bounded worker
// pool, with at most one in-flight step per instance so a retry of step N
// never races step N+1.
type SchedulerWorker struct {
	store        *store.SequenceStore
	executor     *Executor
	logger       *logrus.Logger
	pollInterval time.Duration
	batchSize    int
	markerGrace  time.Duration

	mu       sync.Mutex
	inflight map[uint]struct{}
	sem      chan struct{}
	wg       sync.WaitGroup
}

func NewSchedulerWorker(st *store.SequenceStore, executor *Executor, logger *logrus.Logger, cfg config.SequencerConfig) *SchedulerWorker {
	// A marker older than this cannot belong to an in-flight send; the
	// transport call is bounded by the send timeout.
	grace := 2 * cfg.SendTimeout
	if grace < time.Minute {
		grace = time.Minute
	}
	return &SchedulerWorker{
		store:        st,
		executor:     executor,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		markerGrace:  grace,
		inflight:     make(map[uint]struct{}),
		sem:          make(chan struct{}, cfg.Workers),
	}
}

// Start runs until the context is cancelled. Startup first parks any step
// whose previous send has an unknown outcome, then drains everything already
// due (steps that came due while the process was down fire immediately: late,
// not lost).
func (sw *SchedulerWorker) Start(ctx context.Context) {
	parked, err := sw.store.SweepAmbiguous(time.Now())
	if err != nil {
		sw.logger.WithError(err).Error("failed to sweep ambiguous send outcomes")
	} else if parked > 0 {
		sw.logger.WithField("parked", parked).Warn("steps with unknown send outcomes parked for reconciliation")
	}

	sw.logger.Info("sequence scheduler started")

	for {
		sw.dispatchDue(ctx)
		sw.sweepStale()

		wait := sw.pollInterval
		if next, err := sw.store.NextFireTime(time.Now()); err != nil {
			sw.logger.WithError(err).Error("failed to compute next fire time")
		} else if next != nil {
			if until := time.Until(*next); until < wait {
				wait = until
			}
		}
		if wait < time.Second {
			wait = time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			sw.logger.Info("sequence scheduler shutting down, waiting for in-flight steps")
			sw.wg.Wait()
			return
		case <-timer.C:
		}
	}
}

// sweepStale parks steps whose send marker outlived the grace period with no
// recorded outcome, e.g. after a worker panic mid-send. Without it such a step
// would stay claimed until the next restart while the due-set query re-yields
// it as a no-op every poll.
func (sw *SchedulerWorker) sweepStale() {
	parked, err := sw.store.SweepAmbiguous(time.Now().Add(-sw.markerGrace))
	if err != nil {
		sw.logger.WithError(err).Error("failed to sweep stale send markers")
		return
	}
	if parked > 0 {
		sw.logger.WithField("parked", parked).Warn("steps with unknown send outcomes parked for reconciliation")
	}
}

// dispatchDue fetches the current due set and hands each step to the pool.
// Steps whose instance already has a step in flight are left for the next
// poll; the due-set query re-yields them as long as they stay pending.
func (sw *SchedulerWorker) dispatchDue(ctx context.Context) {
	steps, err := sw.store.DueSteps(time.Now(), sw.batchSize)
	if err != nil {
		sw.logger.WithError(err).Error("failed to fetch due steps")
		return
	}

	for _, step := range steps {
		if ctx.Err() != nil {
			return
		}
		if !sw.claim(step.SequenceInstanceID) {
			continue
		}

		select {
		case sw.sem <- struct{}{}:
		case <-ctx.Done():
			sw.release(step.SequenceInstanceID)
			return
		}

		sw.wg.Add(1)
		go sw.run(ctx, step)
	}
}

func (sw *SchedulerWorker) run(ctx context.Context, step models.StepExecution) {
	defer func() {
		if r := recover(); r != nil {
			sw.logger.WithField("step_id", step.ID).Errorf("panic executing step: %v", r)
			sentry.CurrentHub().Recover(r)
		}
		sw.release(step.SequenceInstanceID)
		<-sw.sem
		sw.wg.Done()
	}()

	if err := sw.executor.Execute(ctx, step); err != nil {
		sw.logger.WithError(err).WithField("step_id", step.ID).Error("step execution failed")
	}
}

func (sw *SchedulerWorker) claim(instancePK uint) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, busy := sw.inflight[instancePK]; busy {
		return false
	}
	sw.inflight[instancePK] = struct{}{}
	return true
}

func (sw *SchedulerWorker) release(instancePK uint) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	delete(sw.inflight, instancePK)
}
