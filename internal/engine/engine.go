package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"neo-scan-engine/internal/apperror"
	"neo-scan-engine/internal/config"
	"neo-scan-engine/internal/models"
	"neo-scan-engine/internal/queue"
	"neo-scan-engine/internal/risk"
	"neo-scan-engine/internal/store"
	"neo-scan-engine/internal/telemetry"
)

// Engine drives scan jobs from pending to a terminal state. It runs a fixed
// number of independent claim loops against the shared job store plus one
// stale-reclaim sweeper; there is no coordinator, and mutual exclusion on a
// job comes entirely from ClaimNext.
type Engine struct {
	jobs     store.JobStore
	events   store.EventStore
	eval     *risk.Evaluator
	notifier *queue.Notifier
	log      *logrus.Logger

	workers         int
	pollInterval    time.Duration
	staleTimeout    time.Duration
	reclaimInterval time.Duration
	backoffInitial  time.Duration
	backoffMax      time.Duration
}

// New wires an engine from config. notifier may be nil; workers then rely on
// the poll interval alone.
func New(cfg config.Config, jobs store.JobStore, events store.EventStore, eval *risk.Evaluator, notifier *queue.Notifier, log *logrus.Logger) *Engine {
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	return &Engine{
		jobs:            jobs,
		events:          events,
		eval:            eval,
		notifier:        notifier,
		log:             log,
		workers:         workers,
		pollInterval:    cfg.WorkerPollInterval,
		staleTimeout:    cfg.StaleTimeout,
		reclaimInterval: cfg.ReclaimInterval,
		backoffInitial:  cfg.BackoffInitial,
		backoffMax:      cfg.BackoffMax,
	}
}

// Run blocks until ctx is cancelled and all loops have drained.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		id := i
		g.Go(func() error {
			e.workerLoop(ctx, id)
			return nil
		})
	}
	g.Go(func() error {
		e.sweepLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (e *Engine) workerLoop(ctx context.Context, id int) {
	claimFailures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := e.jobs.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A storage error on the claim primitive is fatal to this
			// iteration only; back off at the loop level instead of
			// surfacing it to any job's state.
			claimFailures++
			wait := backoffWithJitter(e.backoffInitial, e.backoffMax, claimFailures)
			e.log.WithError(err).WithFields(logrus.Fields{"worker": id, "backoff": wait}).Error("claim next job")
			sleep(ctx, wait)
			continue
		}
		claimFailures = 0

		if job == nil {
			if n, err := e.jobs.CountPending(ctx); err == nil {
				telemetry.PendingGauge.Set(float64(n))
			}
			e.notifier.Wait(ctx, e.pollInterval)
			continue
		}

		e.process(ctx, *job, id)
	}
}

func (e *Engine) process(ctx context.Context, job models.ScanJob, workerID int) {
	telemetry.RunningGauge.Inc()
	defer telemetry.RunningGauge.Dec()

	e.log.WithFields(logrus.Fields{
		"worker":       workerID,
		"job":          job.ID,
		"window_start": job.StartTime,
		"window_end":   job.EndTime,
		"threshold_km": job.DistanceThresholdKm,
		"attempt":      job.AttemptCount,
	}).Info("processing scan job")
	_ = e.jobs.AppendAudit(ctx, job.ID, "claimed",
		fmt.Sprintf("worker=%d attempt=%d/%d", workerID, job.AttemptCount, job.MaxAttempts))

	outcome := e.attempt(ctx, job)

	if err := e.jobs.Complete(ctx, job.ID, outcome); err != nil {
		// The job is still running in the store; the stale sweep will put
		// it back into rotation once the claim lease expires.
		e.log.WithError(err).WithField("job", job.ID).Error("complete scan job")
		return
	}

	if outcome.Err == nil {
		telemetry.ScansSucceeded.Inc()
		telemetry.RiskEventsEmitted.Add(float64(len(outcome.Events)))
		e.log.WithFields(logrus.Fields{"job": job.ID, "risk_events": len(outcome.Events), "alerts": len(outcome.Alerts)}).Info("scan job succeeded")
		_ = e.jobs.AppendAudit(ctx, job.ID, "succeeded", fmt.Sprintf("risk_events=%d", len(outcome.Events)))
		return
	}

	if job.AttemptCount < job.MaxAttempts {
		telemetry.ScansRetried.Inc()
		e.log.WithError(outcome.Err).WithFields(logrus.Fields{
			"job": job.ID, "attempt": job.AttemptCount, "max_attempts": job.MaxAttempts,
		}).Warn("scan attempt failed; job requeued")
		_ = e.jobs.AppendAudit(ctx, job.ID, "retry_queued", outcome.Err.Error())
		return
	}

	telemetry.ScansFailed.Inc()
	e.log.WithError(outcome.Err).WithField("job", job.ID).Error("scan job failed permanently")
	_ = e.jobs.AppendAudit(ctx, job.ID, "failed", outcome.Err.Error())
}

// attempt runs one execution attempt and always returns an outcome: any
// error during event read or evaluation is converted into a failure value
// rather than propagating out of the worker.
func (e *Engine) attempt(ctx context.Context, job models.ScanJob) (out store.Outcome) {
	defer func() {
		// The scoring policy is injected; a panicking policy must fail the
		// job, not the loop.
		if r := recover(); r != nil {
			out = store.Failed(apperror.Newf(apperror.Transient, "evaluation panic: %v", r))
		}
	}()

	events, err := e.events.QueryEvents(ctx, job.StartTime, job.EndTime)
	if err != nil {
		return store.Failed(apperror.Wrap(apperror.Transient, "query approach events", err))
	}

	var drafts []models.RiskEvent
	var alerts []models.Alert
	for _, ev := range events {
		if draft, ok := e.eval.Evaluate(ev, job.DistanceThresholdKm); ok {
			drafts = append(drafts, draft)
			alerts = append(alerts, models.NewAlert(draft, job.DistanceThresholdKm))
		}
	}
	return store.Succeeded(drafts, alerts)
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := e.jobs.ReclaimStale(ctx, e.staleTimeout)
		if err != nil {
			if ctx.Err() == nil {
				e.log.WithError(err).Error("stale reclaim sweep")
			}
			continue
		}
		if n > 0 {
			telemetry.StaleReclaimed.Add(float64(n))
			e.log.WithField("reclaimed", n).Warn("reclaimed stale running jobs")
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2*time.Millisecond {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
