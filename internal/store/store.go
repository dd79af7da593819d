package store

import (
	"context"
	"time"

	"neo-scan-engine/internal/models"
)

// SubmitParams collects inputs required to create a scan job.
type SubmitParams struct {
	StartTime           time.Time
	EndTime             time.Time
	DistanceThresholdKm float64
	MaxAttempts         int
}

// Outcome is the result of one execution attempt, consumed by Complete.
// Every failure path is an explicit value; no error ever crosses from the
// evaluator into job state except through here.
type Outcome struct {
	// Err is nil for a successful attempt.
	Err error
	// Events are the risk-event drafts produced by a successful attempt.
	// They are persisted atomically with the succeeded transition.
	Events []models.RiskEvent
	// Alerts are the deduplicated alert drafts derived from Events. Drafts
	// whose dedupe key already exists are silently dropped on commit.
	Alerts []models.Alert
}

// Succeeded builds a success outcome carrying the attempt's risk events and
// derived alerts.
func Succeeded(events []models.RiskEvent, alerts []models.Alert) Outcome {
	return Outcome{Events: events, Alerts: alerts}
}

// Failed builds a failure outcome. The job retries while attempts remain,
// otherwise it lands in failed with err recorded.
func Failed(err error) Outcome {
	return Outcome{Err: err}
}

// JobStore is the durable scan-job table with atomic claim support. It is
// the only contended resource between workers: mutual exclusion on a job
// comes entirely from ClaimNext being a single conditional update.
type JobStore interface {
	// Submit inserts a new job in pending state. Returns a validation error
	// when start > end, the threshold is not positive, or max attempts is
	// not positive.
	Submit(ctx context.Context, p SubmitParams) (models.ScanJob, error)

	// ClaimNext atomically claims the oldest pending job (created_at
	// ascending, id ascending on ties), transitions it to running, stamps
	// claimed_at, and increments attempt_count. Returns nil when no pending
	// job exists. At most one concurrent caller can claim a given job.
	ClaimNext(ctx context.Context) (*models.ScanJob, error)

	// Complete resolves a running job. Success commits the outcome's risk
	// events and deduplicated alerts together with the succeeded transition
	// in one transaction.
	// Failure sends the job back to pending while attempts remain,
	// otherwise to failed with last_error set. Returns a not-found error
	// for unknown ids and an invalid-state error when the job is not
	// running.
	Complete(ctx context.Context, jobID string, outcome Outcome) error

	// ReclaimStale treats every running job claimed earlier than olderThan
	// ago as failed-this-attempt, applying the same retry/exhaustion rule
	// as an explicit failure. Returns how many jobs were swept.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)

	GetJob(ctx context.Context, id string) (models.ScanJob, error)
	ListJobs(ctx context.Context, status string, limit int) ([]models.ScanJob, error)
	ListRiskEvents(ctx context.Context, jobID string) ([]models.RiskEvent, error)
	CountRiskEvents(ctx context.Context, jobID string) (int64, error)

	// ListAlerts returns alerts newest first, optionally filtered by status.
	ListAlerts(ctx context.Context, status string, limit int) ([]models.Alert, error)

	// CountPending feeds the queue-depth gauge.
	CountPending(ctx context.Context) (int64, error)

	// AppendAudit records a job transition for operational inspection.
	// Best-effort; callers may ignore the error.
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// EventStore is the read-mostly close-approach table. The scan engine only
// queries it; ingestion writes it.
type EventStore interface {
	// QueryEvents returns all events whose approach time falls within the
	// closed interval [start, end].
	QueryEvents(ctx context.Context, start, end time.Time) ([]models.ApproachEvent, error)
	CountEvents(ctx context.Context, start, end time.Time) (int64, error)

	// InsertEvents bulk-inserts events, skipping rows that already exist
	// for the same (object, approach time). Returns how many were inserted.
	InsertEvents(ctx context.Context, events []models.ApproachEvent) (int, error)
}

const staleClaimDetail = "claim lease expired; reclaimed by stale sweep"
