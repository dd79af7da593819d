package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"neo-scan-engine/internal/apperror"
	"neo-scan-engine/internal/models"
)

// Memory is an in-process implementation of JobStore and EventStore with the
// same transition semantics as the Postgres store. It backs tests and local
// development; it is not durable.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*models.ScanJob
	risks     map[string][]models.RiskEvent
	alerts    []models.Alert
	alertKeys map[string]struct{}
	events    []models.ApproachEvent
	seen      map[string]struct{}
	audit     []models.AuditLog
}

func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]*models.ScanJob),
		risks:     make(map[string][]models.RiskEvent),
		alertKeys: make(map[string]struct{}),
		seen:      make(map[string]struct{}),
	}
}

func (m *Memory) Submit(_ context.Context, p SubmitParams) (models.ScanJob, error) {
	if err := validateSubmit(p); err != nil {
		return models.ScanJob{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job := models.ScanJob{
		ID:                  uuid.New().String(),
		StartTime:           p.StartTime,
		EndTime:             p.EndTime,
		DistanceThresholdKm: p.DistanceThresholdKm,
		Status:              models.StatusPending,
		MaxAttempts:         p.MaxAttempts,
		CreatedAt:           time.Now().UTC(),
	}
	m.jobs[job.ID] = &job
	cp := job
	return cp, nil
}

func (m *Memory) ClaimNext(_ context.Context) (*models.ScanJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *models.ScanJob
	for _, j := range m.jobs {
		if j.Status != models.StatusPending {
			continue
		}
		if next == nil || olderThanJob(j, next) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	next.Status = models.StatusRunning
	next.ClaimedAt = &now
	next.AttemptCount++
	cp := *next
	return &cp, nil
}

// olderThanJob orders claims by created_at ascending, id ascending on ties.
func olderThanJob(a, b *models.ScanJob) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (m *Memory) Complete(_ context.Context, jobID string, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return apperror.Newf(apperror.NotFound, "scan job %s not found", jobID)
	}
	if job.Status != models.StatusRunning {
		return apperror.Newf(apperror.InvalidState, "scan job %s is %s, not running", jobID, job.Status)
	}

	now := time.Now().UTC()
	switch {
	case outcome.Err == nil:
		stored := make([]models.RiskEvent, 0, len(outcome.Events))
		for _, ev := range outcome.Events {
			ev.ID = uuid.New().String()
			ev.JobID = jobID
			ev.CreatedAt = now
			stored = append(stored, ev)
		}
		// Events and the terminal transition become visible together, under
		// the same lock, mirroring the Postgres transaction.
		m.risks[jobID] = stored
		for _, al := range outcome.Alerts {
			if _, dup := m.alertKeys[al.DedupeKey]; dup {
				continue
			}
			m.alertKeys[al.DedupeKey] = struct{}{}
			al.ID = uuid.New().String()
			al.CreatedAt = now
			m.alerts = append(m.alerts, al)
		}
		job.Status = models.StatusSucceeded
		job.CompletedAt = &now
		job.LastError = nil
	case job.AttemptCount < job.MaxAttempts:
		job.Status = models.StatusPending
	default:
		msg := outcome.Err.Error()
		job.Status = models.StatusFailed
		job.LastError = &msg
		job.CompletedAt = &now
	}
	return nil
}

func (m *Memory) ReclaimStale(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	now := time.Now().UTC()
	swept := 0
	for _, j := range m.jobs {
		if j.Status != models.StatusRunning || j.ClaimedAt == nil || !j.ClaimedAt.Before(cutoff) {
			continue
		}
		if j.AttemptCount >= j.MaxAttempts {
			msg := staleClaimDetail
			j.Status = models.StatusFailed
			j.LastError = &msg
			j.CompletedAt = &now
		} else {
			j.Status = models.StatusPending
		}
		swept++
	}
	return swept, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.ScanJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return models.ScanJob{}, apperror.Newf(apperror.NotFound, "scan job %s not found", id)
	}
	cp := *job
	return cp, nil
}

func (m *Memory) ListJobs(_ context.Context, status string, limit int) ([]models.ScanJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	jobs := make([]models.ScanJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		if status != "" && j.Status != status {
			continue
		}
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID > jobs[k].ID
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *Memory) ListRiskEvents(_ context.Context, jobID string) ([]models.RiskEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]models.RiskEvent, len(m.risks[jobID]))
	copy(events, m.risks[jobID])
	sort.Slice(events, func(i, k int) bool {
		if events[i].RiskScore == events[k].RiskScore {
			return events[i].ObjectID < events[k].ObjectID
		}
		return events[i].RiskScore > events[k].RiskScore
	})
	return events, nil
}

func (m *Memory) ListAlerts(_ context.Context, status string, limit int) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	alerts := make([]models.Alert, 0, len(m.alerts))
	for _, al := range m.alerts {
		if status != "" && al.Status != status {
			continue
		}
		alerts = append(alerts, al)
	}
	sort.Slice(alerts, func(i, k int) bool {
		if alerts[i].CreatedAt.Equal(alerts[k].CreatedAt) {
			return alerts[i].ID > alerts[k].ID
		}
		return alerts[i].CreatedAt.After(alerts[k].CreatedAt)
	})
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

func (m *Memory) CountRiskEvents(_ context.Context, jobID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.risks[jobID])), nil
}

func (m *Memory) CountPending(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, j := range m.jobs {
		if j.Status == models.StatusPending {
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audit = append(m.audit, models.AuditLog{
		JobID:    jobID,
		Event:    event,
		Detail:   detail,
		Recorded: time.Now().UTC(),
	})
	return nil
}

func (m *Memory) QueryEvents(_ context.Context, start, end time.Time) ([]models.ApproachEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ApproachEvent
	for _, ev := range m.events {
		if ev.ApproachTime.Before(start) || ev.ApproachTime.After(end) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].ApproachTime.Equal(out[k].ApproachTime) {
			return out[i].ObjectID < out[k].ObjectID
		}
		return out[i].ApproachTime.Before(out[k].ApproachTime)
	})
	return out, nil
}

func (m *Memory) CountEvents(ctx context.Context, start, end time.Time) (int64, error) {
	events, err := m.QueryEvents(ctx, start, end)
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}

func (m *Memory) InsertEvents(_ context.Context, events []models.ApproachEvent) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, ev := range events {
		key := ev.ObjectID + "|" + ev.ApproachTime.UTC().Format(time.RFC3339Nano)
		if _, dup := m.seen[key]; dup {
			continue
		}
		m.seen[key] = struct{}{}
		m.events = append(m.events, ev)
		inserted++
	}
	return inserted, nil
}
