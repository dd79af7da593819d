package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"neo-scan-engine/internal/apperror"
	"neo-scan-engine/internal/models"
)

func validParams() SubmitParams {
	return SubmitParams{
		StartTime:           time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndTime:             time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		DistanceThresholdKm: 50000,
		MaxAttempts:         3,
	}
}

func draft(objectID string) models.RiskEvent {
	return models.RiskEvent{
		ObjectID:            objectID,
		ClosestApproachTime: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
		MinDistanceKm:       40000,
		RelativeVelocityKmS: 12,
		RiskScore:           0.2,
	}
}

func TestSubmit_Validation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*SubmitParams)
	}{
		{"start_after_end", func(p *SubmitParams) { p.StartTime = p.EndTime.Add(time.Hour) }},
		{"zero_threshold", func(p *SubmitParams) { p.DistanceThresholdKm = 0 }},
		{"negative_threshold", func(p *SubmitParams) { p.DistanceThresholdKm = -1 }},
		{"zero_max_attempts", func(p *SubmitParams) { p.MaxAttempts = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			tc.mutate(&p)
			_, err := m.Submit(ctx, p)
			if apperror.CodeOf(err) != apperror.Validation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	// Rejected submissions create no state.
	n, err := m.CountPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected no pending jobs, got %d", n)
	}

	// start == end is a valid (instantaneous) window.
	p := validParams()
	p.EndTime = p.StartTime
	if _, err := m.Submit(ctx, p); err != nil {
		t.Fatalf("equal start/end should be accepted: %v", err)
	}
}

func TestClaimNext_OldestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.Submit(ctx, validParams())
	if err != nil {
		t.Fatal(err)
	}
	// Force distinct created_at ordering.
	m.jobs[first.ID].CreatedAt = first.CreatedAt.Add(-time.Minute)

	if _, err := m.Submit(ctx, validParams()); err != nil {
		t.Fatal(err)
	}

	claimed, err := m.ClaimNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("expected oldest job %s to be claimed first", first.ID)
	}
	if claimed.Status != models.StatusRunning {
		t.Fatalf("expected running, got %s", claimed.Status)
	}
	if claimed.AttemptCount != 1 {
		t.Fatalf("expected attempt_count 1, got %d", claimed.AttemptCount)
	}
	if claimed.ClaimedAt == nil {
		t.Fatal("expected claimed_at to be set")
	}
}

func TestClaimNext_Empty(t *testing.T) {
	m := NewMemory()
	job, err := m.ClaimNext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("expected nil, got %+v", job)
	}
}

func TestClaimNext_ConcurrentRace(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.Submit(ctx, validParams()); err != nil {
		t.Fatal(err)
	}

	const callers = 64
	var wg sync.WaitGroup
	claims := make(chan *models.ScanJob, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := m.ClaimNext(ctx)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			claims <- job
		}()
	}
	wg.Wait()
	close(claims)

	winners := 0
	for job := range claims {
		if job != nil {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", winners)
	}
}

func TestComplete_SuccessCommitsEventsAtomically(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	job, err := m.Submit(ctx, validParams())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}

	// While running, no risk events are visible.
	risks, err := m.ListRiskEvents(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(risks) != 0 {
		t.Fatalf("expected no visible risk events mid-attempt, got %d", len(risks))
	}

	if err := m.Complete(ctx, job.ID, Succeeded([]models.RiskEvent{draft("a"), draft("b")}, nil)); err != nil {
		t.Fatal(err)
	}

	got, err := m.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}

	risks, err = m.ListRiskEvents(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(risks) != 2 {
		t.Fatalf("expected 2 risk events, got %d", len(risks))
	}
	for _, r := range risks {
		if r.ID == "" || r.JobID != job.ID || r.CreatedAt.IsZero() {
			t.Fatalf("stored risk event missing identity fields: %+v", r)
		}
	}
}

func TestComplete_AlertsDeduped(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	succeed := func(drafts []models.RiskEvent) {
		t.Helper()
		job, err := m.Submit(ctx, validParams())
		if err != nil {
			t.Fatal(err)
		}
		claimed, err := m.ClaimNext(ctx)
		if err != nil || claimed == nil {
			t.Fatalf("claim: %v %v", claimed, err)
		}
		alerts := make([]models.Alert, 0, len(drafts))
		for _, d := range drafts {
			alerts = append(alerts, models.NewAlert(d, 50000))
		}
		if err := m.Complete(ctx, job.ID, Succeeded(drafts, alerts)); err != nil {
			t.Fatal(err)
		}
	}

	// Two jobs flag the same approach: one alert.
	succeed([]models.RiskEvent{draft("a")})
	succeed([]models.RiskEvent{draft("a")})

	alerts, err := m.ListAlerts(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 deduplicated alert, got %d", len(alerts))
	}
	if alerts[0].Status != models.AlertStatusOpen {
		t.Errorf("expected open alert, got %s", alerts[0].Status)
	}
	if alerts[0].ID == "" || alerts[0].CreatedAt.IsZero() {
		t.Errorf("alert missing identity fields: %+v", alerts[0])
	}

	// Same object in a different hour bucket is a distinct alert.
	shifted := draft("a")
	shifted.ClosestApproachTime = shifted.ClosestApproachTime.Add(time.Hour)
	succeed([]models.RiskEvent{shifted})

	alerts, err = m.ListAlerts(ctx, models.AlertStatusOpen, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts across hour buckets, got %d", len(alerts))
	}
}

func TestNewAlert_DedupeKeyBucketsByHour(t *testing.T) {
	a := models.NewAlert(draft("a"), 50000)
	sameHour := draft("a")
	sameHour.ClosestApproachTime = sameHour.ClosestApproachTime.Add(20 * time.Minute)
	b := models.NewAlert(sameHour, 50000)
	if a.DedupeKey != b.DedupeKey {
		t.Fatalf("same hour bucket must share a key: %s vs %s", a.DedupeKey, b.DedupeKey)
	}

	otherThreshold := models.NewAlert(draft("a"), 60000)
	if otherThreshold.DedupeKey == a.DedupeKey {
		t.Fatal("different thresholds must not share a key")
	}

	otherObject := models.NewAlert(draft("b"), 50000)
	if otherObject.DedupeKey == a.DedupeKey {
		t.Fatal("different objects must not share a key")
	}
}

func TestComplete_FailureRetriesThenExhausts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	p := validParams()
	p.MaxAttempts = 3
	job, err := m.Submit(ctx, p)
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("event store unavailable")

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := m.ClaimNext(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if claimed == nil {
			t.Fatalf("attempt %d: expected claimable job", attempt)
		}
		if claimed.AttemptCount != attempt {
			t.Fatalf("attempt %d: got attempt_count %d", attempt, claimed.AttemptCount)
		}
		if err := m.Complete(ctx, job.ID, Failed(boom)); err != nil {
			t.Fatal(err)
		}

		got, _ := m.GetJob(ctx, job.ID)
		if attempt < 3 {
			if got.Status != models.StatusPending {
				t.Fatalf("attempt %d: expected pending, got %s", attempt, got.Status)
			}
			if got.LastError != nil {
				t.Fatalf("attempt %d: last_error set before terminal failure", attempt)
			}
		} else {
			if got.Status != models.StatusFailed {
				t.Fatalf("expected failed after exhaustion, got %s", got.Status)
			}
			if got.LastError == nil || *got.LastError != boom.Error() {
				t.Fatalf("expected last_error %q, got %v", boom.Error(), got.LastError)
			}
			if got.CompletedAt == nil {
				t.Fatal("expected completed_at on terminal failure")
			}
		}
	}

	// attempt_count never exceeds max_attempts: no further claim succeeds.
	next, err := m.ClaimNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if next != nil {
		t.Fatalf("failed job should not be claimable, got %+v", next)
	}
}

func TestComplete_Errors(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Complete(ctx, "nope", Succeeded(nil, nil)); apperror.CodeOf(err) != apperror.NotFound {
		t.Fatalf("expected not-found error, got %v", err)
	}

	job, err := m.Submit(ctx, validParams())
	if err != nil {
		t.Fatal(err)
	}
	// Still pending: completing is a protocol violation.
	if err := m.Complete(ctx, job.ID, Succeeded(nil, nil)); apperror.CodeOf(err) != apperror.InvalidState {
		t.Fatalf("expected invalid-state error, got %v", err)
	}

	if _, err := m.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Complete(ctx, job.ID, Succeeded(nil, nil)); err != nil {
		t.Fatal(err)
	}
	// Terminal states are immutable.
	if err := m.Complete(ctx, job.ID, Failed(errors.New("late"))); apperror.CodeOf(err) != apperror.InvalidState {
		t.Fatalf("expected invalid-state on terminal job, got %v", err)
	}
}

func TestReclaimStale(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	job, err := m.Submit(ctx, validParams())
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := m.ClaimNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil {
		t.Fatal("expected claim")
	}

	// Fresh claims are untouched.
	n, err := m.ReclaimStale(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("fresh claim reclaimed: %d", n)
	}

	// Age the claim past the timeout; the sweep sends it back to pending
	// and no partially-written risk events are visible.
	old := time.Now().Add(-time.Hour)
	m.jobs[job.ID].ClaimedAt = &old

	n, err = m.ReclaimStale(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("expected pending after reclaim, got %s", got.Status)
	}
	risks, _ := m.ListRiskEvents(ctx, job.ID)
	if len(risks) != 0 {
		t.Fatalf("expected no risk events from abandoned attempt, got %d", len(risks))
	}
}

func TestReclaimStale_ExhaustsAttempts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	p := validParams()
	p.MaxAttempts = 1
	job, err := m.Submit(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	m.jobs[job.ID].ClaimedAt = &old

	n, err := m.ReclaimStale(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}

	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed after exhausted stale claim, got %s", got.Status)
	}
	if got.LastError == nil {
		t.Fatal("expected last_error on exhausted stale claim")
	}
}

func TestEventStore_QueryWindowInclusive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	mk := func(id string, at time.Time) models.ApproachEvent {
		return models.ApproachEvent{ObjectID: id, ApproachTime: at, MinDistanceKm: 1, RelativeVelocityKmS: 1}
	}
	inserted, err := m.InsertEvents(ctx, []models.ApproachEvent{
		mk("at_start", start),
		mk("at_end", end),
		mk("inside", start.AddDate(0, 0, 10)),
		mk("before", start.Add(-time.Second)),
		mk("after", end.Add(time.Second)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if inserted != 5 {
		t.Fatalf("expected 5 inserted, got %d", inserted)
	}

	events, err := m.QueryEvents(ctx, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events in closed interval, got %d", len(events))
	}

	// Re-ingesting the same rows is a no-op.
	inserted, err = m.InsertEvents(ctx, []models.ApproachEvent{mk("inside", start.AddDate(0, 0, 10))})
	if err != nil {
		t.Fatal(err)
	}
	if inserted != 0 {
		t.Fatalf("expected duplicate skipped, got %d inserted", inserted)
	}
}
