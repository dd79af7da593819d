package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"neo-scan-engine/internal/apperror"
	"neo-scan-engine/internal/models"
)

// Postgres wraps pgxpool for durable job and event persistence. It
// implements both JobStore and EventStore.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, start_time, end_time, distance_threshold_km, status,
	attempt_count, max_attempts, last_error, created_at, claimed_at, completed_at`

func (s *Postgres) Submit(ctx context.Context, p SubmitParams) (models.ScanJob, error) {
	if err := validateSubmit(p); err != nil {
		return models.ScanJob{}, err
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_jobs (id, start_time, end_time, distance_threshold_km, status, attempt_count, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
	`, id, p.StartTime, p.EndTime, p.DistanceThresholdKm, models.StatusPending, p.MaxAttempts, now)
	if err != nil {
		return models.ScanJob{}, fmt.Errorf("insert scan job: %w", err)
	}

	return models.ScanJob{
		ID:                  id,
		StartTime:           p.StartTime,
		EndTime:             p.EndTime,
		DistanceThresholdKm: p.DistanceThresholdKm,
		Status:              models.StatusPending,
		AttemptCount:        0,
		MaxAttempts:         p.MaxAttempts,
		CreatedAt:           now,
	}, nil
}

func validateSubmit(p SubmitParams) error {
	if p.StartTime.After(p.EndTime) {
		return apperror.New(apperror.Validation, "start_time must not be after end_time")
	}
	if p.DistanceThresholdKm <= 0 {
		return apperror.New(apperror.Validation, "distance_threshold_km must be positive")
	}
	if p.MaxAttempts <= 0 {
		return apperror.New(apperror.Validation, "max_attempts must be positive")
	}
	return nil
}

// ClaimNext claims the oldest pending job in a single conditional update,
// so two workers can never both observe a job as pending and run it. SKIP
// LOCKED keeps concurrent claimers from serializing on the same row.
func (s *Postgres) ClaimNext(ctx context.Context) (*models.ScanJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE scan_jobs
		SET status = $1, claimed_at = NOW(), attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM scan_jobs
			WHERE status = $2
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		models.StatusRunning, models.StatusPending)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return &job, nil
}

func (s *Postgres) Complete(ctx context.Context, jobID string, outcome Outcome) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var status string
	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT status, attempt_count, max_attempts FROM scan_jobs WHERE id = $1 FOR UPDATE
	`, jobID).Scan(&status, &attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperror.Newf(apperror.NotFound, "scan job %s not found", jobID)
	}
	if err != nil {
		return fmt.Errorf("lock job row: %w", err)
	}
	if status != models.StatusRunning {
		return apperror.Newf(apperror.InvalidState, "scan job %s is %s, not running", jobID, status)
	}

	if outcome.Err == nil {
		for _, ev := range outcome.Events {
			expl, err := json.Marshal(ev.Explanation)
			if err != nil {
				return fmt.Errorf("marshal explanation: %w", err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO risk_events (id, job_id, object_id, closest_approach_time, min_distance_km, relative_velocity_km_s, risk_score, explanation, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
			`, uuid.New().String(), jobID, ev.ObjectID, ev.ClosestApproachTime, ev.MinDistanceKm, ev.RelativeVelocityKmS, ev.RiskScore, expl)
			if err != nil {
				return fmt.Errorf("insert risk event: %w", err)
			}
		}
		for _, al := range outcome.Alerts {
			_, err = tx.Exec(ctx, `
				INSERT INTO alerts (id, object_id, tca, min_distance_km, risk_score, status, dedupe_key, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
				ON CONFLICT (dedupe_key) DO NOTHING
			`, uuid.New().String(), al.ObjectID, al.TCA, al.MinDistanceKm, al.RiskScore, al.Status, al.DedupeKey)
			if err != nil {
				return fmt.Errorf("insert alert: %w", err)
			}
		}
		_, err = tx.Exec(ctx, `
			UPDATE scan_jobs SET status = $2, completed_at = NOW(), last_error = NULL, updated_at = NOW() WHERE id = $1
		`, jobID, models.StatusSucceeded)
		if err != nil {
			return fmt.Errorf("mark succeeded: %w", err)
		}
	} else if attempts < maxAttempts {
		// Attempts remain: back to pending for re-claim. The error itself
		// goes to logs and the audit trail, not job state.
		_, err = tx.Exec(ctx, `
			UPDATE scan_jobs SET status = $2, updated_at = NOW() WHERE id = $1
		`, jobID, models.StatusPending)
		if err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE scan_jobs SET status = $2, last_error = $3, completed_at = NOW(), updated_at = NOW() WHERE id = $1
		`, jobID, models.StatusFailed, outcome.Err.Error())
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Postgres) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Exhausted jobs first, then the remainder back to pending. Both updates
	// share the cutoff predicate, so each stale row is handled exactly once.
	exhausted, err := tx.Exec(ctx, `
		UPDATE scan_jobs SET status = $1, last_error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE status = $3 AND claimed_at < $4 AND attempt_count >= max_attempts
	`, models.StatusFailed, staleClaimDetail, models.StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fail exhausted stale jobs: %w", err)
	}

	requeued, err := tx.Exec(ctx, `
		UPDATE scan_jobs SET status = $1, updated_at = NOW()
		WHERE status = $2 AND claimed_at < $3
	`, models.StatusPending, models.StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(exhausted.RowsAffected() + requeued.RowsAffected()), nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (models.ScanJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scan_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScanJob{}, apperror.Newf(apperror.NotFound, "scan job %s not found", id)
	}
	if err != nil {
		return models.ScanJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Postgres) ListJobs(ctx context.Context, status string, limit int) ([]models.ScanJob, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM scan_jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.ScanJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Postgres) ListRiskEvents(ctx context.Context, jobID string) ([]models.RiskEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, object_id, closest_approach_time, min_distance_km, relative_velocity_km_s, risk_score, explanation, created_at
		FROM risk_events WHERE job_id = $1
		ORDER BY risk_score DESC, object_id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list risk events: %w", err)
	}
	defer rows.Close()

	var events []models.RiskEvent
	for rows.Next() {
		var ev models.RiskEvent
		var expl []byte
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.ObjectID, &ev.ClosestApproachTime,
			&ev.MinDistanceKm, &ev.RelativeVelocityKmS, &ev.RiskScore, &expl, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan risk event: %w", err)
		}
		if err := json.Unmarshal(expl, &ev.Explanation); err != nil {
			return nil, fmt.Errorf("unmarshal explanation: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Postgres) ListAlerts(ctx context.Context, status string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, object_id, tca, min_distance_km, risk_score, status, dedupe_key, created_at FROM alerts`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var al models.Alert
		if err := rows.Scan(&al.ID, &al.ObjectID, &al.TCA, &al.MinDistanceKm,
			&al.RiskScore, &al.Status, &al.DedupeKey, &al.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, al)
	}
	return alerts, rows.Err()
}

func (s *Postgres) CountRiskEvents(ctx context.Context, jobID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM risk_events WHERE job_id = $1`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count risk events: %w", err)
	}
	return n, nil
}

func (s *Postgres) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM scan_jobs WHERE status = $1`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

func (s *Postgres) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_job_audit (job_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

func (s *Postgres) QueryEvents(ctx context.Context, start, end time.Time) ([]models.ApproachEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT object_id, name, approach_time, min_distance_km, relative_velocity_km_s, source
		FROM approach_events
		WHERE approach_time >= $1 AND approach_time <= $2
		ORDER BY approach_time ASC, object_id ASC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query approach events: %w", err)
	}
	defer rows.Close()

	var events []models.ApproachEvent
	for rows.Next() {
		var ev models.ApproachEvent
		var name pgtype.Text
		if err := rows.Scan(&ev.ObjectID, &name, &ev.ApproachTime, &ev.MinDistanceKm, &ev.RelativeVelocityKmS, &ev.Source); err != nil {
			return nil, fmt.Errorf("scan approach event: %w", err)
		}
		if name.Valid {
			ev.Name = name.String
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Postgres) CountEvents(ctx context.Context, start, end time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM approach_events WHERE approach_time >= $1 AND approach_time <= $2
	`, start, end).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count approach events: %w", err)
	}
	return n, nil
}

func (s *Postgres) InsertEvents(ctx context.Context, events []models.ApproachEvent) (int, error) {
	inserted := 0
	for _, ev := range events {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO approach_events (object_id, name, approach_time, min_distance_km, relative_velocity_km_s, source)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT ON CONSTRAINT uq_approach DO NOTHING
		`, ev.ObjectID, emptyToNil(ev.Name), ev.ApproachTime, ev.MinDistanceKm, ev.RelativeVelocityKmS, ev.Source)
		if err != nil {
			return inserted, fmt.Errorf("insert approach event %s: %w", ev.ObjectID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// rowScanner lets scanJob work for both QueryRow and Query results.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.ScanJob, error) {
	var job models.ScanJob
	var lastErr pgtype.Text
	var claimedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.StartTime, &job.EndTime, &job.DistanceThresholdKm,
		&job.Status, &job.AttemptCount, &job.MaxAttempts, &lastErr,
		&job.CreatedAt, &claimedAt, &completedAt)
	if err != nil {
		return models.ScanJob{}, err
	}

	job.LastError = textPtr(lastErr)
	job.ClaimedAt = timePtr(claimedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
