package models

import (
	"fmt"
	"time"
)

// Scan job lifecycle states persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ScanJob is a request to evaluate all close approaches inside a time window
// against a distance threshold. Jobs are never deleted; terminal states
// (succeeded, failed after exhausting attempts) are kept for audit and replay.
type ScanJob struct {
	ID                  string     `json:"id"`
	StartTime           time.Time  `json:"start_time"`
	EndTime             time.Time  `json:"end_time"`
	DistanceThresholdKm float64    `json:"distance_threshold_km"`
	Status              string     `json:"status"`
	AttemptCount        int        `json:"attempt_count"`
	MaxAttempts         int        `json:"max_attempts"`
	LastError           *string    `json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	ClaimedAt           *time.Time `json:"claimed_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the job can no longer transition.
func (j ScanJob) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// ApproachEvent is one close approach of an object relative to Earth, as
// published by the JPL CAD service. Rows are immutable once ingested and are
// read-only to the scan engine.
type ApproachEvent struct {
	ObjectID            string    `json:"object_id"`
	Name                string    `json:"name,omitempty"`
	ApproachTime        time.Time `json:"approach_time"`
	MinDistanceKm       float64   `json:"min_distance_km"`
	RelativeVelocityKmS float64   `json:"relative_velocity_km_s"`
	Source              string    `json:"source,omitempty"`
}

// RiskEvent is one flagged approach produced by a scan job. Exactly one row
// exists per (job, object, approach time); rows are immutable after creation.
type RiskEvent struct {
	ID                  string      `json:"id"`
	JobID               string      `json:"job_id"`
	ObjectID            string      `json:"object_id"`
	ClosestApproachTime time.Time   `json:"closest_approach_time"`
	MinDistanceKm       float64     `json:"min_distance_km"`
	RelativeVelocityKmS float64     `json:"relative_velocity_km_s"`
	RiskScore           float64     `json:"risk_score"`
	Explanation         Explanation `json:"explanation"`
	CreatedAt           time.Time   `json:"created_at"`
}

// Explanation records the inputs and the rule behind a flagged approach so
// the decision can be reconstructed without re-querying the event store.
type Explanation struct {
	Rule                string    `json:"rule"`
	ObjectID            string    `json:"object_id"`
	ApproachTime        time.Time `json:"approach_time"`
	MinDistanceKm       float64   `json:"min_distance_km"`
	RelativeVelocityKmS float64   `json:"relative_velocity_km_s"`
	ThresholdKm         float64   `json:"threshold_km"`
	MarginKm            float64   `json:"margin_km"`
	RiskScore           float64   `json:"risk_score"`
}

// AlertStatusOpen is the state every new alert starts in.
const AlertStatusOpen = "open"

// Alert is an operator-facing notification for a flagged approach. Alerts
// are deduplicated across scans: two jobs flagging the same object in the
// same hour at the same threshold produce one alert, not two.
type Alert struct {
	ID            string    `json:"id"`
	ObjectID      string    `json:"object_id"`
	TCA           time.Time `json:"tca"`
	MinDistanceKm float64   `json:"min_distance_km"`
	RiskScore     float64   `json:"risk_score"`
	Status        string    `json:"status"`
	DedupeKey     string    `json:"dedupe_key"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewAlert derives the alert for a flagged approach. The dedupe key buckets
// the closest-approach time down to its hour so re-scans of an overlapping
// window do not multiply alerts for the same encounter.
func NewAlert(ev RiskEvent, thresholdKm float64) Alert {
	bucket := ev.ClosestApproachTime.UTC().Truncate(time.Hour).Unix()
	return Alert{
		ObjectID:      ev.ObjectID,
		TCA:           ev.ClosestApproachTime,
		MinDistanceKm: ev.MinDistanceKm,
		RiskScore:     ev.RiskScore,
		Status:        AlertStatusOpen,
		DedupeKey:     fmt.Sprintf("%s:%d:%d", ev.ObjectID, bucket, int(thresholdKm)),
	}
}

// AuditLog is a simple audit event row describing a job transition.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
