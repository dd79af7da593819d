package risk

import (
	"neo-scan-engine/internal/models"
)

// RuleWithinThreshold is the single flagging rule of the MVP policy: an
// approach is flagged when its minimum distance is at or inside the job's
// threshold (inclusive boundary).
const RuleWithinThreshold = "min_distance_within_threshold"

// velocityHalfScaleKmS sets where the velocity boost reaches half strength.
// Typical NEO relative velocities sit between 5 and 40 km/s.
const velocityHalfScaleKmS = 20.0

// velocityFloor is the share of the proximity score kept at zero relative
// velocity; the remainder scales with velocity.
const velocityFloor = 0.75

// ScoreFunc maps a flagged approach to a score in [0, 1]. Implementations
// must be pure, total (no NaN or division by zero for valid inputs),
// monotonic in (thresholdKm - minDistanceKm), and non-decreasing in
// relVelocityKmS.
type ScoreFunc func(thresholdKm, minDistanceKm, relVelocityKmS float64) float64

// DefaultScore scores by normalized proximity, boosted by a bounded velocity
// factor. At zero velocity the score is velocityFloor * proximity; as
// velocity grows the score approaches the proximity itself. Result is
// clamped to [0, 1].
func DefaultScore(thresholdKm, minDistanceKm, relVelocityKmS float64) float64 {
	if thresholdKm <= 0 {
		return 0
	}
	proximity := (thresholdKm - minDistanceKm) / thresholdKm
	proximity = clamp01(proximity)

	if relVelocityKmS < 0 {
		relVelocityKmS = 0
	}
	velocity := relVelocityKmS / (relVelocityKmS + velocityHalfScaleKmS)

	return clamp01(proximity * (velocityFloor + (1-velocityFloor)*velocity))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Evaluator turns close-approach events into risk-event drafts. It holds no
// state beyond the scoring policy and performs no I/O, so evaluating the
// same event twice yields identical drafts.
type Evaluator struct {
	score ScoreFunc
}

// New builds an evaluator; a nil score falls back to DefaultScore.
func New(score ScoreFunc) *Evaluator {
	if score == nil {
		score = DefaultScore
	}
	return &Evaluator{score: score}
}

// Evaluate applies the distance policy to one event. It returns false when
// the event is not a close approach under the threshold; the boundary case
// min_distance == threshold is flagged.
func (e *Evaluator) Evaluate(ev models.ApproachEvent, thresholdKm float64) (models.RiskEvent, bool) {
	if ev.MinDistanceKm > thresholdKm {
		return models.RiskEvent{}, false
	}

	score := e.score(thresholdKm, ev.MinDistanceKm, ev.RelativeVelocityKmS)

	return models.RiskEvent{
		ObjectID:            ev.ObjectID,
		ClosestApproachTime: ev.ApproachTime,
		MinDistanceKm:       ev.MinDistanceKm,
		RelativeVelocityKmS: ev.RelativeVelocityKmS,
		RiskScore:           score,
		Explanation: models.Explanation{
			Rule:                RuleWithinThreshold,
			ObjectID:            ev.ObjectID,
			ApproachTime:        ev.ApproachTime,
			MinDistanceKm:       ev.MinDistanceKm,
			RelativeVelocityKmS: ev.RelativeVelocityKmS,
			ThresholdKm:         thresholdKm,
			MarginKm:            thresholdKm - ev.MinDistanceKm,
			RiskScore:           score,
		},
	}, true
}
