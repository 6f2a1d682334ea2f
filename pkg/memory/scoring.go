package memory

import (
	"math"
	"time"

	"github.com/engramlabs/engram/pkg/config"
	"github.com/engramlabs/engram/pkg/types"
)

// Scorer computes episode relevance scores. All terms live in [0,1] and the
// weights sum to 1, so the score is itself bounded to [0,1].
type Scorer struct {
	weights config.ScoreWeights
	tau     time.Duration
}

// NewScorer builds a scorer from the configured weights and recency window.
func NewScorer(weights config.ScoreWeights, tau time.Duration) *Scorer {
	if tau <= 0 {
		tau = 30 * 24 * time.Hour
	}
	return &Scorer{weights: weights, tau: tau}
}

// Score computes the weighted relevance of an episode at the given instant.
//
//	score = w_s·success + w_i·importance + w_r·exp(-Δt/τ) + w_u·utility
//
// Utility saturates with the number of semantic patterns derived from the
// episode: 1 - exp(-derived/2).
func (s *Scorer) Score(e *types.Episode, now time.Time) float64 {
	success := 0.0
	if e.Success {
		success = 1.0
	}

	age := now.Sub(e.CreatedAt)
	if age < 0 {
		age = 0
	}
	recency := math.Exp(-float64(age) / float64(s.tau))

	utility := 1 - math.Exp(-float64(e.DerivedPatterns)/2)

	return s.weights.Success*success +
		s.weights.Importance*clamp01(e.Importance) +
		s.weights.Recency*recency +
		s.weights.Utility*utility
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
