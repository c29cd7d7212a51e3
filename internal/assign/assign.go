package assign

import (
	"crypto/sha256"
	"fmt"
	"math/rand"

	"github.com/forecastra/abrouter/internal/api"
)

// Engine maps (experiment, requester) pairs to variants. Keyed assignment is
// deterministic: the same requester always lands in the same variant for the
// life of the experiment, independent of call order or process restarts.
// Keyless assignment draws from a uniform random source (non-sticky,
// acceptable for anonymous traffic).
type Engine struct {
	// rng is only used for keyless assignment. Swappable for tests.
	rng func() float64
}

// NewEngine creates an assignment engine.
func NewEngine() *Engine {
	return &Engine{rng: rand.Float64}
}

// NewEngineWithRand creates an engine with a custom random source for
// keyless bucketing.
func NewEngineWithRand(rng func() float64) *Engine {
	return &Engine{rng: rng}
}

// Bucket derives a bucket value in [0,1) for a requester. Keyed buckets are
// a consistent hash of (experimentID, requesterKey) reduced mod 100.
func (e *Engine) Bucket(experimentID, requesterKey string) float64 {
	if requesterKey == "" {
		return e.rng()
	}
	return float64(hashString(experimentID+":"+requesterKey)%100) / 100.0
}

// Pick walks the variants in stored order, accumulating traffic share as a
// cumulative fraction, and returns the first variant whose cumulative
// fraction reaches the bucket value. If rounding drift leaves the bucket
// above the final cumulative fraction, the LAST variant is returned rather
// than the first, so floating-point error never systematically favors the
// head of the list.
func Pick(variants []api.Variant, bucket float64) *api.Variant {
	if len(variants) == 0 {
		return nil
	}

	cumulative := 0.0
	for i := range variants {
		cumulative += variants[i].TrafficPercentage / 100.0
		if bucket <= cumulative {
			return &variants[i]
		}
	}

	return &variants[len(variants)-1]
}

// Select assigns a variant for a requester against an experiment's variant
// set. Pure: no side effects, no locks.
func (e *Engine) Select(exp *api.Experiment, requesterKey string) *api.Variant {
	return Pick(exp.Variants, e.Bucket(exp.ExperimentID, requesterKey))
}

// hashString computes a consistent hash for bucketing.
func hashString(s string) uint64 {
	hash := sha256.Sum256([]byte(s))
	var result uint64
	for i := 0; i < 8; i++ {
		result = (result << 8) | uint64(hash[i])
	}
	return result
}

// BucketKey formats the cache key for memoized assignments.
func BucketKey(experimentID, requesterKey string) string {
	return fmt.Sprintf("%s:%s", experimentID, requesterKey)
}
