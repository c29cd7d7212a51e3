package aggregate

import (
	"sync"

	"github.com/forecastra/abrouter/internal/api"
)

// Aggregator maintains running statistics per (experiment, variant), updated
// one observation at a time. Each update is an O(1) incremental
// recomputation equal to the arithmetic mean over all observations so far.
//
// Locking is per (experiment, variant): updates to different variants never
// contend. Reads return copies, never live counters.
type Aggregator struct {
	mu      sync.RWMutex
	results map[resultKey]*lockedResult
}

type resultKey struct {
	experimentID string
	variantID    string
}

type lockedResult struct {
	mu     sync.Mutex
	result api.ExperimentResult
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{
		results: make(map[resultKey]*lockedResult),
	}
}

// Record folds one observation into the variant's running statistics.
// The result is created lazily on the first observation. Record is NOT
// idempotent: the same logical observation recorded twice counts twice.
func (a *Aggregator) Record(obs api.Observation) {
	lr := a.getOrCreate(obs.ExperimentID, obs.VariantID)

	lr.mu.Lock()
	defer lr.mu.Unlock()

	r := &lr.result
	n := float64(r.PredictionsCount)

	r.Accuracy = (r.Accuracy*n + obs.Accuracy) / (n + 1)
	r.LatencyMs = (r.LatencyMs*n + obs.LatencyMs) / (n + 1)

	// Error rate: 1.0/0.0 contribution per observation under the same
	// incremental-mean formula.
	errContribution := 0.0
	if obs.ErrorOccurred {
		errContribution = 1.0
	}
	r.ErrorRate = (r.ErrorRate*n + errContribution) / (n + 1)

	r.PredictionsCount++

	// Feedback averages over its own sample count; observations without
	// feedback do not dilute the feedback mean.
	if obs.UserFeedback != nil {
		fn := float64(r.FeedbackCount)
		r.UserFeedbackScore = (r.UserFeedbackScore*fn + *obs.UserFeedback) / (fn + 1)
		r.FeedbackCount++
	}
}

// Result returns a copy of one variant's running statistics and whether any
// observation has been recorded for it.
func (a *Aggregator) Result(experimentID, variantID string) (api.ExperimentResult, bool) {
	a.mu.RLock()
	lr, ok := a.results[resultKey{experimentID, variantID}]
	a.mu.RUnlock()
	if !ok {
		return api.ExperimentResult{}, false
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.result, true
}

// Snapshot returns copies of all recorded results for an experiment, keyed
// by variant id. Each copy is taken under that variant's lock, so a snapshot
// never observes a counter mid-increment.
func (a *Aggregator) Snapshot(experimentID string) map[string]api.ExperimentResult {
	a.mu.RLock()
	keys := make([]resultKey, 0, 4)
	for k := range a.results {
		if k.experimentID == experimentID {
			keys = append(keys, k)
		}
	}
	a.mu.RUnlock()

	out := make(map[string]api.ExperimentResult, len(keys))
	for _, k := range keys {
		if r, ok := a.Result(k.experimentID, k.variantID); ok {
			out[k.variantID] = r
		}
	}
	return out
}

func (a *Aggregator) getOrCreate(experimentID, variantID string) *lockedResult {
	key := resultKey{experimentID, variantID}

	a.mu.RLock()
	lr, ok := a.results[key]
	a.mu.RUnlock()
	if ok {
		return lr
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if lr, ok = a.results[key]; ok {
		return lr
	}
	lr = &lockedResult{result: api.ExperimentResult{VariantID: variantID}}
	a.results[key] = lr
	return lr
}
