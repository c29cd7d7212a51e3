package aggregate

import (
	"fmt"

	"github.com/forecastra/abrouter/internal/api"
)

// SelectWinner picks the best variant among results that have reached
// minObservations, per the metric's policy: accuracy and user feedback are
// maximized, latency and error rate are minimized. Results must be in
// registry order; ties go to the first qualifying variant encountered.
//
// Returns "" with a nil error when no variant qualifies - "not enough data
// yet" is a normal outcome, not a failure.
func SelectWinner(results []api.ExperimentResult, metric string, minObservations int64) (string, error) {
	switch metric {
	case api.MetricAccuracy, api.MetricLatency, api.MetricErrorRate, api.MetricUserFeedback:
	default:
		return "", fmt.Errorf("%w: %s", api.ErrInvalidMetric, metric)
	}

	winner := ""
	var best float64

	for _, r := range results {
		if r.PredictionsCount < minObservations {
			continue
		}

		// Variants with no feedback samples are excluded from the feedback
		// comparison even when they meet the observation gate.
		if metric == api.MetricUserFeedback && r.FeedbackCount == 0 {
			continue
		}

		score := metricValue(&r, metric)
		if winner == "" || better(metric, score, best) {
			winner = r.VariantID
			best = score
		}
	}

	return winner, nil
}

func metricValue(r *api.ExperimentResult, metric string) float64 {
	switch metric {
	case api.MetricAccuracy:
		return r.Accuracy
	case api.MetricLatency:
		return r.LatencyMs
	case api.MetricErrorRate:
		return r.ErrorRate
	case api.MetricUserFeedback:
		return r.UserFeedbackScore
	}
	return 0
}

// better reports whether score strictly beats best under the metric's
// policy. Strict comparison keeps ties with the earlier variant.
func better(metric string, score, best float64) bool {
	switch metric {
	case api.MetricLatency, api.MetricErrorRate:
		return score < best
	default:
		return score > best
	}
}
