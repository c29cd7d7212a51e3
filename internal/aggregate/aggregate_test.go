package aggregate

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/forecastra/abrouter/internal/api"
)

func obs(accuracy, latency float64, errOccurred bool) api.Observation {
	return api.Observation{
		ExperimentID:  "exp-1",
		VariantID:     "variant-a",
		Accuracy:      accuracy,
		LatencyMs:     latency,
		ErrorOccurred: errOccurred,
	}
}

func obsWithFeedback(accuracy, feedback float64) api.Observation {
	o := obs(accuracy, 10, false)
	o.UserFeedback = &feedback
	return o
}

func TestRecordLazyInit(t *testing.T) {
	agg := New()

	if _, ok := agg.Result("exp-1", "variant-a"); ok {
		t.Fatal("expected no result before first observation")
	}

	agg.Record(obs(0.9, 120, false))

	r, ok := agg.Result("exp-1", "variant-a")
	if !ok {
		t.Fatal("expected result after first observation")
	}
	if r.PredictionsCount != 1 {
		t.Errorf("expected 1 prediction, got %d", r.PredictionsCount)
	}
	if r.Accuracy != 0.9 {
		t.Errorf("expected accuracy 0.9, got %v", r.Accuracy)
	}
	if r.LatencyMs != 120 {
		t.Errorf("expected latency 120, got %v", r.LatencyMs)
	}
}

func TestRunningMeanEqualsArithmeticMean(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for _, n := range []int{1, 2, 100} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			agg := New()
			sum := 0.0
			for i := 0; i < n; i++ {
				v := rng.Float64()
				sum += v
				agg.Record(obs(v, v*100, false))
			}

			r, _ := agg.Result("exp-1", "variant-a")
			want := sum / float64(n)
			if math.Abs(r.Accuracy-want) > 1e-9 {
				t.Errorf("running accuracy %v != arithmetic mean %v", r.Accuracy, want)
			}
			if math.Abs(r.LatencyMs-want*100) > 1e-7 {
				t.Errorf("running latency %v != arithmetic mean %v", r.LatencyMs, want*100)
			}
			if r.PredictionsCount != int64(n) {
				t.Errorf("expected %d predictions, got %d", n, r.PredictionsCount)
			}
		})
	}
}

func TestErrorRate(t *testing.T) {
	agg := New()

	// 1 error in 4 observations.
	agg.Record(obs(0.9, 10, true))
	agg.Record(obs(0.9, 10, false))
	agg.Record(obs(0.9, 10, false))
	agg.Record(obs(0.9, 10, false))

	r, _ := agg.Result("exp-1", "variant-a")
	if math.Abs(r.ErrorRate-0.25) > 1e-9 {
		t.Errorf("expected error rate 0.25, got %v", r.ErrorRate)
	}
}

func TestFeedbackUsesSeparateCounter(t *testing.T) {
	agg := New()

	// Three observations, only two carry feedback. The feedback mean must
	// average over 2 samples, not 3.
	agg.Record(obsWithFeedback(0.9, 4.0))
	agg.Record(obs(0.9, 10, false))
	agg.Record(obsWithFeedback(0.9, 5.0))

	r, _ := agg.Result("exp-1", "variant-a")
	if r.PredictionsCount != 3 {
		t.Errorf("expected 3 predictions, got %d", r.PredictionsCount)
	}
	if r.FeedbackCount != 2 {
		t.Errorf("expected 2 feedback samples, got %d", r.FeedbackCount)
	}
	if math.Abs(r.UserFeedbackScore-4.5) > 1e-9 {
		t.Errorf("expected feedback score 4.5, got %v", r.UserFeedbackScore)
	}
}

func TestRecordNotIdempotent(t *testing.T) {
	agg := New()

	same := obs(0.8, 50, false)
	agg.Record(same)
	agg.Record(same)

	r, _ := agg.Result("exp-1", "variant-a")
	if r.PredictionsCount != 2 {
		t.Errorf("expected duplicate observation to count twice, got %d", r.PredictionsCount)
	}
}

func TestSnapshotCopies(t *testing.T) {
	agg := New()
	agg.Record(obs(0.9, 10, false))

	snap := agg.Snapshot("exp-1")
	if len(snap) != 1 {
		t.Fatalf("expected 1 result, got %d", len(snap))
	}

	// Mutating the snapshot must not affect the aggregator.
	r := snap["variant-a"]
	r.Accuracy = 0.0
	snap["variant-a"] = r

	live, _ := agg.Result("exp-1", "variant-a")
	if live.Accuracy != 0.9 {
		t.Errorf("snapshot mutation leaked into aggregator: %v", live.Accuracy)
	}
}

func TestConcurrentRecord(t *testing.T) {
	agg := New()

	var wg sync.WaitGroup
	workers := 10
	perWorker := 100

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			variant := fmt.Sprintf("variant-%d", w%2)
			for i := 0; i < perWorker; i++ {
				agg.Record(api.Observation{
					ExperimentID: "exp-1",
					VariantID:    variant,
					Accuracy:     0.5,
					LatencyMs:    10,
				})
			}
		}(w)
	}
	wg.Wait()

	r0, _ := agg.Result("exp-1", "variant-0")
	r1, _ := agg.Result("exp-1", "variant-1")
	if total := r0.PredictionsCount + r1.PredictionsCount; total != int64(workers*perWorker) {
		t.Errorf("expected %d observations, got %d", workers*perWorker, total)
	}
	if math.Abs(r0.Accuracy-0.5) > 1e-9 {
		t.Errorf("expected accuracy 0.5 under concurrency, got %v", r0.Accuracy)
	}
}
