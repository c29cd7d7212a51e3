package assign

import (
	"fmt"
	"testing"
	"time"

	"github.com/forecastra/abrouter/internal/api"
)

func twoVariantExperiment(shareA, shareB float64) *api.Experiment {
	return &api.Experiment{
		ExperimentID:  "exp-1",
		ModelName:     "demand-classifier",
		SuccessMetric: api.MetricAccuracy,
		Status:        api.StatusActive,
		StartDate:     time.Now(),
		Variants: []api.Variant{
			{VariantID: "variant-a", ModelPath: "models/a.pkl", TrafficPercentage: shareA},
			{VariantID: "variant-b", ModelPath: "models/b.pkl", TrafficPercentage: shareB},
		},
	}
}

func TestBucketDeterminism(t *testing.T) {
	engine := NewEngine()

	first := engine.Bucket("exp-1", "user-42")
	for i := 0; i < 10; i++ {
		if b := engine.Bucket("exp-1", "user-42"); b != first {
			t.Fatalf("bucket not deterministic: got %v, want %v", b, first)
		}
	}

	if first < 0 || first >= 1 {
		t.Errorf("bucket out of range [0,1): %v", first)
	}
}

func TestBucketDependsOnExperiment(t *testing.T) {
	engine := NewEngine()

	// The same user can land in different buckets for different experiments.
	// Check a batch of keys; at least one must differ.
	same := 0
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("user-%d", i)
		if engine.Bucket("exp-1", key) == engine.Bucket("exp-2", key) {
			same++
		}
	}
	if same == 100 {
		t.Error("buckets identical across experiments for all 100 keys")
	}
}

func TestSelectSticky(t *testing.T) {
	engine := NewEngine()
	exp := twoVariantExperiment(60, 40)

	first := engine.Select(exp, "user-42")
	if first == nil {
		t.Fatal("expected a variant")
	}

	for i := 0; i < 20; i++ {
		v := engine.Select(exp, "user-42")
		if v.VariantID != first.VariantID {
			t.Fatalf("sticky assignment violated: got %s, want %s", v.VariantID, first.VariantID)
		}
	}
}

func TestSelectDistribution(t *testing.T) {
	engine := NewEngine()
	exp := twoVariantExperiment(60, 40)

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		v := engine.Select(exp, fmt.Sprintf("user-%d", i))
		counts[v.VariantID]++
	}

	// Within ±3% of configured shares over 10k synthetic keys.
	fracA := float64(counts["variant-a"]) / float64(n)
	fracB := float64(counts["variant-b"]) / float64(n)
	if fracA < 0.57 || fracA > 0.63 {
		t.Errorf("variant-a fraction %.4f outside [0.57, 0.63]", fracA)
	}
	if fracB < 0.37 || fracB > 0.43 {
		t.Errorf("variant-b fraction %.4f outside [0.37, 0.43]", fracB)
	}
}

func TestSelectScenario1000Users(t *testing.T) {
	engine := NewEngine()
	exp := twoVariantExperiment(60, 40)

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		v := engine.Select(exp, fmt.Sprintf("user-%d", i))
		counts[v.VariantID]++
	}

	if a := counts["variant-a"]; a < 560 || a > 640 {
		t.Errorf("variant-a count %d outside [560, 640]", a)
	}
	if b := counts["variant-b"]; b < 360 || b > 440 {
		t.Errorf("variant-b count %d outside [360, 440]", b)
	}
}

func TestPickFallbackToLast(t *testing.T) {
	variants := []api.Variant{
		{VariantID: "a", TrafficPercentage: 33.33},
		{VariantID: "b", TrafficPercentage: 33.33},
		{VariantID: "c", TrafficPercentage: 33.34},
	}

	// Bucket above the last cumulative fraction (possible under rounding
	// drift) must land in the last variant, not the first.
	v := Pick(variants, 0.999999999)
	if v == nil || v.VariantID != "c" {
		t.Errorf("expected fallback to last variant c, got %v", v)
	}
}

func TestPickBoundaries(t *testing.T) {
	variants := []api.Variant{
		{VariantID: "a", TrafficPercentage: 60},
		{VariantID: "b", TrafficPercentage: 40},
	}

	tests := []struct {
		bucket float64
		want   string
	}{
		{0.0, "a"},
		{0.59, "a"},
		{0.60, "a"},
		{0.61, "b"},
		{0.99, "b"},
	}

	for _, tt := range tests {
		if v := Pick(variants, tt.bucket); v.VariantID != tt.want {
			t.Errorf("Pick(bucket=%.2f) = %s, want %s", tt.bucket, v.VariantID, tt.want)
		}
	}
}

func TestPickEmpty(t *testing.T) {
	if v := Pick(nil, 0.5); v != nil {
		t.Errorf("expected nil for empty variant list, got %v", v)
	}
}

func TestKeylessUsesRandomSource(t *testing.T) {
	calls := 0
	engine := NewEngineWithRand(func() float64 {
		calls++
		return 0.75
	})
	exp := twoVariantExperiment(60, 40)

	v := engine.Select(exp, "")
	if calls != 1 {
		t.Errorf("expected 1 rng call, got %d", calls)
	}
	if v.VariantID != "variant-b" {
		t.Errorf("bucket 0.75 should select variant-b, got %s", v.VariantID)
	}
}
