package api

import (
	"fmt"
	"math"
	"time"
)

// Experiment lifecycle states. Stopped and completed are terminal.
const (
	StatusActive    = "active"
	StatusStopped   = "stopped"
	StatusCompleted = "completed"
)

// Success metric selectors for winner determination.
const (
	MetricAccuracy     = "accuracy"
	MetricLatency      = "latency"
	MetricErrorRate    = "error_rate"
	MetricUserFeedback = "user_feedback"
)

// TrafficSumTolerance is the allowed deviation of the variant traffic-share
// sum from 100.
const TrafficSumTolerance = 0.01

// Variant is one model version under test. Immutable once its experiment
// has been created.
type Variant struct {
	VariantID         string            `json:"variant_id"`
	ModelPath         string            `json:"model_path"`
	TrafficPercentage float64           `json:"traffic_percentage"`
	Description       string            `json:"description,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Experiment is a time-bounded comparison between model variants for one
// target model. Mutable fields (Status, Winner, timestamps) are owned by the
// lifecycle manager; callers only ever see copies.
type Experiment struct {
	ExperimentID  string     `json:"experiment_id"`
	ModelName     string     `json:"model_name"`
	Variants      []Variant  `json:"variants"`
	StartDate     time.Time  `json:"start_date"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	SuccessMetric string     `json:"success_metric"`
	Status        string     `json:"status"`
	Winner        string     `json:"winner,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ExperimentResult holds running statistics for one variant. All means are
// incrementally maintained and only defined when the matching count is >0.
// UserFeedbackScore averages over FeedbackCount, not PredictionsCount:
// not every observation carries feedback.
type ExperimentResult struct {
	VariantID         string  `json:"variant_id"`
	PredictionsCount  int64   `json:"predictions_count"`
	Accuracy          float64 `json:"accuracy"`
	LatencyMs         float64 `json:"latency_ms"`
	ErrorRate         float64 `json:"error_rate"`
	FeedbackCount     int64   `json:"feedback_count"`
	UserFeedbackScore float64 `json:"user_feedback_score"`
}

// Observation is a single reported outcome for a variant.
type Observation struct {
	ExperimentID  string    `json:"experiment_id"`
	VariantID     string    `json:"variant_id"`
	Accuracy      float64   `json:"accuracy"`
	LatencyMs     float64   `json:"latency_ms"`
	ErrorOccurred bool      `json:"error_occurred"`
	UserFeedback  *float64  `json:"user_feedback,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Validate checks the structural invariants of an experiment definition.
// It is run once at creation; any later mutation of variant shares must
// re-run it before committing.
func (e *Experiment) Validate() error {
	if e.ExperimentID == "" {
		return &ValidationError{Field: "experiment_id", Message: "experiment_id is required"}
	}
	if e.ModelName == "" {
		return &ValidationError{Field: "model_name", Message: "model_name is required"}
	}
	if len(e.Variants) == 0 {
		return &ValidationError{Field: "variants", Message: "variants cannot be empty"}
	}

	seen := make(map[string]bool, len(e.Variants))
	total := 0.0
	for _, v := range e.Variants {
		if v.VariantID == "" {
			return &ValidationError{Field: "variants", Message: "variant_id is required"}
		}
		if seen[v.VariantID] {
			return &ValidationError{
				Field:   "variants",
				Message: fmt.Sprintf("duplicate variant_id: %s", v.VariantID),
			}
		}
		seen[v.VariantID] = true

		if v.TrafficPercentage < 0 || v.TrafficPercentage > 100 {
			return &ValidationError{
				Field:   "variants",
				Message: fmt.Sprintf("traffic percentage for %s must be in [0,100], got %g", v.VariantID, v.TrafficPercentage),
			}
		}
		total += v.TrafficPercentage
	}

	if math.Abs(total-100.0) > TrafficSumTolerance {
		return &ValidationError{
			Field:   "variants",
			Message: fmt.Sprintf("traffic percentages must sum to 100%%, got %g%%", total),
		}
	}

	switch e.SuccessMetric {
	case MetricAccuracy, MetricLatency, MetricErrorRate, MetricUserFeedback:
	default:
		return &ValidationError{
			Field:   "success_metric",
			Message: fmt.Sprintf("unknown success metric: %s", e.SuccessMetric),
		}
	}

	return nil
}

// FindVariant returns the variant with the given id, or nil.
func (e *Experiment) FindVariant(variantID string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].VariantID == variantID {
			return &e.Variants[i]
		}
	}
	return nil
}

// Terminal reports whether the experiment is in a terminal state.
func (e *Experiment) Terminal() bool {
	return e.Status == StatusStopped || e.Status == StatusCompleted
}

// Expired reports whether the experiment's end date is strictly in the past.
func (e *Experiment) Expired(now time.Time) bool {
	return e.EndDate != nil && now.After(*e.EndDate)
}

// Clone returns a deep copy. The lifecycle manager hands copies to callers
// and mutates copies before persisting, so a failed persist never leaves
// shared state half-applied.
func (e *Experiment) Clone() *Experiment {
	c := *e
	c.Variants = make([]Variant, len(e.Variants))
	for i, v := range e.Variants {
		c.Variants[i] = v
		if v.Metadata != nil {
			md := make(map[string]string, len(v.Metadata))
			for k, val := range v.Metadata {
				md[k] = val
			}
			c.Variants[i].Metadata = md
		}
	}
	if e.EndDate != nil {
		t := *e.EndDate
		c.EndDate = &t
	}
	if e.StoppedAt != nil {
		t := *e.StoppedAt
		c.StoppedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
