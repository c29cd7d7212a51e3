package lifecycle

import (
	"github.com/forecastra/abrouter/internal/api"
)

// Summary bundles an experiment with its live results and the current
// winner per the experiment's configured success metric.
type Summary struct {
	Experiment *api.Experiment        `json:"experiment"`
	Results    []api.ExperimentResult `json:"results"`
	Winner     string                 `json:"winner,omitempty"`
}

// Summary returns a point-in-time view of one experiment. The winner field
// is empty while no variant has reached DefaultMinObservations.
func (m *Manager) Summary(experimentID string) (*Summary, error) {
	exp, err := m.GetExperiment(experimentID)
	if err != nil {
		return nil, err
	}

	results, err := m.Results(experimentID)
	if err != nil {
		return nil, err
	}

	winner, err := m.SelectWinner(experimentID, exp.SuccessMetric, DefaultMinObservations)
	if err != nil {
		return nil, err
	}

	// A completed experiment's recorded winner takes precedence over the
	// live computation.
	if exp.Winner != "" {
		winner = exp.Winner
	}

	return &Summary{
		Experiment: exp,
		Results:    results,
		Winner:     winner,
	}, nil
}
