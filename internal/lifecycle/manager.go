package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/forecastra/abrouter/internal/aggregate"
	"github.com/forecastra/abrouter/internal/api"
	"github.com/forecastra/abrouter/internal/assign"
	"github.com/forecastra/abrouter/internal/store"
	"github.com/forecastra/abrouter/internal/wal"
)

// DefaultMinObservations gates winner determination: variants below this
// observation count are not compared.
const DefaultMinObservations = 100

// Manager owns all Experiment objects and drives the lifecycle state
// machine: active -> stopped (explicit stop or lazy expiry) and
// active -> completed (promotion). Terminal states are never left.
//
// Reads (SelectVariant, Results) take only the registry read lock. Mutations
// (create/stop/promote) serialize on persistMu, mutate a copied snapshot,
// persist it through the Store, and only then commit to memory - a failed
// persist rolls back by never committing, so memory and durable state cannot
// diverge. Store I/O always happens with no in-memory lock held.
type Manager struct {
	mu          sync.RWMutex
	experiments map[string]*api.Experiment

	persistMu sync.Mutex

	store  store.Store
	engine *assign.Engine
	agg    *aggregate.Aggregator
	oblog  *wal.ObservationWAL // optional; nil disables observation logging

	now func() time.Time
}

// NewManager creates a lifecycle manager over the given store.
func NewManager(st store.Store, engine *assign.Engine, agg *aggregate.Aggregator) *Manager {
	return &Manager{
		experiments: make(map[string]*api.Experiment),
		store:       st,
		engine:      engine,
		agg:         agg,
		now:         time.Now,
	}
}

// SetObservationWAL attaches a write-ahead log for recorded observations.
// When set, every observation is logged durably before it is folded into
// the aggregator, and Replay can rebuild the aggregator after a restart.
func (m *Manager) SetObservationWAL(oblog *wal.ObservationWAL) {
	m.oblog = oblog
}

// Load reads the persisted experiment registry into memory. Call once at
// startup before serving.
func (m *Manager) Load(ctx context.Context) error {
	experiments, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: load registry: %v", api.ErrStorage, err)
	}

	m.mu.Lock()
	m.experiments = experiments
	m.mu.Unlock()
	return nil
}

// CreateExperiment validates and atomically registers a new experiment in
// the active state. No state is mutated on validation failure, duplicate id
// (ErrAlreadyExists), or persistence failure (ErrStorage).
func (m *Manager) CreateExperiment(ctx context.Context, experimentID, modelName string, variants []api.Variant, startDate time.Time, endDate *time.Time, successMetric string) (*api.Experiment, error) {
	exp := &api.Experiment{
		ExperimentID:  experimentID,
		ModelName:     modelName,
		Variants:      variants,
		StartDate:     startDate,
		EndDate:       endDate,
		SuccessMetric: successMetric,
		Status:        api.StatusActive,
		CreatedAt:     m.now().UTC(),
	}
	if err := exp.Validate(); err != nil {
		return nil, err
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	_, exists := m.experiments[experimentID]
	candidate := m.snapshotLocked()
	m.mu.RUnlock()

	if exists {
		return nil, fmt.Errorf("%w: %s", api.ErrAlreadyExists, experimentID)
	}

	candidate[experimentID] = exp.Clone()
	if err := m.store.SaveAll(ctx, candidate); err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrStorage, err)
	}

	m.mu.Lock()
	m.experiments[experimentID] = exp
	m.mu.Unlock()

	return exp.Clone(), nil
}

// SelectVariant returns the variant that should serve a request, or
// (nil, nil) when routing is not applicable: unknown experiment, non-active
// state, or an end date in the past. Expired experiments are transitioned to
// stopped as a side effect (lazy expiry).
//
// With a requesterKey the assignment is deterministic and sticky; without
// one the bucket is drawn from a uniform random source.
func (m *Manager) SelectVariant(ctx context.Context, experimentID, requesterKey string) (*api.Variant, error) {
	m.mu.RLock()
	exp, ok := m.experiments[experimentID]
	if !ok || exp.Status != api.StatusActive {
		m.mu.RUnlock()
		return nil, nil
	}

	if exp.Expired(m.now()) {
		m.mu.RUnlock()
		// Lazy expiry. Routing is not applicable regardless of whether the
		// stop persists; a failed persist leaves the experiment active so
		// the next call retries the transition.
		if err := m.StopExperiment(ctx, experimentID); err != nil {
			log.Printf("lazy expiry of %s failed: %v", experimentID, err)
		}
		return nil, nil
	}

	selected := m.engine.Select(exp, requesterKey)
	m.mu.RUnlock()

	if selected == nil {
		return nil, nil
	}
	// Hand back a copy; callers never hold references into the registry.
	v := *selected
	return &v, nil
}

// RecordObservation folds one outcome into the variant's running
// statistics. Fails with ErrNotFound for unknown experiments or variants.
// Not idempotent: duplicate observations count twice; de-duplication of
// observation identity is the caller's concern.
func (m *Manager) RecordObservation(ctx context.Context, experimentID, variantID string, accuracy, latencyMs float64, errorOccurred bool, userFeedback *float64) error {
	m.mu.RLock()
	exp, ok := m.experiments[experimentID]
	if ok {
		ok = exp.FindVariant(variantID) != nil
	}
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: experiment %s variant %s", api.ErrNotFound, experimentID, variantID)
	}

	obs := api.Observation{
		ExperimentID:  experimentID,
		VariantID:     variantID,
		Accuracy:      accuracy,
		LatencyMs:     latencyMs,
		ErrorOccurred: errorOccurred,
		UserFeedback:  userFeedback,
		RecordedAt:    m.now().UTC(),
	}

	// Log before folding so replay reproduces exactly the recorded stream.
	if m.oblog != nil {
		if err := m.oblog.Append(obs); err != nil {
			return fmt.Errorf("%w: observation wal: %v", api.ErrStorage, err)
		}
	}

	m.agg.Record(obs)
	return nil
}

// Restore folds a replayed observation into the aggregator without touching
// the WAL. Used when rebuilding state from the observation log at startup.
func (m *Manager) Restore(obs api.Observation) {
	m.agg.Record(obs)
}

// Results returns a read-only snapshot of the experiment's recorded results
// in registry variant order. Variants with no observations yet are absent.
func (m *Manager) Results(experimentID string) ([]api.ExperimentResult, error) {
	m.mu.RLock()
	exp, ok := m.experiments[experimentID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: experiment %s", api.ErrNotFound, experimentID)
	}

	snapshot := m.agg.Snapshot(experimentID)
	results := make([]api.ExperimentResult, 0, len(snapshot))
	for _, v := range exp.Variants {
		if r, ok := snapshot[v.VariantID]; ok {
			results = append(results, r)
		}
	}
	return results, nil
}

// SelectWinner determines the best variant per the metric among variants
// with at least minObservations. Returns "" when no variant qualifies yet.
func (m *Manager) SelectWinner(experimentID, metric string, minObservations int64) (string, error) {
	results, err := m.Results(experimentID)
	if err != nil {
		return "", err
	}
	return aggregate.SelectWinner(results, metric, minObservations)
}

// StopExperiment transitions active -> stopped. Stopping an already
// terminal experiment is a no-op; state never moves backward.
func (m *Manager) StopExperiment(ctx context.Context, experimentID string) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	exp, ok := m.experiments[experimentID]
	if ok && exp.Terminal() {
		m.mu.RUnlock()
		return nil
	}
	candidate := m.snapshotLocked()
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: experiment %s", api.ErrNotFound, experimentID)
	}

	stoppedAt := m.now().UTC()
	next := candidate[experimentID]
	next.Status = api.StatusStopped
	next.StoppedAt = &stoppedAt

	if err := m.store.SaveAll(ctx, candidate); err != nil {
		return fmt.Errorf("%w: %v", api.ErrStorage, err)
	}

	m.mu.Lock()
	m.experiments[experimentID] = next
	m.mu.Unlock()
	return nil
}

// PromoteVariant completes an experiment with the given variant as winner
// and returns the variant's model reference for the caller to perform the
// actual traffic cutover. Fails with ErrNotFound when the experiment or
// variant does not exist and with ErrTerminal when the experiment has
// already been stopped or completed.
func (m *Manager) PromoteVariant(ctx context.Context, experimentID, variantID string) (string, error) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	exp, ok := m.experiments[experimentID]
	candidate := m.snapshotLocked()
	m.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: experiment %s", api.ErrNotFound, experimentID)
	}
	variant := exp.FindVariant(variantID)
	if variant == nil {
		return "", fmt.Errorf("%w: variant %s in experiment %s", api.ErrNotFound, variantID, experimentID)
	}
	if exp.Terminal() {
		return "", fmt.Errorf("%w: %s is %s", api.ErrTerminal, experimentID, exp.Status)
	}

	completedAt := m.now().UTC()
	next := candidate[experimentID]
	next.Status = api.StatusCompleted
	next.Winner = variantID
	next.CompletedAt = &completedAt

	if err := m.store.SaveAll(ctx, candidate); err != nil {
		return "", fmt.Errorf("%w: %v", api.ErrStorage, err)
	}

	m.mu.Lock()
	m.experiments[experimentID] = next
	m.mu.Unlock()

	return variant.ModelPath, nil
}

// GetExperiment returns a copy of one experiment.
func (m *Manager) GetExperiment(experimentID string) (*api.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exp, ok := m.experiments[experimentID]
	if !ok {
		return nil, fmt.Errorf("%w: experiment %s", api.ErrNotFound, experimentID)
	}
	return exp.Clone(), nil
}

// ListExperiments returns copies of every registered experiment.
func (m *Manager) ListExperiments() []*api.Experiment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*api.Experiment, 0, len(m.experiments))
	for _, exp := range m.experiments {
		out = append(out, exp.Clone())
	}
	return out
}

// snapshotLocked copies the registry map with cloned values. Callers must
// hold at least the read lock.
func (m *Manager) snapshotLocked() map[string]*api.Experiment {
	out := make(map[string]*api.Experiment, len(m.experiments))
	for id, exp := range m.experiments {
		out[id] = exp.Clone()
	}
	return out
}
