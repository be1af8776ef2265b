package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"variantlab/domain/core"
	"variantlab/domain/experiment"
	"variantlab/domain/tracking"
	"variantlab/domain/variant"
	"variantlab/internal/errors"
	"variantlab/ports"
)

var _ ports.Store = (*Store)(nil)

// Store keeps all engine state in process memory behind one lock.
// Every mutation validates fully before writing so rejected operations leave
// no partial state behind.
type Store struct {
	mu sync.RWMutex

	variants    map[core.VariantID]variant.Variant
	performance map[core.VariantID]map[variant.Scope]variant.Performance

	experiments map[core.ExperimentID]*experiment.Experiment
	assignments map[core.ExperimentID]map[core.ParticipantID]experiment.Assignment
	tallies     map[core.ExperimentID]map[core.VariantID]tracking.Tally

	events []tracking.Event
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		variants:    make(map[core.VariantID]variant.Variant),
		performance: make(map[core.VariantID]map[variant.Scope]variant.Performance),
		experiments: make(map[core.ExperimentID]*experiment.Experiment),
		assignments: make(map[core.ExperimentID]map[core.ParticipantID]experiment.Assignment),
		tallies:     make(map[core.ExperimentID]map[core.VariantID]tracking.Tally),
	}
}

// Register implements ports.VariantRepository
func (s *Store) Register(ctx context.Context, v variant.Variant, bootstrap variant.Delta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.variants[v.ID]; ok {
		return false, nil
	}
	initial, err := variant.Performance{}.Apply(bootstrap)
	if err != nil {
		return false, err
	}
	v.Dimensions = v.Dimensions.Clone()
	s.variants[v.ID] = v
	s.performance[v.ID] = map[variant.Scope]variant.Performance{variant.GlobalScope: initial}
	return true, nil
}

// GetVariant implements ports.VariantRepository
func (s *Store) GetVariant(ctx context.Context, id core.VariantID, scope variant.Scope) (*variant.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.variants[id]
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("variant %s", id))
	}
	rec := s.record(v, scope)
	return &rec, nil
}

// ListVariants implements ports.VariantRepository
func (s *Store) ListVariants(ctx context.Context, filter variant.Filter) ([]variant.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scope := filter.Scope()
	out := make([]variant.Record, 0, len(s.variants))
	for _, v := range s.variants {
		out = append(out, s.record(v, scope))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Increment implements ports.VariantRepository
func (s *Store) Increment(ctx context.Context, id core.VariantID, scopes []variant.Scope, delta variant.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.prepareIncrement(id, scopes, delta)
	if err != nil {
		return err
	}
	s.commitIncrement(id, next)
	return nil
}

// Count implements ports.VariantRepository
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.variants), nil
}

func (s *Store) record(v variant.Variant, scope variant.Scope) variant.Record {
	v.Dimensions = v.Dimensions.Clone()
	return variant.Record{
		Variant:     v,
		Scope:       scope,
		Performance: s.performance[v.ID][scope],
	}
}

// prepareIncrement computes the post-delta counters for every scope without writing
func (s *Store) prepareIncrement(id core.VariantID, scopes []variant.Scope, delta variant.Delta) (map[variant.Scope]variant.Performance, error) {
	if _, ok := s.variants[id]; !ok {
		return nil, errors.NotFound(fmt.Sprintf("variant %s", id))
	}
	next := make(map[variant.Scope]variant.Performance, len(scopes))
	for _, scope := range scopes {
		if _, dup := next[scope]; dup {
			continue
		}
		p, err := s.performance[id][scope].ApplyIn(scope, delta)
		if err != nil {
			return nil, errors.Wrapf(err, "variant %s scope %s", id, scope.Key())
		}
		next[scope] = p
	}
	return next, nil
}

func (s *Store) commitIncrement(id core.VariantID, next map[variant.Scope]variant.Performance) {
	for scope, p := range next {
		s.performance[id][scope] = p
	}
}

// Create implements ports.ExperimentRepository
func (s *Store) Create(ctx context.Context, exp *experiment.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiments[exp.ID]; ok {
		return errors.ValidationErrorf("experiment %s already exists", exp.ID)
	}
	s.experiments[exp.ID] = exp.Clone()
	return nil
}

// GetExperiment implements ports.ExperimentRepository
func (s *Store) GetExperiment(ctx context.Context, id core.ExperimentID) (*experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.experiments[id]
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("experiment %s", id))
	}
	return exp.Clone(), nil
}

// ListExperiments implements ports.ExperimentRepository
func (s *Store) ListExperiments(ctx context.Context, filter experiment.ListFilter) ([]*experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*experiment.Experiment, 0)
	for _, exp := range s.experiments {
		if filter.Matches(exp) {
			out = append(out, exp.Clone())
		}
	}
	sortExperiments(out)
	return out, nil
}

// CompareAndSwapStatus implements ports.ExperimentRepository
func (s *Store) CompareAndSwapStatus(ctx context.Context, id core.ExperimentID, from, to experiment.Status, reason string, at time.Time) (*experiment.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.experiments[id]
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("experiment %s", id))
	}
	if exp.Status != from {
		return nil, errors.InvalidState(fmt.Sprintf("experiment %s is %s, expected %s", id, exp.Status, from))
	}
	if !experiment.CanTransition(from, to) {
		return nil, errors.InvalidState(fmt.Sprintf("cannot transition experiment from %s to %s", from, to))
	}
	updated := exp.Clone()
	updated.ApplyTransition(to, reason, at)
	s.experiments[id] = updated
	return updated.Clone(), nil
}

// sortExperiments orders newest first, then by id for a stable listing
func sortExperiments(exps []*experiment.Experiment) {
	sort.Slice(exps, func(i, j int) bool {
		if !exps[i].CreatedAt.Equal(exps[j].CreatedAt) {
			return exps[i].CreatedAt.After(exps[j].CreatedAt)
		}
		return exps[i].ID < exps[j].ID
	})
}

// GetAssignment implements ports.AssignmentRepository
func (s *Store) GetAssignment(ctx context.Context, expID core.ExperimentID, participantID core.ParticipantID) (*experiment.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[expID][participantID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// InsertAssignmentIfAbsent implements ports.AssignmentRepository
func (s *Store) InsertAssignmentIfAbsent(ctx context.Context, a experiment.Assignment) (experiment.Assignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byParticipant, ok := s.assignments[a.ExperimentID]
	if !ok {
		byParticipant = make(map[core.ParticipantID]experiment.Assignment)
		s.assignments[a.ExperimentID] = byParticipant
	}
	if existing, ok := byParticipant[a.ParticipantID]; ok {
		return existing, false, nil
	}
	byParticipant[a.ParticipantID] = a
	return a, true, nil
}

// ParticipantCounts implements ports.AssignmentRepository
func (s *Store) ParticipantCounts(ctx context.Context, expID core.ExperimentID) (map[core.VariantID]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[core.VariantID]uint64)
	for _, a := range s.assignments[expID] {
		counts[a.VariantID]++
	}
	return counts, nil
}

// ApplyVariantEvent implements ports.FeedbackStore
func (s *Store) ApplyVariantEvent(ctx context.Context, event tracking.Event, scopes []variant.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.prepareIncrement(event.VariantID, scopes, event.Delta())
	if err != nil {
		return err
	}
	s.commitIncrement(event.VariantID, next)
	event.Metadata = event.Metadata.Clone()
	s.events = append(s.events, event)
	return nil
}

// ApplyExperimentEvent implements ports.FeedbackStore
func (s *Store) ApplyExperimentEvent(ctx context.Context, event tracking.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiments[event.ExperimentID]; !ok {
		return errors.NotFound(fmt.Sprintf("experiment %s", event.ExperimentID))
	}
	byVariant, ok := s.tallies[event.ExperimentID]
	if !ok {
		byVariant = make(map[core.VariantID]tracking.Tally)
		s.tallies[event.ExperimentID] = byVariant
	}
	next, err := byVariant[event.VariantID].Apply(event.Delta())
	if err != nil {
		return errors.Wrapf(err, "experiment %s variant %s", event.ExperimentID, event.VariantID)
	}
	byVariant[event.VariantID] = next
	event.Metadata = event.Metadata.Clone()
	s.events = append(s.events, event)
	return nil
}

// ExperimentTallies implements ports.FeedbackStore
func (s *Store) ExperimentTallies(ctx context.Context, expID core.ExperimentID) (map[core.VariantID]tracking.Tally, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[core.VariantID]tracking.Tally, len(s.tallies[expID]))
	for id, t := range s.tallies[expID] {
		out[id] = t
	}
	return out, nil
}

// Events implements ports.FeedbackStore. With a limit, the most recent
// matching events are kept.
func (s *Store) Events(ctx context.Context, filter tracking.Filter) ([]tracking.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]tracking.Event, 0)
	for _, e := range s.events {
		if filter.Matches(e) {
			e.Metadata = e.Metadata.Clone()
			out = append(out, e)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Ping implements ports.Store
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements ports.Store
func (s *Store) Close() error {
	return nil
}
