package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"variantlab/domain/core"
	"variantlab/domain/experiment"
	"variantlab/domain/tracking"
	"variantlab/internal/analysis"
	"variantlab/internal/errors"
	"variantlab/internal/metrics"
	"variantlab/ports"
)

// Assignment outcomes reported to metrics
const (
	outcomeExisting = "existing"
	outcomeNew      = "new"
	outcomeFallback = "fallback"
)

// ExperimentManager owns experiment CRUD and the lifecycle state machine, and
// routes assignment, tracking and analysis for a named experiment
type ExperimentManager struct {
	store     ports.Store
	allocator *TrafficAllocator
	tracker   *FeedbackTracker
	analyzer  *analysis.Analyzer
	defaults  experiment.Defaults
	clock     Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// gate keeps new assignments from interleaving with a status change in
	// this process; the store's compare-and-swap covers other processes
	gate sync.RWMutex
}

// NewExperimentManager wires the lifecycle manager
func NewExperimentManager(
	store ports.Store,
	allocator *TrafficAllocator,
	tracker *FeedbackTracker,
	analyzer *analysis.Analyzer,
	defaults experiment.Defaults,
	clock Clock,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ExperimentManager {
	return &ExperimentManager{
		store:     store,
		allocator: allocator,
		tracker:   tracker,
		analyzer:  analyzer,
		defaults:  defaults,
		clock:     clockOrSystem(clock),
		metrics:   metricsOrPrivate(m),
		logger:    loggerOrDiscard(logger),
	}
}

// Create validates spec and stores a new draft experiment
func (m *ExperimentManager) Create(ctx context.Context, spec experiment.Spec) (*experiment.Experiment, error) {
	exp, err := experiment.New(spec, m.defaults, m.clock.Now())
	if err != nil {
		m.logger.Debug("experiment spec rejected", "name", spec.Name, "err", err)
		return nil, err
	}
	if err := m.store.Create(ctx, exp); err != nil {
		return nil, errors.Wrapf(err, "create experiment %s", exp.ID)
	}
	m.logger.Info("experiment created",
		"experiment_id", exp.ID,
		"name", exp.Name,
		"variants", len(exp.VariantIDs),
		"target_persona", exp.TargetPersona)
	return exp, nil
}

// Get returns the experiment or a NOT_FOUND error
func (m *ExperimentManager) Get(ctx context.Context, id core.ExperimentID) (*experiment.Experiment, error) {
	return m.store.GetExperiment(ctx, id)
}

// List returns experiments matching filter, newest first
func (m *ExperimentManager) List(ctx context.Context, filter experiment.ListFilter) ([]*experiment.Experiment, error) {
	return m.store.ListExperiments(ctx, filter)
}

// Start moves a draft or paused experiment to active
func (m *ExperimentManager) Start(ctx context.Context, id core.ExperimentID) (*experiment.Experiment, error) {
	return m.transition(ctx, id, experiment.StatusActive, "")
}

// Pause moves an active experiment to paused
func (m *ExperimentManager) Pause(ctx context.Context, id core.ExperimentID, reason string) (*experiment.Experiment, error) {
	return m.transition(ctx, id, experiment.StatusPaused, reason)
}

// Complete finalizes the experiment and returns its final result. Existing
// assignments stay readable; no new ones are made afterwards. The status change
// is committed before analysis, so an analysis failure is logged and yields
// the completed experiment with a nil result; Results can be retried later.
func (m *ExperimentManager) Complete(ctx context.Context, id core.ExperimentID) (*experiment.Experiment, *experiment.Result, error) {
	exp, err := m.transition(ctx, id, experiment.StatusCompleted, "")
	if err != nil {
		return nil, nil, err
	}
	result, err := m.analyze(ctx, exp)
	if err != nil {
		m.logger.Error("final analysis failed", "experiment_id", exp.ID, "err", err)
		return exp, nil, nil
	}
	m.logger.Info("experiment results finalized",
		"experiment_id", exp.ID,
		"significant", result.IsStatisticallySignificant,
		"total_impressions", result.TotalImpressions)
	return exp, result, nil
}

// transition performs one compare-and-swap on the status. Of several racing
// transitions from the same state exactly one succeeds.
func (m *ExperimentManager) transition(ctx context.Context, id core.ExperimentID, to experiment.Status, reason string) (*experiment.Experiment, error) {
	m.gate.Lock()
	defer m.gate.Unlock()

	current, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !experiment.CanTransition(current.Status, to) {
		return nil, errors.InvalidState(fmt.Sprintf("experiment %s cannot move from %s to %s", id, current.Status, to))
	}

	updated, err := m.store.CompareAndSwapStatus(ctx, id, current.Status, to, reason, m.clock.Now())
	if err != nil {
		return nil, err
	}

	m.metrics.LifecycleTransitions.WithLabelValues(string(to)).Inc()
	m.logger.Info("experiment status changed",
		"experiment_id", id,
		"from", current.Status,
		"status", to,
		"reason", reason)
	return updated, nil
}

// Assign resolves the participant's arm. Active experiments assign unseen
// participants by hash; paused and completed ones only resolve existing
// assignments and hand everyone else the control without recording it.
// Draft experiments reject assignment.
func (m *ExperimentManager) Assign(ctx context.Context, id core.ExperimentID, participantID core.ParticipantID) (core.VariantID, error) {
	if participantID == "" {
		return "", errors.ValidationError("participant_id is required")
	}

	m.gate.RLock()
	defer m.gate.RUnlock()

	exp, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return "", err
	}

	switch exp.Status {
	case experiment.StatusDraft:
		return "", errors.InvalidState(fmt.Sprintf("experiment %s has not been started", id))

	case experiment.StatusActive:
		a, created, err := m.allocator.Assign(ctx, exp, participantID)
		if err != nil {
			return "", err
		}
		outcome := outcomeExisting
		if created {
			outcome = outcomeNew
			m.logger.Debug("participant assigned",
				"experiment_id", id,
				"participant_id", participantID,
				"variant_id", a.VariantID)
		}
		m.metrics.Assignments.WithLabelValues(outcome).Inc()
		return a.VariantID, nil

	default:
		existing, err := m.allocator.Lookup(ctx, id, participantID)
		if err != nil {
			return "", err
		}
		if existing != nil {
			m.metrics.Assignments.WithLabelValues(outcomeExisting).Inc()
			return existing.VariantID, nil
		}
		m.metrics.Assignments.WithLabelValues(outcomeFallback).Inc()
		return exp.ControlVariantID, nil
	}
}

// Track records an outcome for a participant in the experiment
func (m *ExperimentManager) Track(ctx context.Context, id core.ExperimentID, fb Feedback) (*tracking.Event, error) {
	fb.ExperimentID = id
	return m.tracker.Track(ctx, fb)
}

// Results computes the current result of the experiment
func (m *ExperimentManager) Results(ctx context.Context, id core.ExperimentID) (*experiment.Experiment, *experiment.Result, error) {
	exp, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	result, err := m.analyze(ctx, exp)
	if err != nil {
		return nil, nil, err
	}
	return exp, result, nil
}

func (m *ExperimentManager) analyze(ctx context.Context, exp *experiment.Experiment) (*experiment.Result, error) {
	tallies, err := m.store.ExperimentTallies(ctx, exp.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "load tallies for %s", exp.ID)
	}
	participants, err := m.store.ParticipantCounts(ctx, exp.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "load participant counts for %s", exp.ID)
	}

	counts := make([]experiment.VariantCounts, 0, len(exp.VariantIDs))
	for _, vid := range exp.VariantIDs {
		t := tallies[vid]
		counts = append(counts, experiment.VariantCounts{
			VariantID:          vid,
			Participants:       participants[vid],
			Impressions:        t.Impressions,
			Conversions:        t.Conversions,
			EngagementValueSum: t.EngagementValueSum,
		})
	}
	return m.analyzer.Analyze(exp, counts, m.clock.Now()), nil
}

// ActiveForPersona lists the ids of active experiments targeting persona
func (m *ExperimentManager) ActiveForPersona(ctx context.Context, persona string) ([]core.ExperimentID, error) {
	if persona == "" {
		return nil, errors.ValidationError("persona is required")
	}
	exps, err := m.store.ListExperiments(ctx, experiment.ListFilter{
		Status:        experiment.StatusActive,
		TargetPersona: persona,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]core.ExperimentID, 0, len(exps))
	for _, e := range exps {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// CompleteExpired completes every active experiment past its planned end and
// returns how many it completed. Losing a race against a manual transition
// is not an error.
func (m *ExperimentManager) CompleteExpired(ctx context.Context) (int, error) {
	active, err := m.store.ListExperiments(ctx, experiment.ListFilter{Status: experiment.StatusActive})
	if err != nil {
		return 0, err
	}

	now := m.clock.Now()
	completed := 0
	for _, exp := range active {
		if !exp.IsExpired(now) {
			continue
		}
		if _, err := m.transition(ctx, exp.ID, experiment.StatusCompleted, ""); err != nil {
			if errors.IsCode(err, errors.CodeInvalidState) {
				continue
			}
			return completed, err
		}
		m.logger.Info("experiment expired", "experiment_id", exp.ID, "ends_at", exp.EndsAt())
		completed++
	}
	return completed, nil
}
