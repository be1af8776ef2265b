package app

import (
	"context"
	"testing"

	"variantlab/adapters/memory"
	"variantlab/domain/core"
	"variantlab/domain/experiment"
	"variantlab/internal/analysis"
	"variantlab/internal/metrics"
	"variantlab/internal/testkit"
	"variantlab/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store     *memory.Store
	clock     *testkit.FixedClock
	metrics   *metrics.Metrics
	variants  *VariantStore
	selector  *ThompsonSelector
	allocator *TrafficAllocator
	tracker   *FeedbackTracker
	manager   *ExperimentManager
	optimizer *OptimizationService
}

func newHarness(t *testing.T, sampler ports.BetaSampler) *harness {
	t.Helper()
	store := memory.NewStore()
	clock := testkit.NewFixedClock(testkit.Epoch)
	m := metrics.New(prometheus.NewRegistry())
	analyzer := analysis.NewAnalyzer()

	h := &harness{store: store, clock: clock, metrics: m}
	h.variants = NewVariantStore(store, clock, nil)
	h.selector = NewThompsonSelector(sampler)
	h.allocator = NewTrafficAllocator(store, clock)
	h.tracker = NewFeedbackTracker(store, clock, m, nil)
	h.manager = NewExperimentManager(store, h.allocator, h.tracker, analyzer, experiment.DefaultDefaults(), clock, m, nil)
	h.optimizer = NewOptimizationService(h.variants, h.selector, h.tracker, analyzer, store,
		OptimizationConfig{ScopeMinImpressions: 10}, m, nil)
	return h
}

// startedExperiment creates and starts an experiment over arms
func (h *harness) startedExperiment(t *testing.T, spec experiment.Spec) *experiment.Experiment {
	t.Helper()
	ctx := context.Background()
	exp, err := h.manager.Create(ctx, spec)
	require.NoError(t, err)
	exp, err = h.manager.Start(ctx, exp.ID)
	require.NoError(t, err)
	return exp
}

func twoArmSpec(a, b core.VariantID) experiment.Spec {
	return experiment.Spec{
		Name:              "hook test",
		VariantIDs:        []core.VariantID{a, b},
		TrafficAllocation: []float64{0.5, 0.5},
		ControlVariantID:  a,
		TargetPersona:     "founder",
		SuccessMetrics:    []string{"conversion"},
		DurationDays:      14,
		MinSampleSize:     100,
		CreatedBy:         "tests",
	}
}

func ptr[T any](v T) *T { return &v }
