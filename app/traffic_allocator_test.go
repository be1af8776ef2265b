package app

import (
	"context"
	"fmt"
	"testing"

	"variantlab/domain/core"
	"variantlab/domain/experiment"
	"variantlab/internal/errors"
	"variantlab/internal/testkit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestBucketIsStableAndInRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		p := core.ParticipantID(fmt.Sprintf("user-%d", i))
		u := Bucket("exp_1", p)
		assert.GreaterOrEqual(t, u, 0.0)
		assert.Less(t, u, 1.0)
		assert.Equal(t, u, Bucket("exp_1", p))
	}
	assert.NotEqual(t, Bucket("exp_1", "user-1"), Bucket("exp_2", "user-1"))
}

func TestPickArm(t *testing.T) {
	tests := []struct {
		name       string
		allocation []float64
		u          float64
		expected   int
	}{
		{"first half", []float64{0.5, 0.5}, 0.49, 0},
		{"boundary goes right", []float64{0.5, 0.5}, 0.5, 1},
		{"three way", []float64{0.2, 0.3, 0.5}, 0.45, 1},
		{"zero weight skipped", []float64{0, 1}, 0, 1},
		{"trailing zero weight", []float64{1, 0}, 0.999999, 0},
		{"rounding slack", []float64{0.3333333, 0.3333333, 0.3333333}, 0.9999999, 2},
		{"no weight", []float64{0, 0}, 0.3, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PickArm(tt.allocation, tt.u))
		})
	}
}

func TestAssignConvergesToAllocation(t *testing.T) {
	h := newHarness(t, testkit.MeanSampler{})
	ctx := context.Background()
	exp := h.startedExperiment(t, twoArmSpec("v_control", "v_candidate"))

	counts := map[core.VariantID]int{}
	for i := 0; i < 1000; i++ {
		a, created, err := h.allocator.Assign(ctx, exp, core.ParticipantID(fmt.Sprintf("participant-%04d", i)))
		require.NoError(t, err)
		assert.True(t, created)
		counts[a.VariantID]++
	}

	for _, id := range exp.VariantIDs {
		assert.GreaterOrEqual(t, counts[id], 400, id)
		assert.LessOrEqual(t, counts[id], 600, id)
	}

	stored, err := h.store.ParticipantCounts(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(counts["v_control"]), stored["v_control"])
}

func TestAssignHonoursUnevenWeights(t *testing.T) {
	h := newHarness(t, testkit.MeanSampler{})
	ctx := context.Background()
	spec := twoArmSpec("v_a", "v_b")
	spec.VariantIDs = []core.VariantID{"v_a", "v_b", "v_c"}
	spec.TrafficAllocation = []float64{0.2, 0.3, 0.5}
	exp := h.startedExperiment(t, spec)

	const n = 10000
	counts := map[core.VariantID]int{}
	for i := 0; i < n; i++ {
		a, _, err := h.allocator.Assign(ctx, exp, core.ParticipantID(fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
		counts[a.VariantID]++
	}
	for i, id := range exp.VariantIDs {
		want := exp.TrafficAllocation[i] * n
		assert.InEpsilon(t, want, float64(counts[id]), 0.15, id)
	}
}

func TestAssignIsStickyUnderRaces(t *testing.T) {
	h := newHarness(t, testkit.MeanSampler{})
	ctx := context.Background()
	exp := h.startedExperiment(t, twoArmSpec("v_control", "v_candidate"))

	const racers = 32
	results := make([]experiment.Assignment, racers)
	created := make([]bool, racers)
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		g.Go(func() error {
			a, c, err := h.allocator.Assign(ctx, exp, "racer")
			results[i] = a
			created[i] = c
			return err
		})
	}
	require.NoError(t, g.Wait())

	winners := 0
	for i := range results {
		assert.Equal(t, results[0].VariantID, results[i].VariantID)
		if created[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	counts, err := h.store.ParticipantCounts(ctx, exp.ID)
	require.NoError(t, err)
	var total uint64
	for _, c := range counts {
		total += c
	}
	assert.Equal(t, uint64(1), total)

	again, created2, err := h.allocator.Assign(ctx, exp, "racer")
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, results[0], again)
}

func TestAssignRequiresParticipant(t *testing.T) {
	h := newHarness(t, testkit.MeanSampler{})
	exp := testkit.NewExperiment(t, "x", "v_a", "v_b")
	_, _, err := h.allocator.Assign(context.Background(), exp, "")
	assert.True(t, errors.IsCode(err, errors.CodeValidationError))
}
