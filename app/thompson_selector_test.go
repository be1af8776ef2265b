package app

import (
	"testing"

	"variantlab/adapters/rng"
	"variantlab/domain/core"
	"variantlab/domain/variant"
	"variantlab/internal/errors"
	"variantlab/internal/testkit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id string, impressions, successes uint64, dims ...string) variant.Record {
	d := core.StringMap{}
	for i := 0; i+1 < len(dims); i += 2 {
		d[dims[i]] = dims[i+1]
	}
	return variant.Record{
		Variant:     variant.Variant{ID: core.VariantID(id), Dimensions: d},
		Performance: variant.Performance{Impressions: impressions, Successes: successes},
	}
}

func TestSelectNoCandidates(t *testing.T) {
	s := NewThompsonSelector(testkit.MeanSampler{})
	_, err := s.Select(nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNoEligibleVariants))
}

func TestSelectSingleCandidateSkipsSampling(t *testing.T) {
	sampler := testkit.NewScriptedSampler(0.1)
	s := NewThompsonSelector(sampler)

	sel, err := s.SelectWithMetadata([]variant.Record{record("v_only", 4, 1)})
	require.NoError(t, err)
	assert.Equal(t, core.VariantID("v_only"), sel.VariantID)
	assert.Empty(t, sampler.Calls)
	assert.Equal(t, 1, sel.Metadata.CandidatesConsidered)
	assert.InDelta(t, 2.0/6.0, sel.Metadata.SampledValue, 1e-12)
}

func TestSelectTakesLargestDraw(t *testing.T) {
	// visited in id order: v_a, v_b, v_c
	sampler := testkit.NewScriptedSampler(0.2, 0.9, 0.5)
	s := NewThompsonSelector(sampler)

	sel, err := s.SelectWithMetadata([]variant.Record{
		record("v_c", 10, 1),
		record("v_a", 10, 5),
		record("v_b", 10, 3, "tone", "edgy"),
	})
	require.NoError(t, err)
	assert.Equal(t, core.VariantID("v_b"), sel.VariantID)

	require.Len(t, sampler.Calls, 3)
	assert.Equal(t, [2]float64{6, 6}, sampler.Calls[0])
	assert.Equal(t, [2]float64{4, 8}, sampler.Calls[1])
	assert.Equal(t, [2]float64{2, 10}, sampler.Calls[2])

	md := sel.Metadata
	assert.Equal(t, 4.0, md.Alpha)
	assert.Equal(t, 8.0, md.Beta)
	assert.Equal(t, 0.9, md.SampledValue)
	assert.InDelta(t, 4.0/12.0, md.ExpectedValue, 1e-12)
	assert.InDelta(t, 32.0/(144.0*13.0), md.Variance, 1e-12)
	assert.Equal(t, 3, md.CandidatesConsidered)
	assert.Equal(t, []string{"Use a provocative, slightly irreverent tone"}, sel.Instructions)
	assert.Equal(t, core.StringMap{"tone": "edgy"}, sel.Dimensions)
}

func TestSelectTiesGoToLowestID(t *testing.T) {
	s := NewThompsonSelector(testkit.ConstSampler(0.5))

	got, err := s.Select([]variant.Record{
		record("v_zz", 1, 0),
		record("v_mm", 1, 0),
		record("v_aa", 1, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, core.VariantID("v_aa"), got)
}

func TestSelectDoesNotReorderInput(t *testing.T) {
	s := NewThompsonSelector(testkit.MeanSampler{})
	in := []variant.Record{record("v_b", 1, 0), record("v_a", 1, 0)}
	_, err := s.Select(in)
	require.NoError(t, err)
	assert.Equal(t, core.VariantID("v_b"), in[0].ID)
}

func TestSelectFavoursStrongPosterior(t *testing.T) {
	s := NewThompsonSelector(rng.NewBetaSampler(7))
	candidates := []variant.Record{
		record("v_weak", 100, 5),
		record("v_strong", 100, 50),
	}

	strong := 0
	const rounds = 1000
	for i := 0; i < rounds; i++ {
		got, err := s.Select(candidates)
		require.NoError(t, err)
		if got == "v_strong" {
			strong++
		}
	}
	assert.Greater(t, strong, rounds*95/100)
}

func TestSelectExploresUncertainVariants(t *testing.T) {
	s := NewThompsonSelector(rng.NewBetaSampler(11))
	candidates := []variant.Record{
		record("v_proven", 1000, 300),
		record("v_fresh", 1, 0),
	}

	fresh := 0
	for i := 0; i < 2000; i++ {
		got, err := s.Select(candidates)
		require.NoError(t, err)
		if got == "v_fresh" {
			fresh++
		}
	}
	// Beta(1,2) exceeds ~0.3 about half the time
	assert.Greater(t, fresh, 500)
	assert.Less(t, fresh, 1500)
}
