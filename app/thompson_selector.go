package app

import (
	"sort"

	"variantlab/domain/core"
	"variantlab/domain/variant"
	"variantlab/internal/errors"
	"variantlab/ports"
)

// SelectionMetadata explains a Thompson sampling decision
type SelectionMetadata struct {
	Alpha                float64 `json:"alpha"`
	Beta                 float64 `json:"beta"`
	SampledValue         float64 `json:"sampled_value"`
	ExpectedValue        float64 `json:"expected_value"`
	Variance             float64 `json:"variance"`
	CandidatesConsidered int     `json:"candidates_considered"`
	Scope                string  `json:"scope,omitempty"`
}

// Selection is the chosen variant plus what the caller needs to render and log it
type Selection struct {
	VariantID    core.VariantID    `json:"variant_id"`
	Dimensions   core.StringMap    `json:"dimensions"`
	Instructions []string          `json:"instructions"`
	Metadata     SelectionMetadata `json:"selection_metadata"`
}

// ThompsonSelector picks one variant per request by drawing from each
// candidate's Beta posterior and taking the largest draw
type ThompsonSelector struct {
	sampler ports.BetaSampler
}

// NewThompsonSelector creates a selector drawing from sampler
func NewThompsonSelector(sampler ports.BetaSampler) *ThompsonSelector {
	return &ThompsonSelector{sampler: sampler}
}

// Select returns the id of the winning candidate
func (s *ThompsonSelector) Select(candidates []variant.Record) (core.VariantID, error) {
	sel, err := s.SelectWithMetadata(candidates)
	if err != nil {
		return "", err
	}
	return sel.VariantID, nil
}

// SelectWithMetadata runs the same selection as Select and explains it.
// Candidates are visited in variant id order and only a strictly larger draw
// replaces the leader, so exact ties go to the lowest id. A single candidate
// is returned without sampling.
func (s *ThompsonSelector) SelectWithMetadata(candidates []variant.Record) (*Selection, error) {
	if len(candidates) == 0 {
		return nil, errors.NoEligibleVariants("no candidate variants to select from")
	}

	if len(candidates) == 1 {
		c := candidates[0]
		return newSelection(c, c.Performance.ExpectedValue(), 1), nil
	}

	ordered := make([]variant.Record, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	best := -1
	bestDraw := 0.0
	for i, c := range ordered {
		draw := s.sampler.SampleBeta(c.Performance.Alpha(), c.Performance.Beta())
		if best < 0 || draw > bestDraw {
			best = i
			bestDraw = draw
		}
	}
	return newSelection(ordered[best], bestDraw, len(ordered)), nil
}

func newSelection(rec variant.Record, draw float64, considered int) *Selection {
	perf := rec.Performance
	return &Selection{
		VariantID:    rec.ID,
		Dimensions:   rec.Dimensions.Clone(),
		Instructions: variant.Instructions(rec.Dimensions),
		Metadata: SelectionMetadata{
			Alpha:                perf.Alpha(),
			Beta:                 perf.Beta(),
			SampledValue:         draw,
			ExpectedValue:        perf.ExpectedValue(),
			Variance:             perf.Variance(),
			CandidatesConsidered: considered,
			Scope:                rec.Scope.Key(),
		},
	}
}
