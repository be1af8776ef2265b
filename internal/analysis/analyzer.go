package analysis

import (
	"time"

	"variantlab/domain/core"
	"variantlab/domain/experiment"
)

// Analyzer turns raw per-variant counts into decision-grade summaries.
// It holds no state and is safe for concurrent use.
type Analyzer struct{}

// NewAnalyzer creates an analyzer
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// ConfidenceInterval is the Wilson score interval for successes/impressions
func (a *Analyzer) ConfidenceInterval(successes, impressions uint64, confidence float64) experiment.Interval {
	return WilsonInterval(successes, impressions, confidence)
}

// SignificanceTest returns the two-sided p-value for candidate vs control
func (a *Analyzer) SignificanceTest(control, candidate Proportion) float64 {
	return TwoProportionPValue(control, candidate)
}

func proportionOf(c experiment.VariantCounts) Proportion {
	return Proportion{Successes: c.Conversions, Trials: c.Impressions}
}

// Analyze computes the result of exp from its per-variant counts. Counts for
// variants outside the experiment are ignored; arms without counts are zero.
//
// An arm is eligible to win once its impressions reach the experiment's
// min_sample_size (and at least one impression). Rate ties go to the control,
// then to the earlier arm. When the control itself wins, significance is
// judged against the strongest eligible challenger.
func (a *Analyzer) Analyze(exp *experiment.Experiment, counts []experiment.VariantCounts, now time.Time) *experiment.Result {
	byID := make(map[core.VariantID]experiment.VariantCounts, len(counts))
	for _, c := range counts {
		byID[c.VariantID] = c
	}

	ordered := make([]experiment.VariantCounts, len(exp.VariantIDs))
	var totalParticipants, totalImpressions uint64
	for i, id := range exp.VariantIDs {
		c := byID[id]
		c.VariantID = id
		ordered[i] = c
		totalParticipants += c.Participants
		totalImpressions += c.Impressions
	}

	minSample := uint64(0)
	if exp.MinSampleSize > 0 {
		minSample = uint64(exp.MinSampleSize)
	}
	meets := func(c experiment.VariantCounts) bool {
		return c.Impressions > 0 && c.Impressions >= minSample
	}

	confidence := 1 - exp.SignificanceLevel
	control := byID[exp.ControlVariantID]
	control.VariantID = exp.ControlVariantID

	result := &experiment.Result{
		ExperimentID:      exp.ID,
		Status:            exp.Status,
		ControlVariantID:  exp.ControlVariantID,
		SignificanceLevel: exp.SignificanceLevel,
		MinSampleSize:     exp.MinSampleSize,
		TotalParticipants: totalParticipants,
		TotalImpressions:  totalImpressions,
		Variants:          make([]experiment.VariantResult, 0, len(ordered)),
		ComputedAt:        now.UTC(),
	}

	for i, c := range ordered {
		vr := experiment.VariantResult{
			VariantID:             c.VariantID,
			IsControl:             c.VariantID == exp.ControlVariantID,
			Participants:          c.Participants,
			Impressions:           c.Impressions,
			Conversions:           c.Conversions,
			ConversionRate:        proportionOf(c).Rate(),
			EngagementValueSum:    c.EngagementValueSum,
			AllocatedTrafficShare: exp.TrafficAllocation[i],
			MeetsMinSampleSize:    meets(c),
			ConfidenceInterval:    a.ConfidenceInterval(c.Conversions, c.Impressions, confidence),
		}
		if totalParticipants > 0 {
			vr.ActualTrafficShare = float64(c.Participants) / float64(totalParticipants)
		}
		if !vr.IsControl {
			p := a.SignificanceTest(proportionOf(control), proportionOf(c))
			vr.PValueVsControl = &p
		}
		result.Variants = append(result.Variants, vr)
	}

	winner, found := pickBest(control, ordered, meets)
	if !found {
		return result
	}
	result.WinnerVariantID = &winner.VariantID

	opponent := control
	opponentFound := true
	if winner.VariantID == control.VariantID {
		opponent, opponentFound = pickBest(experiment.VariantCounts{}, ordered, func(c experiment.VariantCounts) bool {
			return c.VariantID != control.VariantID && meets(c)
		})
	}
	if opponentFound {
		p := a.SignificanceTest(proportionOf(opponent), proportionOf(winner))
		result.PValue = &p
		result.ConfidenceLevel = 1 - p
		result.IsStatisticallySignificant = p < exp.SignificanceLevel && meets(winner) && meets(opponent)
	}

	if controlRate := proportionOf(control).Rate(); controlRate > 0 {
		improvement := (proportionOf(winner).Rate() - controlRate) / controlRate * 100
		result.ImprovementPercentage = &improvement
	}

	decision := a.ShouldStopEarly(ordered, 1-exp.SignificanceLevel)
	result.EarlyStopping = &decision
	return result
}

// pickBest returns the highest-rate arm passing eligible. first is considered
// before the rest and so wins ties; it is skipped when its VariantID is empty.
func pickBest(first experiment.VariantCounts, rest []experiment.VariantCounts, eligible func(experiment.VariantCounts) bool) (experiment.VariantCounts, bool) {
	var best experiment.VariantCounts
	found := false
	consider := func(c experiment.VariantCounts) {
		if !eligible(c) {
			return
		}
		if !found || proportionOf(c).Rate() > proportionOf(best).Rate() {
			best = c
			found = true
		}
	}
	if first.VariantID != "" {
		consider(first)
	}
	for _, c := range rest {
		if c.VariantID == first.VariantID {
			continue
		}
		consider(c)
	}
	return best, found
}

// ShouldStopEarly recommends stopping only when the best observed arm beats
// every other arm at the threshold. confidence_level is the weakest of those
// pairwise confidences.
func (a *Analyzer) ShouldStopEarly(counts []experiment.VariantCounts, threshold float64) experiment.EarlyStopDecision {
	if !(threshold > 0 && threshold < 1) {
		threshold = DefaultConfidence
	}
	decision := experiment.EarlyStopDecision{Threshold: threshold}

	withData := make([]experiment.VariantCounts, 0, len(counts))
	for _, c := range counts {
		if c.Impressions > 0 {
			withData = append(withData, c)
		}
	}
	if len(withData) < 2 {
		return decision
	}

	best, _ := pickBest(experiment.VariantCounts{}, withData, func(experiment.VariantCounts) bool { return true })

	worstP := 0.0
	for _, c := range withData {
		if c.VariantID == best.VariantID {
			continue
		}
		p := a.SignificanceTest(proportionOf(c), proportionOf(best))
		if proportionOf(c).Rate() >= proportionOf(best).Rate() {
			p = 1
		}
		if p > worstP {
			worstP = p
		}
	}

	decision.ConfidenceLevel = 1 - worstP
	if worstP < 1-threshold {
		decision.StopEarly = true
		winner := best.VariantID
		decision.Winner = &winner
	}
	return decision
}
