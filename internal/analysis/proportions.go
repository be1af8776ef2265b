package analysis

import (
	"math"

	"variantlab/domain/experiment"

	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultConfidence is used when a caller passes a confidence outside (0, 1)
const DefaultConfidence = 0.95

// Proportion is a successes-out-of-trials count
type Proportion struct {
	Successes uint64
	Trials    uint64
}

// Rate is Successes/Trials, 0 without trials. Successes are capped at Trials.
func (p Proportion) Rate() float64 {
	if p.Trials == 0 {
		return 0
	}
	s := p.Successes
	if s > p.Trials {
		s = p.Trials
	}
	return float64(s) / float64(p.Trials)
}

// zCritical is the two-sided standard normal critical value for confidence
func zCritical(confidence float64) float64 {
	if !(confidence > 0 && confidence < 1) {
		confidence = DefaultConfidence
	}
	return distuv.UnitNormal.Quantile(1 - (1-confidence)/2)
}

// WilsonInterval computes the Wilson score interval for successes/trials.
// With no trials nothing is known and the interval is [0, 1].
func WilsonInterval(successes, trials uint64, confidence float64) experiment.Interval {
	if !(confidence > 0 && confidence < 1) {
		confidence = DefaultConfidence
	}
	if trials == 0 {
		return experiment.Interval{Lower: 0, Upper: 1, Confidence: confidence}
	}

	z := zCritical(confidence)
	n := float64(trials)
	p := Proportion{Successes: successes, Trials: trials}.Rate()
	z2 := z * z

	denom := 1 + z2/n
	center := (p + z2/(2*n)) / denom
	half := z * math.Sqrt(p*(1-p)/n+z2/(4*n*n)) / denom

	lower := math.Max(0, center-half)
	upper := math.Min(1, center+half)

	// rounding must never push the point estimate outside its own interval
	lower = math.Min(lower, p)
	upper = math.Max(upper, p)

	return experiment.Interval{Lower: lower, Upper: upper, Confidence: confidence}
}

// TwoProportionPValue runs a pooled two-proportion z-test and returns the
// two-sided p-value. Degenerate inputs (no trials, zero pooled variance)
// give 1, i.e. no evidence of a difference.
func TwoProportionPValue(control, candidate Proportion) float64 {
	z, ok := twoProportionZ(control, candidate)
	if !ok {
		return 1
	}
	p := 2 * distuv.UnitNormal.CDF(-math.Abs(z))
	return math.Min(1, math.Max(0, p))
}

func twoProportionZ(control, candidate Proportion) (float64, bool) {
	if control.Trials == 0 || candidate.Trials == 0 {
		return 0, false
	}
	n1, n2 := float64(control.Trials), float64(candidate.Trials)
	p1, p2 := control.Rate(), candidate.Rate()

	pooled := (p1*n1 + p2*n2) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 || math.IsNaN(se) {
		return 0, false
	}
	return (p2 - p1) / se, true
}
