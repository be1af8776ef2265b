package analysis

import (
	"sort"

	"variantlab/domain/variant"

	"github.com/montanaflynn/stats"
)

// DimensionRecommendation is the best-performing value of one dimension
type DimensionRecommendation struct {
	RecommendedValue string             `json:"recommended_value"`
	SuccessRate      float64            `json:"success_rate"`
	Impressions      uint64             `json:"impressions"`
	MeanValueRate    float64            `json:"mean_value_rate"`
	Lift             float64            `json:"lift"`
	ValueRates       map[string]float64 `json:"value_rates"`
}

type valueTotals struct {
	successes   uint64
	impressions uint64
}

// DimensionRecommendations groups variants by each dimension's value, pools
// their counters, and recommends the value with the highest pooled success
// rate. Variants without impressions are ignored; rate ties go to the
// lexicographically smaller value. Lift is the recommended rate minus the mean
// rate across that dimension's values.
func (a *Analyzer) DimensionRecommendations(records []variant.Record) map[string]DimensionRecommendation {
	totals := make(map[string]map[string]*valueTotals)
	for _, rec := range records {
		perf := rec.Performance
		if perf.Impressions == 0 {
			continue
		}
		for dim, value := range rec.Dimensions {
			byValue, ok := totals[dim]
			if !ok {
				byValue = make(map[string]*valueTotals)
				totals[dim] = byValue
			}
			t, ok := byValue[value]
			if !ok {
				t = &valueTotals{}
				byValue[value] = t
			}
			t.successes += perf.Successes
			t.impressions += perf.Impressions
		}
	}

	out := make(map[string]DimensionRecommendation, len(totals))
	for dim, byValue := range totals {
		values := make([]string, 0, len(byValue))
		for v := range byValue {
			values = append(values, v)
		}
		sort.Strings(values)

		rec := DimensionRecommendation{ValueRates: make(map[string]float64, len(values))}
		rates := make([]float64, 0, len(values))
		for i, v := range values {
			t := byValue[v]
			rate := Proportion{Successes: t.successes, Trials: t.impressions}.Rate()
			rec.ValueRates[v] = rate
			rates = append(rates, rate)
			if i == 0 || rate > rec.SuccessRate {
				rec.RecommendedValue = v
				rec.SuccessRate = rate
				rec.Impressions = t.impressions
			}
		}
		if mean, err := stats.Mean(rates); err == nil {
			rec.MeanValueRate = mean
			rec.Lift = rec.SuccessRate - mean
		}
		out[dim] = rec
	}
	return out
}

// RateSummary describes the spread of success rates across variants
type RateSummary struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
	Max    float64 `json:"max"`
}

// SummarizeRates aggregates the success rates of variants that have data
func (a *Analyzer) SummarizeRates(records []variant.Record) RateSummary {
	rates := make(stats.Float64Data, 0, len(records))
	for _, rec := range records {
		if rec.Performance.Impressions > 0 {
			rates = append(rates, rec.Performance.SuccessRate())
		}
	}
	if len(rates) == 0 {
		return RateSummary{}
	}
	var s RateSummary
	s.Mean, _ = rates.Mean()
	s.Median, _ = rates.Median()
	s.StdDev, _ = rates.StandardDeviation()
	s.Max, _ = rates.Max()
	return s
}
