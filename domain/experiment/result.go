package experiment

import (
	"time"

	"variantlab/domain/core"
)

// Interval is a two-sided confidence interval on a proportion
type Interval struct {
	Lower      float64 `json:"lower"`
	Upper      float64 `json:"upper"`
	Confidence float64 `json:"confidence"`
}

// VariantCounts is the raw input the analyzer works from
type VariantCounts struct {
	VariantID          core.VariantID `json:"variant_id"`
	Participants       uint64         `json:"participants"`
	Impressions        uint64         `json:"impressions"`
	Conversions        uint64         `json:"conversions"`
	EngagementValueSum float64        `json:"engagement_value_sum"`
}

// ConversionRate is conversions/impressions, 0 without impressions
func (c VariantCounts) ConversionRate() float64 {
	if c.Impressions == 0 {
		return 0
	}
	return float64(c.Conversions) / float64(c.Impressions)
}

// VariantResult is the per-arm section of a Result
type VariantResult struct {
	VariantID             core.VariantID `json:"variant_id"`
	IsControl             bool           `json:"is_control"`
	Participants          uint64         `json:"participants"`
	Impressions           uint64         `json:"impressions"`
	Conversions           uint64         `json:"conversions"`
	ConversionRate        float64        `json:"conversion_rate"`
	EngagementValueSum    float64        `json:"engagement_value_sum"`
	ActualTrafficShare    float64        `json:"actual_traffic_share"`
	AllocatedTrafficShare float64        `json:"allocated_traffic_share"`
	MeetsMinSampleSize    bool           `json:"meets_min_sample_size"`
	ConfidenceInterval    Interval       `json:"confidence_interval"`
	PValueVsControl       *float64       `json:"p_value_vs_control,omitempty"`
}

// EarlyStopDecision is the outcome of an early-stopping check
type EarlyStopDecision struct {
	StopEarly       bool            `json:"stop_early"`
	Winner          *core.VariantID `json:"winner,omitempty"`
	ConfidenceLevel float64         `json:"confidence_level"`
	Threshold       float64         `json:"threshold"`
}

// Result is the computed, never-stored summary of an experiment
type Result struct {
	ExperimentID               core.ExperimentID  `json:"experiment_id"`
	Status                     Status             `json:"status"`
	ControlVariantID           core.VariantID     `json:"control_variant_id"`
	WinnerVariantID            *core.VariantID    `json:"winner_variant_id"`
	IsStatisticallySignificant bool               `json:"is_statistically_significant"`
	PValue                     *float64           `json:"p_value"`
	ImprovementPercentage      *float64           `json:"improvement_percentage"`
	ConfidenceLevel            float64            `json:"confidence_level"`
	SignificanceLevel          float64            `json:"significance_level"`
	MinSampleSize              int                `json:"min_sample_size"`
	TotalParticipants          uint64             `json:"total_participants"`
	TotalImpressions           uint64             `json:"total_impressions"`
	Variants                   []VariantResult    `json:"variant_performance"`
	EarlyStopping              *EarlyStopDecision `json:"early_stopping,omitempty"`
	ComputedAt                 time.Time          `json:"computed_at"`
}
