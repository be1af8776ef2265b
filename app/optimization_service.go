package app

import (
	"context"
	"log/slog"
	"sort"

	"variantlab/domain/core"
	"variantlab/domain/experiment"
	"variantlab/domain/tracking"
	"variantlab/domain/variant"
	"variantlab/internal/analysis"
	"variantlab/internal/errors"
	"variantlab/internal/metrics"
	"variantlab/ports"
)

// Health statuses
const (
	HealthHealthy = "healthy"
	HealthWarning = "warning"
)

// Selection paths reported to metrics
const (
	pathSingle  = "single"
	pathGlobal  = "global"
	pathScoped  = "scoped"
	defaultTopN = 10
)

// StatsConfidenceLevels are the interval levels reported per variant
var StatsConfidenceLevels = []float64{0.90, 0.95, 0.99}

// OptimizationConfig tunes the adaptive path
type OptimizationConfig struct {
	// ScopeMinImpressions is how many impressions a persona/content-type scope
	// needs across all candidates before selection trusts its counters
	ScopeMinImpressions uint64
}

// OptimizeRequest asks for the best variant for a piece of content
type OptimizeRequest struct {
	PersonaID   string
	ContentType string
	InputText   string
	Context     core.StringMap
}

// RankedVariant is a variant row in insights
type RankedVariant struct {
	VariantID     core.VariantID `json:"variant_id"`
	Dimensions    core.StringMap `json:"dimensions"`
	Impressions   uint64         `json:"impressions"`
	Successes     uint64         `json:"successes"`
	SuccessRate   float64        `json:"success_rate"`
	ExpectedValue float64        `json:"expected_value"`
	AverageValue  float64        `json:"average_engagement_value"`
}

// Insights summarizes what the adaptive path has learned
type Insights struct {
	TopPerforming            []RankedVariant                               `json:"top_performing_variants"`
	DimensionRecommendations map[string]analysis.DimensionRecommendation `json:"dimension_recommendations"`
	TotalVariantsAnalyzed    int                                           `json:"total_variants_analyzed"`
	VariantsWithData         int                                           `json:"variants_with_data"`
	RateSummary              analysis.RateSummary                          `json:"rate_summary"`
}

// Health reports store reachability and catalogue size
type Health struct {
	Status            string `json:"status"`
	DatabaseConnected bool   `json:"database_connected"`
	VariantCount      int    `json:"variant_count"`
	Error             string `json:"error,omitempty"`
}

// ThompsonStats is the posterior view of a variant
type ThompsonStats struct {
	Alpha         float64 `json:"alpha"`
	Beta          float64 `json:"beta"`
	ExpectedValue float64 `json:"expected_value"`
	Variance      float64 `json:"variance"`
}

// VariantStats is the observability view of one variant
type VariantStats struct {
	VariantID           core.VariantID                 `json:"variant_id"`
	Dimensions          core.StringMap                 `json:"dimensions"`
	Performance         variant.Performance            `json:"performance"`
	SuccessRate         float64                        `json:"success_rate"`
	ConfidenceIntervals map[string]experiment.Interval `json:"confidence_intervals"`
	ThompsonStats       ThompsonStats                  `json:"thompson_sampling_stats"`
}

// OptimizationService is the adaptive optimization facade: catalogue
// seeding, Thompson selection, feedback and insights
type OptimizationService struct {
	variants *VariantStore
	selector *ThompsonSelector
	tracker  *FeedbackTracker
	analyzer *analysis.Analyzer
	health   interface{ Ping(context.Context) error }
	config   OptimizationConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewOptimizationService wires the adaptive path
func NewOptimizationService(
	variants *VariantStore,
	selector *ThompsonSelector,
	tracker *FeedbackTracker,
	analyzer *analysis.Analyzer,
	store ports.Store,
	config OptimizationConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *OptimizationService {
	return &OptimizationService{
		variants: variants,
		selector: selector,
		tracker:  tracker,
		analyzer: analyzer,
		health:   store,
		config:   config,
		metrics:  metricsOrPrivate(m),
		logger:   loggerOrDiscard(logger),
	}
}

// Initialize seeds the default dimension space with bootstrapped variants and
// returns the catalogue size. Safe to call repeatedly.
func (s *OptimizationService) Initialize(ctx context.Context) (int, error) {
	space := variant.DefaultSpace()
	if _, err := s.variants.Generate(ctx, space, space.Size(), true); err != nil {
		return 0, err
	}
	return s.variants.Count(ctx)
}

// Generate registers variants from space and returns the result plus the
// catalogue size afterwards
func (s *OptimizationService) Generate(ctx context.Context, space variant.Space, maxVariants int, includeBootstrap bool) (*GenerateResult, int, error) {
	result, err := s.variants.Generate(ctx, space, maxVariants, includeBootstrap)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.variants.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

// Optimize selects a variant for the request by Thompson sampling. When the
// persona/content-type scope has enough impressions its counters drive the
// draw; otherwise the global counters do.
func (s *OptimizationService) Optimize(ctx context.Context, req OptimizeRequest) (*Selection, error) {
	candidates, err := s.variants.List(ctx, variant.Filter{})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errors.NoEligibleVariants("no variants registered; initialize or generate variants first")
	}

	path := pathGlobal
	scope := variant.Scope{Persona: req.PersonaID, ContentType: req.ContentType}
	if !scope.IsGlobal() && s.config.ScopeMinImpressions > 0 {
		scoped, err := s.variants.List(ctx, variant.Filter{Persona: scope.Persona, ContentType: scope.ContentType})
		if err != nil {
			return nil, err
		}
		if totalImpressions(scoped) >= s.config.ScopeMinImpressions {
			candidates = scoped
			path = pathScoped
		}
	}
	if len(candidates) == 1 {
		path = pathSingle
	}

	sel, err := s.selector.SelectWithMetadata(candidates)
	if err != nil {
		return nil, err
	}
	s.metrics.Selections.WithLabelValues(path).Inc()
	s.logger.Debug("variant selected",
		"variant_id", sel.VariantID,
		"persona_id", req.PersonaID,
		"content_type", req.ContentType,
		"path", path,
		"sampled_value", sel.Metadata.SampledValue)
	return sel, nil
}

func totalImpressions(records []variant.Record) uint64 {
	var total uint64
	for _, r := range records {
		total += r.Performance.Impressions
	}
	return total
}

// Track records adaptive feedback. Experiment ids are stripped so adaptive
// reports never touch experiment tallies.
func (s *OptimizationService) Track(ctx context.Context, fb Feedback) (*tracking.Event, error) {
	fb.ExperimentID = ""
	return s.tracker.Track(ctx, fb)
}

// ListVariants returns the catalogue with counters from the filter's scope
func (s *OptimizationService) ListVariants(ctx context.Context, filter variant.Filter) ([]variant.Record, error) {
	return s.variants.List(ctx, filter)
}

// VariantStats exposes the counters, intervals and posterior of one variant
func (s *OptimizationService) VariantStats(ctx context.Context, id core.VariantID) (*VariantStats, error) {
	rec, err := s.variants.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	perf := rec.Performance

	intervals := make(map[string]experiment.Interval, len(StatsConfidenceLevels))
	for _, level := range StatsConfidenceLevels {
		intervals[levelKey(level)] = s.analyzer.ConfidenceInterval(perf.Successes, perf.Impressions, level)
	}

	return &VariantStats{
		VariantID:           rec.ID,
		Dimensions:          rec.Dimensions,
		Performance:         perf,
		SuccessRate:         perf.SuccessRate(),
		ConfidenceIntervals: intervals,
		ThompsonStats: ThompsonStats{
			Alpha:         perf.Alpha(),
			Beta:          perf.Beta(),
			ExpectedValue: perf.ExpectedValue(),
			Variance:      perf.Variance(),
		},
	}, nil
}

func levelKey(level float64) string {
	switch level {
	case 0.90:
		return "90%"
	case 0.95:
		return "95%"
	case 0.99:
		return "99%"
	}
	return "custom"
}

// Insights ranks variants by observed success rate and recommends the best
// value per dimension. limit <= 0 uses the default of 10.
func (s *OptimizationService) Insights(ctx context.Context, limit int) (*Insights, error) {
	if limit <= 0 {
		limit = defaultTopN
	}
	records, err := s.variants.List(ctx, variant.Filter{})
	if err != nil {
		return nil, err
	}

	withData := make([]variant.Record, 0, len(records))
	for _, r := range records {
		if r.Performance.Impressions > 0 {
			withData = append(withData, r)
		}
	}
	sort.SliceStable(withData, func(i, j int) bool {
		a, b := withData[i].Performance, withData[j].Performance
		if a.SuccessRate() != b.SuccessRate() {
			return a.SuccessRate() > b.SuccessRate()
		}
		if a.Impressions != b.Impressions {
			return a.Impressions > b.Impressions
		}
		return withData[i].ID < withData[j].ID
	})

	top := make([]RankedVariant, 0, limit)
	for _, r := range withData {
		if len(top) == limit {
			break
		}
		perf := r.Performance
		avg := 0.0
		if perf.Successes > 0 {
			avg = perf.EngagementValueSum / float64(perf.Successes)
		}
		top = append(top, RankedVariant{
			VariantID:     r.ID,
			Dimensions:    r.Dimensions,
			Impressions:   perf.Impressions,
			Successes:     perf.Successes,
			SuccessRate:   perf.SuccessRate(),
			ExpectedValue: perf.ExpectedValue(),
			AverageValue:  avg,
		})
	}

	return &Insights{
		TopPerforming:            top,
		DimensionRecommendations: s.analyzer.DimensionRecommendations(records),
		TotalVariantsAnalyzed:    len(records),
		VariantsWithData:         len(withData),
		RateSummary:              s.analyzer.SummarizeRates(records),
	}, nil
}

// Health reports healthy when the store answers and the catalogue is
// non-empty, warning otherwise
func (s *OptimizationService) Health(ctx context.Context) *Health {
	h := &Health{Status: HealthWarning}
	if err := s.health.Ping(ctx); err != nil {
		h.Error = err.Error()
		s.logger.Warn("store ping failed", "err", err)
		return h
	}
	h.DatabaseConnected = true

	count, err := s.variants.Count(ctx)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.VariantCount = count
	if count > 0 {
		h.Status = HealthHealthy
	}
	return h
}
