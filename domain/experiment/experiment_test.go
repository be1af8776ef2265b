package experiment

import (
	"testing"
	"time"

	"variantlab/domain/core"
	"variantlab/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() Spec {
	return Spec{
		Name:              "Hook style test",
		VariantIDs:        []core.VariantID{"control", "question"},
		TrafficAllocation: []float64{0.5, 0.5},
		ControlVariantID:  "control",
		TargetPersona:     "founder",
		SuccessMetrics:    []string{"engagement", "conversion", "engagement"},
		DurationDays:      14,
	}
}

func TestNewExperimentDefaults(t *testing.T) {
	exp, err := New(validSpec(), DefaultDefaults(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, StatusDraft, exp.Status)
	assert.Equal(t, 0.05, exp.SignificanceLevel)
	assert.Equal(t, 100, exp.MinSampleSize)
	assert.Equal(t, []string{"conversion", "engagement"}, exp.SuccessMetrics)
	assert.Nil(t, exp.StartedAt)
	assert.NotEmpty(t, exp.ID)
}

func TestNewExperimentEqualSplitWhenAllocationOmitted(t *testing.T) {
	spec := validSpec()
	spec.VariantIDs = []core.VariantID{"control", "a", "b", "c"}
	spec.TrafficAllocation = nil

	exp, err := New(spec, DefaultDefaults(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, 0.25, 0.25, 0.25}, exp.TrafficAllocation)
}

func TestNewExperimentValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Spec)
	}{
		{"blank name", func(s *Spec) { s.Name = "   " }},
		{"single variant", func(s *Spec) { s.VariantIDs = []core.VariantID{"control"}; s.TrafficAllocation = []float64{1} }},
		{"duplicate variants", func(s *Spec) { s.VariantIDs = []core.VariantID{"control", "control"} }},
		{"allocation length", func(s *Spec) { s.TrafficAllocation = []float64{1} }},
		{"allocation sum", func(s *Spec) { s.TrafficAllocation = []float64{0.5, 0.4} }},
		{"negative weight", func(s *Spec) { s.TrafficAllocation = []float64{1.5, -0.5} }},
		{"control missing", func(s *Spec) { s.ControlVariantID = "other" }},
		{"no control", func(s *Spec) { s.ControlVariantID = "" }},
		{"zero duration", func(s *Spec) { s.DurationDays = 0 }},
		{"bad significance", func(s *Spec) { s.SignificanceLevel = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)
			_, err := New(spec, DefaultDefaults(), time.Now())
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CodeValidationError), "got %v", err)
		})
	}
}

func TestAllocationTolerance(t *testing.T) {
	ids := []core.VariantID{"a", "b", "c"}
	assert.NoError(t, ValidateAllocation(ids, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}))
	assert.Error(t, ValidateAllocation(ids, []float64{0.333, 0.333, 0.333}))
}

func TestStateMachine(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusDraft, StatusActive, true},
		{StatusDraft, StatusPaused, false},
		{StatusDraft, StatusCompleted, true},
		{StatusActive, StatusPaused, true},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusActive, false},
		{StatusPaused, StatusActive, true},
		{StatusPaused, StatusCompleted, true},
		{StatusCompleted, StatusActive, false},
		{StatusCompleted, StatusPaused, false},
		{StatusCompleted, StatusCompleted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestApplyTransitionTimestamps(t *testing.T) {
	exp, err := New(validSpec(), DefaultDefaults(), time.Now())
	require.NoError(t, err)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exp.ApplyTransition(StatusActive, "", t0)
	exp.ApplyTransition(StatusPaused, "holiday", t0.Add(time.Hour))
	assert.Equal(t, "holiday", exp.PauseReason)
	exp.ApplyTransition(StatusActive, "", t0.Add(2*time.Hour))

	require.NotNil(t, exp.StartedAt)
	assert.Equal(t, t0, *exp.StartedAt, "restart keeps the original start")
	assert.Nil(t, exp.PausedAt)
	assert.Equal(t, t0.Add(14*24*time.Hour), *exp.EndsAt())
	assert.False(t, exp.IsExpired(t0.Add(13*24*time.Hour)))
	assert.True(t, exp.IsExpired(t0.Add(14*24*time.Hour)))
}

func TestCloneIsDeep(t *testing.T) {
	exp, err := New(validSpec(), DefaultDefaults(), time.Now())
	require.NoError(t, err)

	clone := exp.Clone()
	clone.VariantIDs[0] = "mutated"
	clone.TrafficAllocation[0] = 0.9
	assert.Equal(t, core.VariantID("control"), exp.VariantIDs[0])
	assert.Equal(t, 0.5, exp.TrafficAllocation[0])
}

func TestListFilter(t *testing.T) {
	exp := &Experiment{Status: StatusActive, TargetPersona: "founder"}
	assert.True(t, ListFilter{}.Matches(exp))
	assert.True(t, ListFilter{Status: StatusActive, TargetPersona: "founder"}.Matches(exp))
	assert.False(t, ListFilter{Status: StatusPaused}.Matches(exp))
	assert.False(t, ListFilter{TargetPersona: "engineer"}.Matches(exp))
}
