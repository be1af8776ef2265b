package testkit

import (
	"sync"
	"testing"
	"time"

	"variantlab/domain/core"
	"variantlab/domain/experiment"
	"variantlab/domain/variant"

	"github.com/stretchr/testify/require"
)

// MeanSampler returns the posterior mean instead of a random draw, which makes
// Thompson selection a deterministic argmax over expected values.
type MeanSampler struct{}

// SampleBeta implements ports.BetaSampler
func (MeanSampler) SampleBeta(alpha, beta float64) float64 {
	return alpha / (alpha + beta)
}

// ConstSampler returns the same value for every draw, forcing exact ties
type ConstSampler float64

// SampleBeta implements ports.BetaSampler
func (c ConstSampler) SampleBeta(alpha, beta float64) float64 {
	return float64(c)
}

// ScriptedSampler replays a fixed sequence of draws and records the
// parameters it was called with
type ScriptedSampler struct {
	mu     sync.Mutex
	values []float64
	Calls  [][2]float64
}

// NewScriptedSampler creates a sampler that returns values in order, then repeats the last
func NewScriptedSampler(values ...float64) *ScriptedSampler {
	return &ScriptedSampler{values: values}
}

// SampleBeta implements ports.BetaSampler
func (s *ScriptedSampler) SampleBeta(alpha, beta float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Calls = append(s.Calls, [2]float64{alpha, beta})
	if len(s.values) == 0 {
		return 0
	}
	v := s.values[0]
	if len(s.values) > 1 {
		s.values = s.values[1:]
	}
	return v
}

// FixedClock is an adjustable time source for services that take a now func
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock starts the clock at t
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t}
}

// Now returns the current fixed time
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Epoch is the reference time used by fixtures
var Epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// NewVariant builds a variant from alternating name/value pairs
func NewVariant(t testing.TB, pairs ...string) variant.Variant {
	t.Helper()
	require.True(t, len(pairs)%2 == 0, "pairs must be name/value")
	dims := core.StringMap{}
	for i := 0; i < len(pairs); i += 2 {
		dims[pairs[i]] = pairs[i+1]
	}
	v, err := variant.New(dims, Epoch)
	require.NoError(t, err)
	return v
}

// NewExperiment builds a draft experiment over the given arms with an equal
// split and the first arm as control
func NewExperiment(t testing.TB, name string, arms ...core.VariantID) *experiment.Experiment {
	t.Helper()
	require.GreaterOrEqual(t, len(arms), 2)
	exp, err := experiment.New(experiment.Spec{
		Name:             name,
		VariantIDs:       arms,
		ControlVariantID: arms[0],
		TargetPersona:    "founder",
		SuccessMetrics:   []string{"conversion"},
		DurationDays:     14,
	}, experiment.DefaultDefaults(), Epoch)
	require.NoError(t, err)
	return exp
}
