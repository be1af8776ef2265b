package variant

import (
	"testing"
	"time"

	"variantlab/domain/core"
	"variantlab/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVariantIDFromDimensions(t *testing.T) {
	now := time.Now()
	a, err := New(core.StringMap{"tone": "bold", "length": "short"}, now)
	require.NoError(t, err)
	b, err := New(core.StringMap{"length": "short", "tone": "bold"}, now.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
}

func TestNewVariantRejectsBadDimensions(t *testing.T) {
	tests := []struct {
		name string
		dims core.StringMap
	}{
		{"empty", core.StringMap{}},
		{"blank name", core.StringMap{" ": "bold"}},
		{"blank value", core.StringMap{"tone": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.dims, time.Now())
			assert.True(t, errors.IsCode(err, errors.CodeValidationError))
		})
	}
}

func TestPerformancePosterior(t *testing.T) {
	p := Performance{Impressions: 10, Successes: 3}

	assert.Equal(t, 4.0, p.Alpha())
	assert.Equal(t, 8.0, p.Beta())
	assert.InDelta(t, 4.0/12.0, p.ExpectedValue(), 1e-12)
	assert.InDelta(t, 4.0*8.0/(144.0*13.0), p.Variance(), 1e-12)
	assert.InDelta(t, 0.3, p.SuccessRate(), 1e-12)

	empty := Performance{}
	assert.Equal(t, 0.5, empty.ExpectedValue())
	assert.Equal(t, 0.0, empty.SuccessRate())
}

func TestPerformanceApplyInvariant(t *testing.T) {
	p := Performance{Impressions: 1, Successes: 1}

	_, err := p.Apply(Delta{Successes: 1})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvariantViolation))

	next, err := p.Apply(Delta{Impressions: 2, Successes: 1, Value: 2.5})
	require.NoError(t, err)
	assert.Equal(t, Performance{Impressions: 3, Successes: 2, EngagementValueSum: 2.5}, next)
	assert.Equal(t, uint64(1), p.Impressions, "receiver must not change")
}

func TestPerformanceApplyIn(t *testing.T) {
	founder := Scope{Persona: "founder"}

	p, err := Performance{}.ApplyIn(founder, Delta{Successes: 1, Value: 1})
	require.NoError(t, err)
	assert.Equal(t, Performance{Successes: 1, EngagementValueSum: 1}, p)
	assert.Equal(t, uint64(0), p.Failures())
	assert.Equal(t, 1.0, p.Beta())
	assert.Equal(t, 0.0, p.SuccessRate(), "no impressions yet")

	_, err = Performance{}.ApplyIn(GlobalScope, Delta{Successes: 1})
	assert.True(t, errors.IsCode(err, errors.CodeInvariantViolation))

	ahead := Performance{Impressions: 1, Successes: 2}
	assert.Equal(t, 1.0, ahead.SuccessRate())
}

func TestScopeKeys(t *testing.T) {
	assert.Equal(t, "global", GlobalScope.Key())
	s := Scope{Persona: "founder", ContentType: "post"}
	assert.Equal(t, s, ParseScopeKey(s.Key()))
	assert.Equal(t, GlobalScope, ParseScopeKey("global"))

	assert.Len(t, ScopesFor("", ""), 1)
	assert.Len(t, ScopesFor("founder", ""), 2)
	assert.Len(t, ScopesFor("founder", "post"), 4)
}

func TestSpaceEnumerate(t *testing.T) {
	space := Space{
		"tone":       {"engaging", "edgy"},
		"hook_style": {"question", "controversial"},
	}
	require.NoError(t, space.Validate())

	combos := space.Enumerate(20)
	require.Len(t, combos, 4)
	// hook_style sorts first and varies slowest
	assert.Equal(t, core.StringMap{"hook_style": "question", "tone": "engaging"}, combos[0])
	assert.Equal(t, core.StringMap{"hook_style": "question", "tone": "edgy"}, combos[1])
	assert.Equal(t, core.StringMap{"hook_style": "controversial", "tone": "engaging"}, combos[2])
	assert.Equal(t, core.StringMap{"hook_style": "controversial", "tone": "edgy"}, combos[3])

	capped := space.Enumerate(3)
	assert.Equal(t, combos[:3], capped)
	assert.Nil(t, space.Enumerate(0))
}

func TestSpaceValidate(t *testing.T) {
	assert.Error(t, Space{}.Validate())
	assert.Error(t, Space{"tone": {}}.Validate())
	assert.Error(t, Space{"tone": {""}}.Validate())
	assert.Equal(t, 24, DefaultSpace().Size())
	assert.Equal(t, 2, Space{"tone": {"a", "a", "b"}}.Size())
}

func TestInstructions(t *testing.T) {
	got := Instructions(core.StringMap{"tone": "edgy", "length": "short", "format": "carousel"})
	require.Len(t, got, 3)
	assert.Equal(t, "format: carousel", got[0])
	assert.Equal(t, "Keep it under 300 characters", got[1])
	assert.Equal(t, "Use a provocative, slightly irreverent tone", got[2])
}
