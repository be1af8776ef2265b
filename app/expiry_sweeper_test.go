package app

import (
	"context"
	"testing"
	"time"

	"variantlab/domain/experiment"
	"variantlab/internal/errors"
	"variantlab/internal/testkit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExpirySweeperRejectsBadSchedules(t *testing.T) {
	h := newHarness(t, testkit.MeanSampler{})

	_, err := NewExpirySweeper(h.manager, "", nil)
	assert.True(t, errors.IsCode(err, errors.CodeConfigInvalid))

	_, err = NewExpirySweeper(h.manager, "every now and then", nil)
	assert.True(t, errors.IsCode(err, errors.CodeConfigInvalid))

	s, err := NewExpirySweeper(h.manager, "@every 1m", nil)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestSweepCompletesExpiredExperiments(t *testing.T) {
	h := newHarness(t, testkit.MeanSampler{})
	ctx := context.Background()

	spec := twoArmSpec("v_a", "v_b")
	spec.DurationDays = 2
	exp := h.startedExperiment(t, spec)

	s, err := NewExpirySweeper(h.manager, "*/5 * * * *", nil)
	require.NoError(t, err)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(48 * time.Hour)
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.manager.Get(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusCompleted, got.Status)

	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweeperStartStop(t *testing.T) {
	h := newHarness(t, testkit.MeanSampler{})
	s, err := NewExpirySweeper(h.manager, "@every 1h", nil)
	require.NoError(t, err)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.NoError(t, ctx.Err())
}
