package testkit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"variantlab/domain/core"
	"variantlab/domain/experiment"
	"variantlab/domain/tracking"
	"variantlab/domain/variant"
	"variantlab/internal/errors"
	"variantlab/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// StoreFactory returns a fresh, empty store for one subtest
type StoreFactory func(t *testing.T) ports.Store

// RunStoreContract exercises the behaviour every ports.Store backend must share
func RunStoreContract(t *testing.T, newStore StoreFactory) {
	t.Run("RegisterIsIdempotent", func(t *testing.T) { testRegisterIsIdempotent(t, newStore(t)) })
	t.Run("UnknownVariant", func(t *testing.T) { testUnknownVariant(t, newStore(t)) })
	t.Run("ListVariantsByScope", func(t *testing.T) { testListVariantsByScope(t, newStore(t)) })
	t.Run("IncrementIsAllOrNothing", func(t *testing.T) { testIncrementIsAllOrNothing(t, newStore(t)) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { testConcurrentIncrements(t, newStore(t)) })
	t.Run("ExperimentRoundTrip", func(t *testing.T) { testExperimentRoundTrip(t, newStore(t)) })
	t.Run("CompareAndSwapStatus", func(t *testing.T) { testCompareAndSwapStatus(t, newStore(t)) })
	t.Run("AssignmentFirstWriterWins", func(t *testing.T) { testAssignmentFirstWriterWins(t, newStore(t)) })
	t.Run("VariantEvents", func(t *testing.T) { testVariantEvents(t, newStore(t)) })
	t.Run("ExperimentEvents", func(t *testing.T) { testExperimentEvents(t, newStore(t)) })
}

func testRegisterIsIdempotent(t *testing.T, store ports.Store) {
	ctx := context.Background()
	v := NewVariant(t, "tone", "bold", "length", "short")

	created, err := store.Register(ctx, v, variant.BootstrapDelta)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Register(ctx, v, variant.BootstrapDelta)
	require.NoError(t, err)
	assert.False(t, created)

	rec, err := store.GetVariant(ctx, v.ID, variant.GlobalScope)
	require.NoError(t, err)
	assert.Equal(t, variant.Performance{Impressions: 1}, rec.Performance)
	assert.Equal(t, v.Dimensions, rec.Dimensions)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testUnknownVariant(t *testing.T, store ports.Store) {
	ctx := context.Background()

	_, err := store.GetVariant(ctx, "v_missing", variant.GlobalScope)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))

	err = store.Increment(ctx, "v_missing", []variant.Scope{variant.GlobalScope}, variant.Delta{Impressions: 1})
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func testListVariantsByScope(t *testing.T, store ports.Store) {
	ctx := context.Background()
	a := NewVariant(t, "tone", "edgy")
	b := NewVariant(t, "tone", "engaging")
	for _, v := range []variant.Variant{a, b} {
		_, err := store.Register(ctx, v, variant.Delta{})
		require.NoError(t, err)
	}

	scopes := variant.ScopesFor("founder", "post")
	require.NoError(t, store.Increment(ctx, a.ID, scopes, variant.Delta{Impressions: 3}))

	global, err := store.ListVariants(ctx, variant.Filter{})
	require.NoError(t, err)
	require.Len(t, global, 2)
	assert.True(t, global[0].ID < global[1].ID, "ordered by id")

	scoped, err := store.ListVariants(ctx, variant.Filter{Persona: "founder", ContentType: "post"})
	require.NoError(t, err)
	require.Len(t, scoped, 2)
	for _, rec := range scoped {
		if rec.ID == a.ID {
			assert.Equal(t, uint64(3), rec.Performance.Impressions)
		} else {
			assert.Equal(t, variant.Performance{}, rec.Performance)
		}
	}

	other, err := store.ListVariants(ctx, variant.Filter{Persona: "engineer"})
	require.NoError(t, err)
	for _, rec := range other {
		assert.Zero(t, rec.Performance.Impressions)
	}
}

func testIncrementIsAllOrNothing(t *testing.T, store ports.Store) {
	ctx := context.Background()
	v := NewVariant(t, "tone", "edgy")
	_, err := store.Register(ctx, v, variant.BootstrapDelta)
	require.NoError(t, err)
	scopes := variant.ScopesFor("founder", "")

	// the persona bucket has no bootstrap impression; only global is checked
	require.NoError(t, store.Increment(ctx, v.ID, scopes, variant.Delta{Successes: 1, Value: 1}))

	rec, err := store.GetVariant(ctx, v.ID, variant.GlobalScope)
	require.NoError(t, err)
	assert.Equal(t, variant.Performance{Impressions: 1, Successes: 1, EngagementValueSum: 1}, rec.Performance)
	scoped, err := store.GetVariant(ctx, v.ID, variant.Scope{Persona: "founder"})
	require.NoError(t, err)
	assert.Equal(t, variant.Performance{Successes: 1, EngagementValueSum: 1}, scoped.Performance)

	// a second success breaks the global invariant and no bucket moves
	err = store.Increment(ctx, v.ID, scopes, variant.Delta{Successes: 1, Value: 1})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvariantViolation))

	rec, err = store.GetVariant(ctx, v.ID, variant.GlobalScope)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Performance.Successes)
	scoped, err = store.GetVariant(ctx, v.ID, variant.Scope{Persona: "founder"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), scoped.Performance.Successes)
}

func testConcurrentIncrements(t *testing.T, store ports.Store) {
	ctx := context.Background()
	v := NewVariant(t, "tone", "edgy")
	_, err := store.Register(ctx, v, variant.Delta{})
	require.NoError(t, err)

	const workers, perWorker = 8, 25
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				if err := store.Increment(ctx, v.ID, []variant.Scope{variant.GlobalScope}, variant.Delta{Impressions: 1}); err != nil {
					return err
				}
				// successes may be rejected when they outrun impressions; that is fine
				_ = store.Increment(ctx, v.ID, []variant.Scope{variant.GlobalScope}, variant.Delta{Successes: 1, Value: 1})
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	rec, err := store.GetVariant(ctx, v.ID, variant.GlobalScope)
	require.NoError(t, err)
	assert.Equal(t, uint64(workers*perWorker), rec.Performance.Impressions)
	assert.LessOrEqual(t, rec.Performance.Successes, rec.Performance.Impressions)
}

func testExperimentRoundTrip(t *testing.T, store ports.Store) {
	ctx := context.Background()
	exp := NewExperiment(t, "hooks", "v_a", "v_b")
	require.NoError(t, store.Create(ctx, exp))

	got, err := store.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, exp.Name, got.Name)
	assert.Equal(t, exp.VariantIDs, got.VariantIDs)
	assert.Equal(t, exp.TrafficAllocation, got.TrafficAllocation)
	assert.Equal(t, exp.ControlVariantID, got.ControlVariantID)
	assert.Equal(t, experiment.StatusDraft, got.Status)
	assert.True(t, exp.CreatedAt.Equal(got.CreatedAt))

	_, err = store.GetExperiment(ctx, "exp_missing")
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))

	other := NewExperiment(t, "tones", "v_c", "v_d")
	other.TargetPersona = "engineer"
	require.NoError(t, store.Create(ctx, other))

	all, err := store.ListExperiments(ctx, experiment.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	founders, err := store.ListExperiments(ctx, experiment.ListFilter{TargetPersona: "founder"})
	require.NoError(t, err)
	require.Len(t, founders, 1)
	assert.Equal(t, exp.ID, founders[0].ID)
}

func testCompareAndSwapStatus(t *testing.T, store ports.Store) {
	ctx := context.Background()
	exp := NewExperiment(t, "hooks", "v_a", "v_b")
	require.NoError(t, store.Create(ctx, exp))

	started := Epoch.Add(time.Hour)
	updated, err := store.CompareAndSwapStatus(ctx, exp.ID, experiment.StatusDraft, experiment.StatusActive, "", started)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusActive, updated.Status)
	require.NotNil(t, updated.StartedAt)
	assert.True(t, started.Equal(*updated.StartedAt))

	// stale expectation loses
	_, err = store.CompareAndSwapStatus(ctx, exp.ID, experiment.StatusDraft, experiment.StatusActive, "", started)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidState))

	_, err = store.CompareAndSwapStatus(ctx, exp.ID, experiment.StatusActive, experiment.StatusCompleted, "", started.Add(time.Hour))
	require.NoError(t, err)

	_, err = store.CompareAndSwapStatus(ctx, exp.ID, experiment.StatusCompleted, experiment.StatusActive, "", started)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidState))

	got, err := store.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	active, err := store.ListExperiments(ctx, experiment.ListFilter{Status: experiment.StatusActive})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func testAssignmentFirstWriterWins(t *testing.T, store ports.Store) {
	ctx := context.Background()
	exp := NewExperiment(t, "hooks", "v_a", "v_b")
	require.NoError(t, store.Create(ctx, exp))

	none, err := store.GetAssignment(ctx, exp.ID, "p1")
	require.NoError(t, err)
	assert.Nil(t, none)

	const racers = 16
	results := make([]experiment.Assignment, racers)
	created := make([]bool, racers)
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		g.Go(func() error {
			a := experiment.Assignment{
				ExperimentID:  exp.ID,
				ParticipantID: "p1",
				VariantID:     exp.VariantIDs[i%2],
				AssignedAt:    Epoch,
			}
			var err error
			results[i], created[i], err = store.InsertAssignmentIfAbsent(ctx, a)
			return err
		})
	}
	require.NoError(t, g.Wait())

	winners := 0
	for i := range results {
		if created[i] {
			winners++
		}
		assert.Equal(t, results[0].VariantID, results[i].VariantID)
	}
	assert.Equal(t, 1, winners)

	stored, err := store.GetAssignment(ctx, exp.ID, "p1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, results[0].VariantID, stored.VariantID)

	for i := 0; i < 5; i++ {
		_, _, err := store.InsertAssignmentIfAbsent(ctx, experiment.Assignment{
			ExperimentID:  exp.ID,
			ParticipantID: core.ParticipantID(fmt.Sprintf("q%d", i)),
			VariantID:     "v_b",
			AssignedAt:    Epoch,
		})
		require.NoError(t, err)
	}
	counts, err := store.ParticipantCounts(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), counts["v_a"]+counts["v_b"])
	assert.GreaterOrEqual(t, counts["v_b"], uint64(5))
}

func testVariantEvents(t *testing.T, store ports.Store) {
	ctx := context.Background()
	v := NewVariant(t, "tone", "edgy")
	_, err := store.Register(ctx, v, variant.Delta{})
	require.NoError(t, err)

	scopes := variant.ScopesFor("founder", "")
	impression := tracking.Event{ID: core.NewID(), VariantID: v.ID, Action: tracking.ActionImpression, EngagementValue: 1, Timestamp: Epoch}
	engagement := tracking.Event{ID: core.NewID(), VariantID: v.ID, Action: tracking.ActionEngagement, EngagementType: "like", EngagementValue: 2.5, Timestamp: Epoch.Add(time.Second)}

	// engagement before any impression breaks the invariant and is not logged
	err = store.ApplyVariantEvent(ctx, engagement, scopes)
	assert.True(t, errors.IsCode(err, errors.CodeInvariantViolation))

	require.NoError(t, store.ApplyVariantEvent(ctx, impression, scopes))
	require.NoError(t, store.ApplyVariantEvent(ctx, engagement, scopes))

	for _, scope := range scopes {
		rec, err := store.GetVariant(ctx, v.ID, scope)
		require.NoError(t, err)
		assert.Equal(t, variant.Performance{Impressions: 1, Successes: 1, EngagementValueSum: 2.5}, rec.Performance, scope.Key())
	}

	events, err := store.Events(ctx, tracking.Filter{VariantID: v.ID})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, tracking.ActionImpression, events[0].Action)
	assert.Equal(t, "like", events[1].EngagementType)

	latest, err := store.Events(ctx, tracking.Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, engagement.ID, latest[0].ID)
}

func testExperimentEvents(t *testing.T, store ports.Store) {
	ctx := context.Background()
	exp := NewExperiment(t, "hooks", "v_a", "v_b")
	require.NoError(t, store.Create(ctx, exp))

	ev := func(variantID core.VariantID, action tracking.Action) tracking.Event {
		return tracking.Event{
			ID:              core.NewID(),
			ExperimentID:    exp.ID,
			VariantID:       variantID,
			ParticipantID:   "p1",
			Action:          action,
			EngagementValue: 1,
			Timestamp:       Epoch,
		}
	}

	missing := ev("v_a", tracking.ActionImpression)
	missing.ExperimentID = "exp_missing"
	assert.True(t, errors.IsCode(store.ApplyExperimentEvent(ctx, missing), errors.CodeNotFound))

	assert.True(t, errors.IsCode(store.ApplyExperimentEvent(ctx, ev("v_a", tracking.ActionConversion)), errors.CodeInvariantViolation))

	require.NoError(t, store.ApplyExperimentEvent(ctx, ev("v_a", tracking.ActionImpression)))
	require.NoError(t, store.ApplyExperimentEvent(ctx, ev("v_a", tracking.ActionImpression)))
	require.NoError(t, store.ApplyExperimentEvent(ctx, ev("v_a", tracking.ActionConversion)))
	require.NoError(t, store.ApplyExperimentEvent(ctx, ev("v_b", tracking.ActionImpression)))

	tallies, err := store.ExperimentTallies(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, tracking.Tally{Impressions: 2, Conversions: 1, EngagementValueSum: 1}, tallies["v_a"])
	assert.Equal(t, tracking.Tally{Impressions: 1}, tallies["v_b"])

	events, err := store.Events(ctx, tracking.Filter{ExperimentID: exp.ID})
	require.NoError(t, err)
	assert.Len(t, events, 4)
	assert.Equal(t, tallies, tracking.Fold(events))

	// experiment events never touch adaptive counters
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
