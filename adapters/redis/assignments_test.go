package redis

import (
	"context"
	"fmt"
	"testing"

	"variantlab/adapters/memory"
	"variantlab/domain/core"
	"variantlab/domain/experiment"
	"variantlab/internal/testkit"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func setupRepo(t *testing.T) (*miniredis.Miniredis, *AssignmentRepository) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewAssignmentRepository(rdb, "test")
}

func TestInsertAssignmentIfAbsent(t *testing.T) {
	mr, repo := setupRepo(t)
	ctx := context.Background()

	first := experiment.Assignment{ExperimentID: "exp_1", ParticipantID: "p1", VariantID: "v_a", AssignedAt: testkit.Epoch}
	got, created, err := repo.InsertAssignmentIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.VariantID, got.VariantID)

	second := first
	second.VariantID = "v_b"
	got, created, err = repo.InsertAssignmentIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, core.VariantID("v_a"), got.VariantID)

	assert.True(t, mr.Exists("test:assignment:exp_1:p1"))
	assert.Equal(t, "1", mr.HGet("test:participants:exp_1", "v_a"))
	assert.Equal(t, "", mr.HGet("test:participants:exp_1", "v_b"))
}

func TestGetAssignment(t *testing.T) {
	_, repo := setupRepo(t)
	ctx := context.Background()

	none, err := repo.GetAssignment(ctx, "exp_1", "p1")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, _, err = repo.InsertAssignmentIfAbsent(ctx, experiment.Assignment{ExperimentID: "exp_1", ParticipantID: "p1", VariantID: "v_b", AssignedAt: testkit.Epoch})
	require.NoError(t, err)

	a, err := repo.GetAssignment(ctx, "exp_1", "p1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, core.VariantID("v_b"), a.VariantID)
	assert.True(t, testkit.Epoch.Equal(a.AssignedAt))
}

func TestConcurrentFirstCallsConverge(t *testing.T) {
	_, repo := setupRepo(t)
	ctx := context.Background()

	const racers = 12
	results := make([]core.VariantID, racers)
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		g.Go(func() error {
			a, _, err := repo.InsertAssignmentIfAbsent(ctx, experiment.Assignment{
				ExperimentID:  "exp_1",
				ParticipantID: "p1",
				VariantID:     core.VariantID(fmt.Sprintf("v_%d", i)),
				AssignedAt:    testkit.Epoch,
			})
			results[i] = a.VariantID
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, id := range results {
		assert.Equal(t, results[0], id)
	}

	counts, err := repo.ParticipantCounts(ctx, "exp_1")
	require.NoError(t, err)
	assert.Equal(t, map[core.VariantID]uint64{results[0]: 1}, counts)
}

func TestDialRejectsBadURL(t *testing.T) {
	_, err := Dial("not a url", "")
	assert.Error(t, err)
}

func TestOverlayRoutesAssignments(t *testing.T) {
	mr, repo := setupRepo(t)
	ctx := context.Background()
	base := memory.NewStore()
	store := Overlay(base, repo)

	exp := testkit.NewExperiment(t, "hooks", "v_a", "v_b")
	require.NoError(t, store.Create(ctx, exp))

	_, created, err := store.InsertAssignmentIfAbsent(ctx, experiment.Assignment{ExperimentID: exp.ID, ParticipantID: "p1", VariantID: "v_a", AssignedAt: testkit.Epoch})
	require.NoError(t, err)
	assert.True(t, created)

	// the base store never saw the assignment
	fromBase, err := base.GetAssignment(ctx, exp.ID, "p1")
	require.NoError(t, err)
	assert.Nil(t, fromBase)

	require.NoError(t, store.Ping(ctx))
	mr.SetError("LOADING")
	assert.Error(t, store.Ping(ctx))
}
