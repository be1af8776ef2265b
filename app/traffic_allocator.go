package app

import (
	"context"

	"variantlab/domain/core"
	"variantlab/domain/experiment"
	"variantlab/internal/errors"
	"variantlab/ports"

	"github.com/cespare/xxhash/v2"
)

// TrafficAllocator maps participants to experiment arms by a stable hash, so
// independent processes agree on the same assignment without shared state
type TrafficAllocator struct {
	repo  ports.AssignmentRepository
	clock Clock
}

// NewTrafficAllocator creates an allocator recording assignments in repo
func NewTrafficAllocator(repo ports.AssignmentRepository, clock Clock) *TrafficAllocator {
	return &TrafficAllocator{repo: repo, clock: clockOrSystem(clock)}
}

// Bucket hashes (experiment, participant) into [0,1). The top 53 bits of the
// xxhash64 digest fill a float64 mantissa exactly.
func Bucket(expID core.ExperimentID, participantID core.ParticipantID) float64 {
	h := xxhash.Sum64String(expID.String() + ":" + participantID.String())
	return float64(h>>11) / (1 << 53)
}

// PickArm walks the cumulative weights and returns the index whose bucket
// contains u. Zero-weight arms are never chosen; rounding slack past the
// final boundary falls to the last arm with weight.
func PickArm(allocation []float64, u float64) int {
	cumulative := 0.0
	last := -1
	for i, w := range allocation {
		if w <= 0 {
			continue
		}
		last = i
		cumulative += w
		if u < cumulative {
			return i
		}
	}
	return last
}

// Assign returns the participant's sticky arm, choosing and recording one on
// first contact. Concurrent first calls converge on whichever write landed
// first. created reports whether this call wrote the assignment.
func (a *TrafficAllocator) Assign(ctx context.Context, exp *experiment.Experiment, participantID core.ParticipantID) (assignment experiment.Assignment, created bool, err error) {
	if participantID == "" {
		return experiment.Assignment{}, false, errors.ValidationError("participant_id is required")
	}

	existing, err := a.repo.GetAssignment(ctx, exp.ID, participantID)
	if err != nil {
		return experiment.Assignment{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	idx := PickArm(exp.TrafficAllocation, Bucket(exp.ID, participantID))
	if idx < 0 {
		return experiment.Assignment{}, false, errors.NoEligibleVariants("experiment has no arm with traffic")
	}

	return a.repo.InsertAssignmentIfAbsent(ctx, experiment.Assignment{
		ExperimentID:  exp.ID,
		ParticipantID: participantID,
		VariantID:     exp.VariantIDs[idx],
		AssignedAt:    a.clock.Now(),
	})
}

// Lookup returns the participant's existing assignment, or nil
func (a *TrafficAllocator) Lookup(ctx context.Context, expID core.ExperimentID, participantID core.ParticipantID) (*experiment.Assignment, error) {
	return a.repo.GetAssignment(ctx, expID, participantID)
}
