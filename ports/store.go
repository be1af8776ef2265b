package ports

import (
	"context"
	"time"

	"variantlab/domain/core"
	"variantlab/domain/experiment"
	"variantlab/domain/tracking"
	"variantlab/domain/variant"
)

// VariantRepository owns variant identity and performance counters
type VariantRepository interface {
	// Register inserts the variant if its id is unseen. Counters for a new
	// variant start at bootstrap (or zero). Returns whether a row was created.
	Register(ctx context.Context, v variant.Variant, bootstrap variant.Delta) (bool, error)

	// GetVariant returns the variant with its counters in the given scope.
	// Fails with a NOT_FOUND AppError for unknown ids.
	GetVariant(ctx context.Context, id core.VariantID, scope variant.Scope) (*variant.Record, error)

	// ListVariants returns every variant with its counters in the filter's scope,
	// ordered by variant id. Variants without data in that scope carry zero counters.
	ListVariants(ctx context.Context, filter variant.Filter) ([]variant.Record, error)

	// Increment applies delta to the variant in every scope as one unit.
	// Fails with INVARIANT_VIOLATION, leaving all counters unchanged, if any
	// scope would end up with successes > impressions.
	Increment(ctx context.Context, id core.VariantID, scopes []variant.Scope, delta variant.Delta) error

	// Count returns the number of registered variants
	Count(ctx context.Context) (int, error)
}

// ExperimentRepository stores experiments and guards status changes
type ExperimentRepository interface {
	Create(ctx context.Context, exp *experiment.Experiment) error
	GetExperiment(ctx context.Context, id core.ExperimentID) (*experiment.Experiment, error)

	// ListExperiments returns matching experiments, newest first
	ListExperiments(ctx context.Context, filter experiment.ListFilter) ([]*experiment.Experiment, error)

	// CompareAndSwapStatus moves the experiment from -> to only if its stored
	// status is still from. Returns an INVALID_STATE AppError otherwise.
	CompareAndSwapStatus(ctx context.Context, id core.ExperimentID, from, to experiment.Status, reason string, at time.Time) (*experiment.Experiment, error)
}

// AssignmentRepository stores sticky participant assignments
type AssignmentRepository interface {
	// GetAssignment returns the assignment or nil when none exists
	GetAssignment(ctx context.Context, expID core.ExperimentID, participantID core.ParticipantID) (*experiment.Assignment, error)

	// InsertAssignmentIfAbsent writes a only when no assignment exists for its
	// key. It returns the stored assignment, which is the caller's own on a win
	// and the earlier writer's on a loss, and whether this call created it.
	InsertAssignmentIfAbsent(ctx context.Context, a experiment.Assignment) (experiment.Assignment, bool, error)

	// ParticipantCounts returns the number of assigned participants per variant
	ParticipantCounts(ctx context.Context, expID core.ExperimentID) (map[core.VariantID]uint64, error)
}

// FeedbackStore appends tracking events and folds them into counters.
// Each Apply call is atomic: either the event is logged and every counter
// moves, or nothing changes.
type FeedbackStore interface {
	ApplyVariantEvent(ctx context.Context, event tracking.Event, scopes []variant.Scope) error
	ApplyExperimentEvent(ctx context.Context, event tracking.Event) error
	ExperimentTallies(ctx context.Context, expID core.ExperimentID) (map[core.VariantID]tracking.Tally, error)
	Events(ctx context.Context, filter tracking.Filter) ([]tracking.Event, error)
}

// Store bundles every persistence primitive the engine needs
type Store interface {
	VariantRepository
	ExperimentRepository
	AssignmentRepository
	FeedbackStore

	Ping(ctx context.Context) error
	Close() error
}
