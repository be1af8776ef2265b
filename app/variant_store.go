package app

import (
	"context"
	"log/slog"

	"variantlab/domain/core"
	"variantlab/domain/variant"
	"variantlab/internal/errors"
	"variantlab/ports"
)

// VariantStore is the single source of truth for variant identity and counters
type VariantStore struct {
	repo   ports.VariantRepository
	clock  Clock
	logger *slog.Logger
}

// GenerateResult reports what a Generate call enumerated and registered
type GenerateResult struct {
	VariantIDs []core.VariantID `json:"variant_ids"`
	Created    int              `json:"variants_created"`
}

// NewVariantStore creates a variant store over repo
func NewVariantStore(repo ports.VariantRepository, clock Clock, logger *slog.Logger) *VariantStore {
	return &VariantStore{
		repo:   repo,
		clock:  clockOrSystem(clock),
		logger: loggerOrDiscard(logger),
	}
}

// Register derives the variant id from dimensions and creates zeroed counters
// the first time it is seen. Registering a known variant is a no-op.
func (s *VariantStore) Register(ctx context.Context, dimensions core.StringMap) (core.VariantID, error) {
	v, err := variant.New(dimensions, s.clock.Now())
	if err != nil {
		return "", err
	}
	created, err := s.repo.Register(ctx, v, variant.Delta{})
	if err != nil {
		return "", errors.Wrapf(err, "register variant %s", v.ID)
	}
	if created {
		s.logger.Debug("variant registered", "variant_id", v.ID)
	}
	return v.ID, nil
}

// Generate registers the cartesian product of space, capped at maxVariants.
// With includeBootstrap, newly created variants start with one impression and
// no successes; variants that already existed keep their counters.
func (s *VariantStore) Generate(ctx context.Context, space variant.Space, maxVariants int, includeBootstrap bool) (*GenerateResult, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}
	if maxVariants <= 0 {
		return nil, errors.ValidationErrorf("max_variants must be positive, got %d", maxVariants)
	}

	bootstrap := variant.Delta{}
	if includeBootstrap {
		bootstrap = variant.BootstrapDelta
	}

	now := s.clock.Now()
	combos := space.Enumerate(maxVariants)
	result := &GenerateResult{VariantIDs: make([]core.VariantID, 0, len(combos))}
	for _, dims := range combos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := variant.New(dims, now)
		if err != nil {
			return nil, err
		}
		created, err := s.repo.Register(ctx, v, bootstrap)
		if err != nil {
			return nil, errors.Wrapf(err, "register variant %s", v.ID)
		}
		if created {
			result.Created++
		}
		result.VariantIDs = append(result.VariantIDs, v.ID)
	}

	s.logger.Info("variants generated",
		"requested", maxVariants,
		"enumerated", len(combos),
		"created", result.Created,
		"bootstrap", includeBootstrap)
	return result, nil
}

// Get returns the variant with its global counters
func (s *VariantStore) Get(ctx context.Context, id core.VariantID) (*variant.Record, error) {
	return s.repo.GetVariant(ctx, id, variant.GlobalScope)
}

// GetScoped returns the variant with its counters in scope
func (s *VariantStore) GetScoped(ctx context.Context, id core.VariantID, scope variant.Scope) (*variant.Record, error) {
	return s.repo.GetVariant(ctx, id, scope)
}

// List returns every variant with counters from the filter's scope
func (s *VariantStore) List(ctx context.Context, filter variant.Filter) ([]variant.Record, error) {
	return s.repo.ListVariants(ctx, filter)
}

// Update increments the global counters of id as one unit
func (s *VariantStore) Update(ctx context.Context, id core.VariantID, delta variant.Delta) error {
	return s.UpdateScopes(ctx, id, []variant.Scope{variant.GlobalScope}, delta)
}

// UpdateScopes increments the counters of id in every scope as one unit
func (s *VariantStore) UpdateScopes(ctx context.Context, id core.VariantID, scopes []variant.Scope, delta variant.Delta) error {
	if err := s.repo.Increment(ctx, id, scopes, delta); err != nil {
		if errors.IsCode(err, errors.CodeInvariantViolation) {
			s.logger.Error("counter update rejected", "variant_id", id, "err", err)
		}
		return err
	}
	return nil
}

// Count returns the number of registered variants
func (s *VariantStore) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
