package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"variantlab/domain/core"
	"variantlab/domain/variant"
	"variantlab/internal/errors"

	"github.com/jmoiron/sqlx"
)

type variantRow struct {
	ID                 core.VariantID `db:"variant_id"`
	Dimensions         core.StringMap `db:"dimensions"`
	CreatedAt          time.Time      `db:"created_at"`
	Impressions        int64          `db:"impressions"`
	Successes          int64          `db:"successes"`
	EngagementValueSum float64        `db:"engagement_value_sum"`
}

func (r variantRow) record(scope variant.Scope) variant.Record {
	return variant.Record{
		Variant: variant.Variant{ID: r.ID, Dimensions: r.Dimensions, CreatedAt: r.CreatedAt},
		Scope:   scope,
		Performance: variant.Performance{
			Impressions:        uint64(r.Impressions),
			Successes:          uint64(r.Successes),
			EngagementValueSum: r.EngagementValueSum,
		},
	}
}

const selectVariantWithPerformance = `
	SELECT v.variant_id, v.dimensions, v.created_at,
	       COALESCE(p.impressions, 0) AS impressions,
	       COALESCE(p.successes, 0) AS successes,
	       COALESCE(p.engagement_value_sum, 0) AS engagement_value_sum
	FROM variants v
	LEFT JOIN variant_performance p ON p.variant_id = v.variant_id AND p.scope_key = $1`

// Register implements ports.VariantRepository
func (s *Store) Register(ctx context.Context, v variant.Variant, bootstrap variant.Delta) (bool, error) {
	initial, err := variant.Performance{}.Apply(bootstrap)
	if err != nil {
		return false, err
	}

	created := false
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO variants (variant_id, dimensions, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (variant_id) DO NOTHING
		`, v.ID, v.Dimensions, v.CreatedAt)
		if err != nil {
			return dbError(err, "insert variant %s", v.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return dbError(err, "insert variant %s", v.ID)
		}
		if n == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO variant_performance (variant_id, scope_key, persona, content_type, impressions, successes, engagement_value_sum)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, v.ID, variant.GlobalScope.Key(), "", "", initial.Impressions, initial.Successes, initial.EngagementValueSum)
		if err != nil {
			return dbError(err, "seed performance for %s", v.ID)
		}
		created = true
		return nil
	})
	return created, err
}

// GetVariant implements ports.VariantRepository
func (s *Store) GetVariant(ctx context.Context, id core.VariantID, scope variant.Scope) (*variant.Record, error) {
	var row variantRow
	err := s.db.GetContext(ctx, &row, selectVariantWithPerformance+` WHERE v.variant_id = $2`, scope.Key(), id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound(fmt.Sprintf("variant %s", id))
	}
	if err != nil {
		return nil, dbError(err, "get variant %s", id)
	}
	rec := row.record(scope)
	return &rec, nil
}

// ListVariants implements ports.VariantRepository
func (s *Store) ListVariants(ctx context.Context, filter variant.Filter) ([]variant.Record, error) {
	scope := filter.Scope()
	var rows []variantRow
	if err := s.db.SelectContext(ctx, &rows, selectVariantWithPerformance+` ORDER BY v.variant_id`, scope.Key()); err != nil {
		return nil, dbError(err, "list variants")
	}
	out := make([]variant.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record(scope))
	}
	return out, nil
}

// Increment implements ports.VariantRepository
func (s *Store) Increment(ctx context.Context, id core.VariantID, scopes []variant.Scope, delta variant.Delta) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return incrementTx(ctx, tx, id, scopes, delta)
	})
}

// incrementTx upserts every scope row and checks the returned global counters.
// Returning an error rolls the whole transaction back.
func incrementTx(ctx context.Context, tx *sqlx.Tx, id core.VariantID, scopes []variant.Scope, delta variant.Delta) error {
	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM variants WHERE variant_id = $1)`, id); err != nil {
		return dbError(err, "check variant %s", id)
	}
	if !exists {
		return errors.NotFound(fmt.Sprintf("variant %s", id))
	}

	seen := make(map[variant.Scope]bool, len(scopes))
	for _, scope := range scopes {
		if seen[scope] {
			continue
		}
		seen[scope] = true

		var after struct {
			Impressions int64 `db:"impressions"`
			Successes   int64 `db:"successes"`
		}
		err := tx.GetContext(ctx, &after, `
			INSERT INTO variant_performance (variant_id, scope_key, persona, content_type, impressions, successes, engagement_value_sum)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (variant_id, scope_key) DO UPDATE SET
				impressions = variant_performance.impressions + EXCLUDED.impressions,
				successes = variant_performance.successes + EXCLUDED.successes,
				engagement_value_sum = variant_performance.engagement_value_sum + EXCLUDED.engagement_value_sum
			RETURNING impressions, successes
		`, id, scope.Key(), scope.Persona, scope.ContentType, delta.Impressions, delta.Successes, delta.Value)
		if err != nil {
			return dbError(err, "increment variant %s scope %s", id, scope.Key())
		}
		if scope.IsGlobal() && after.Successes > after.Impressions {
			return errors.InvariantViolation(fmt.Sprintf(
				"variant %s scope %s: successes (%d) would exceed impressions (%d)",
				id, scope.Key(), after.Successes, after.Impressions))
		}
	}
	return nil
}

// Count implements ports.VariantRepository
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM variants`); err != nil {
		return 0, dbError(err, "count variants")
	}
	return n, nil
}
