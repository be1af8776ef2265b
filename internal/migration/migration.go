package migration

import (
	"context"
	"fmt"

	"variantlab/internal/errors"

	"github.com/jmoiron/sqlx"
)

// Migrator defines the interface for database migration operations
type Migrator interface {
	Run(ctx context.Context, db *sqlx.DB) error
	Version() string
}

// MigrationRunner handles database schema migrations
type MigrationRunner struct {
	version string
}

// NewRunner creates a new migration runner
func NewRunner() *MigrationRunner {
	return &MigrationRunner{
		version: "1.0.0",
	}
}

// Version returns the migration version
func (r *MigrationRunner) Version() string {
	return r.version
}

// Tables in dependency order
var Tables = []string{
	"variants",
	"variant_performance",
	"experiments",
	"experiment_assignments",
	"experiment_tallies",
	"tracking_events",
}

// Run executes all database migrations in the correct order. Every statement
// is idempotent, so Run is safe on an already migrated database.
func (r *MigrationRunner) Run(ctx context.Context, db *sqlx.DB) error {
	if err := r.createVariantsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create variants table")
	}

	if err := r.createVariantPerformanceTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create variant_performance table")
	}

	if err := r.createExperimentsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create experiments table")
	}

	if err := r.createAssignmentsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create experiment_assignments table")
	}

	if err := r.createTalliesTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create experiment_tallies table")
	}

	if err := r.createTrackingEventsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create tracking_events table")
	}

	if err := r.createIndexes(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create indexes")
	}

	return nil
}

// Reset drops every table in reverse dependency order
func (r *MigrationRunner) Reset(ctx context.Context, db *sqlx.DB) error {
	for i := len(Tables) - 1; i >= 0; i-- {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", Tables[i])); err != nil {
			return errors.DatabaseError(fmt.Sprintf("drop table %s", Tables[i]), err)
		}
	}
	return nil
}

func (r *MigrationRunner) createVariantsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS variants (
			variant_id TEXT PRIMARY KEY,
			dimensions JSONB NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (r *MigrationRunner) createVariantPerformanceTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS variant_performance (
			variant_id TEXT NOT NULL REFERENCES variants(variant_id) ON DELETE CASCADE,
			scope_key TEXT NOT NULL,
			persona TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			impressions BIGINT NOT NULL DEFAULT 0,
			successes BIGINT NOT NULL DEFAULT 0,
			engagement_value_sum DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (variant_id, scope_key),
			CONSTRAINT variant_performance_successes_le_impressions CHECK (scope_key <> 'global' OR successes <= impressions)
		)
	`)
	return err
}

func (r *MigrationRunner) createExperimentsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS experiments (
			experiment_id TEXT PRIMARY KEY,
			name VARCHAR(200) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			variant_ids TEXT[] NOT NULL,
			traffic_allocation DOUBLE PRECISION[] NOT NULL,
			control_variant_id TEXT NOT NULL,
			target_persona TEXT NOT NULL DEFAULT '',
			success_metrics TEXT[] NOT NULL DEFAULT '{}',
			duration_days INTEGER NOT NULL CHECK (duration_days > 0),
			min_sample_size INTEGER NOT NULL DEFAULT 100,
			significance_level DOUBLE PRECISION NOT NULL DEFAULT 0.05,
			created_by TEXT NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL DEFAULT 'draft'
				CHECK (status IN ('draft', 'active', 'paused', 'completed')),
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			started_at TIMESTAMP WITH TIME ZONE,
			paused_at TIMESTAMP WITH TIME ZONE,
			completed_at TIMESTAMP WITH TIME ZONE,
			pause_reason TEXT NOT NULL DEFAULT ''
		)
	`)
	return err
}

func (r *MigrationRunner) createAssignmentsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS experiment_assignments (
			experiment_id TEXT NOT NULL REFERENCES experiments(experiment_id) ON DELETE CASCADE,
			participant_id TEXT NOT NULL,
			variant_id TEXT NOT NULL,
			assigned_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (experiment_id, participant_id)
		)
	`)
	return err
}

func (r *MigrationRunner) createTalliesTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS experiment_tallies (
			experiment_id TEXT NOT NULL REFERENCES experiments(experiment_id) ON DELETE CASCADE,
			variant_id TEXT NOT NULL,
			impressions BIGINT NOT NULL DEFAULT 0,
			conversions BIGINT NOT NULL DEFAULT 0,
			engagement_value_sum DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (experiment_id, variant_id),
			CONSTRAINT experiment_tallies_conversions_le_impressions CHECK (conversions <= impressions)
		)
	`)
	return err
}

func (r *MigrationRunner) createTrackingEventsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tracking_events (
			event_id TEXT PRIMARY KEY,
			experiment_id TEXT REFERENCES experiments(experiment_id) ON DELETE CASCADE,
			variant_id TEXT NOT NULL,
			participant_id TEXT NOT NULL DEFAULT '',
			action_taken VARCHAR(20) NOT NULL,
			engagement_type TEXT NOT NULL DEFAULT '',
			engagement_value DOUBLE PRECISION NOT NULL DEFAULT 0,
			metadata JSONB,
			occurred_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (r *MigrationRunner) createIndexes(ctx context.Context, db *sqlx.DB) error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_variant_performance_scope ON variant_performance(scope_key)",
		"CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status)",
		"CREATE INDEX IF NOT EXISTS idx_experiments_persona_status ON experiments(target_persona, status)",
		"CREATE INDEX IF NOT EXISTS idx_assignments_variant ON experiment_assignments(experiment_id, variant_id)",
		"CREATE INDEX IF NOT EXISTS idx_tracking_events_variant ON tracking_events(variant_id, occurred_at)",
		"CREATE INDEX IF NOT EXISTS idx_tracking_events_experiment ON tracking_events(experiment_id, occurred_at)",
	}

	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}
