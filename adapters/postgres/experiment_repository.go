package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"variantlab/domain/core"
	"variantlab/domain/experiment"
	"variantlab/internal/errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type experimentRow struct {
	ID                core.ExperimentID `db:"experiment_id"`
	Name              string            `db:"name"`
	Description       string            `db:"description"`
	VariantIDs        pq.StringArray    `db:"variant_ids"`
	TrafficAllocation pq.Float64Array   `db:"traffic_allocation"`
	ControlVariantID  core.VariantID    `db:"control_variant_id"`
	TargetPersona     string            `db:"target_persona"`
	SuccessMetrics    pq.StringArray    `db:"success_metrics"`
	DurationDays      int               `db:"duration_days"`
	MinSampleSize     int               `db:"min_sample_size"`
	SignificanceLevel float64           `db:"significance_level"`
	CreatedBy         string            `db:"created_by"`
	Status            experiment.Status `db:"status"`
	CreatedAt         time.Time         `db:"created_at"`
	StartedAt         *time.Time        `db:"started_at"`
	PausedAt          *time.Time        `db:"paused_at"`
	CompletedAt       *time.Time        `db:"completed_at"`
	PauseReason       string            `db:"pause_reason"`
}

const experimentColumns = `experiment_id, name, description, variant_ids, traffic_allocation,
	control_variant_id, target_persona, success_metrics, duration_days, min_sample_size,
	significance_level, created_by, status, created_at, started_at, paused_at, completed_at, pause_reason`

func (r experimentRow) experiment() *experiment.Experiment {
	ids := make([]core.VariantID, len(r.VariantIDs))
	for i, id := range r.VariantIDs {
		ids[i] = core.VariantID(id)
	}
	return &experiment.Experiment{
		ID:                r.ID,
		Name:              r.Name,
		Description:       r.Description,
		VariantIDs:        ids,
		TrafficAllocation: []float64(r.TrafficAllocation),
		ControlVariantID:  r.ControlVariantID,
		TargetPersona:     r.TargetPersona,
		SuccessMetrics:    []string(r.SuccessMetrics),
		DurationDays:      r.DurationDays,
		MinSampleSize:     r.MinSampleSize,
		SignificanceLevel: r.SignificanceLevel,
		CreatedBy:         r.CreatedBy,
		Status:            r.Status,
		CreatedAt:         r.CreatedAt,
		StartedAt:         r.StartedAt,
		PausedAt:          r.PausedAt,
		CompletedAt:       r.CompletedAt,
		PauseReason:       r.PauseReason,
	}
}

func variantIDStrings(ids []core.VariantID) pq.StringArray {
	out := make(pq.StringArray, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// Create implements ports.ExperimentRepository
func (s *Store) Create(ctx context.Context, exp *experiment.Experiment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO experiments (`+experimentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		exp.ID, exp.Name, exp.Description,
		variantIDStrings(exp.VariantIDs), pq.Float64Array(exp.TrafficAllocation),
		exp.ControlVariantID, exp.TargetPersona, pq.StringArray(exp.SuccessMetrics),
		exp.DurationDays, exp.MinSampleSize, exp.SignificanceLevel, exp.CreatedBy,
		exp.Status, exp.CreatedAt, exp.StartedAt, exp.PausedAt, exp.CompletedAt, exp.PauseReason,
	)
	return dbError(err, "create experiment %s", exp.ID)
}

// GetExperiment implements ports.ExperimentRepository
func (s *Store) GetExperiment(ctx context.Context, id core.ExperimentID) (*experiment.Experiment, error) {
	return getExperiment(ctx, s.db, id, "")
}

// getExperiment loads one row; lock is appended verbatim (e.g. "FOR UPDATE")
func getExperiment(ctx context.Context, q sqlx.QueryerContext, id core.ExperimentID, lock string) (*experiment.Experiment, error) {
	var row experimentRow
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE experiment_id = $1`
	if lock != "" {
		query += " " + lock
	}
	err := sqlx.GetContext(ctx, q, &row, query, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound(fmt.Sprintf("experiment %s", id))
	}
	if err != nil {
		return nil, dbError(err, "get experiment %s", id)
	}
	return row.experiment(), nil
}

// ListExperiments implements ports.ExperimentRepository
func (s *Store) ListExperiments(ctx context.Context, filter experiment.ListFilter) ([]*experiment.Experiment, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.TargetPersona != "" {
		args = append(args, filter.TargetPersona)
		where = append(where, fmt.Sprintf("target_persona = $%d", len(args)))
	}

	query := `SELECT ` + experimentColumns + ` FROM experiments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, experiment_id"

	var rows []experimentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, dbError(err, "list experiments")
	}
	out := make([]*experiment.Experiment, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.experiment())
	}
	return out, nil
}

// CompareAndSwapStatus implements ports.ExperimentRepository. The row is
// locked for the duration of the check, and the UPDATE re-asserts the
// expected status.
func (s *Store) CompareAndSwapStatus(ctx context.Context, id core.ExperimentID, from, to experiment.Status, reason string, at time.Time) (*experiment.Experiment, error) {
	var updated *experiment.Experiment
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		exp, err := getExperiment(ctx, tx, id, "FOR UPDATE")
		if err != nil {
			return err
		}
		if exp.Status != from {
			return errors.InvalidState(fmt.Sprintf("experiment %s is %s, expected %s", id, exp.Status, from))
		}
		if !experiment.CanTransition(from, to) {
			return errors.InvalidState(fmt.Sprintf("cannot transition experiment from %s to %s", from, to))
		}
		exp.ApplyTransition(to, reason, at)

		res, err := tx.ExecContext(ctx, `
			UPDATE experiments
			SET status = $3, started_at = $4, paused_at = $5, completed_at = $6, pause_reason = $7
			WHERE experiment_id = $1 AND status = $2
		`, id, from, exp.Status, exp.StartedAt, exp.PausedAt, exp.CompletedAt, exp.PauseReason)
		if err != nil {
			return dbError(err, "update experiment %s status", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return dbError(err, "update experiment %s status", id)
		}
		if n == 0 {
			return errors.InvalidState(fmt.Sprintf("experiment %s is no longer %s", id, from))
		}
		updated = exp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
