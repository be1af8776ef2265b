package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"variantlab/domain/core"
	"variantlab/domain/tracking"
	"variantlab/domain/variant"
	"variantlab/internal/errors"

	"github.com/jmoiron/sqlx"
)

type eventRow struct {
	ID              core.ID            `db:"event_id"`
	ExperimentID    sql.NullString     `db:"experiment_id"`
	VariantID       core.VariantID     `db:"variant_id"`
	ParticipantID   core.ParticipantID `db:"participant_id"`
	Action          tracking.Action    `db:"action_taken"`
	EngagementType  string             `db:"engagement_type"`
	EngagementValue float64            `db:"engagement_value"`
	Metadata        core.StringMap     `db:"metadata"`
	OccurredAt      time.Time          `db:"occurred_at"`
}

func (r eventRow) event() tracking.Event {
	return tracking.Event{
		ID:              r.ID,
		ExperimentID:    core.ExperimentID(r.ExperimentID.String),
		VariantID:       r.VariantID,
		ParticipantID:   r.ParticipantID,
		Action:          r.Action,
		EngagementType:  r.EngagementType,
		EngagementValue: r.EngagementValue,
		Metadata:        r.Metadata,
		Timestamp:       r.OccurredAt,
	}
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, e tracking.Event) error {
	experimentID := sql.NullString{String: string(e.ExperimentID), Valid: e.ExperimentID != ""}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tracking_events (event_id, experiment_id, variant_id, participant_id, action_taken,
			engagement_type, engagement_value, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, experimentID, e.VariantID, e.ParticipantID, e.Action,
		e.EngagementType, e.EngagementValue, e.Metadata, e.Timestamp)
	return dbError(err, "append event %s", e.ID)
}

// ApplyVariantEvent implements ports.FeedbackStore
func (s *Store) ApplyVariantEvent(ctx context.Context, event tracking.Event, scopes []variant.Scope) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := incrementTx(ctx, tx, event.VariantID, scopes, event.Delta()); err != nil {
			return err
		}
		return insertEvent(ctx, tx, event)
	})
}

// ApplyExperimentEvent implements ports.FeedbackStore
func (s *Store) ApplyExperimentEvent(ctx context.Context, event tracking.Event) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM experiments WHERE experiment_id = $1)`, event.ExperimentID); err != nil {
			return dbError(err, "check experiment %s", event.ExperimentID)
		}
		if !exists {
			return errors.NotFound(fmt.Sprintf("experiment %s", event.ExperimentID))
		}

		delta := event.Delta()
		var after struct {
			Impressions int64 `db:"impressions"`
			Conversions int64 `db:"conversions"`
		}
		err := tx.GetContext(ctx, &after, `
			INSERT INTO experiment_tallies (experiment_id, variant_id, impressions, conversions, engagement_value_sum)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (experiment_id, variant_id) DO UPDATE SET
				impressions = experiment_tallies.impressions + EXCLUDED.impressions,
				conversions = experiment_tallies.conversions + EXCLUDED.conversions,
				engagement_value_sum = experiment_tallies.engagement_value_sum + EXCLUDED.engagement_value_sum
			RETURNING impressions, conversions
		`, event.ExperimentID, event.VariantID, delta.Impressions, delta.Successes, delta.Value)
		if err != nil {
			return dbError(err, "update tally %s/%s", event.ExperimentID, event.VariantID)
		}
		if after.Conversions > after.Impressions {
			return errors.InvariantViolation(fmt.Sprintf(
				"experiment %s variant %s: conversions (%d) would exceed impressions (%d)",
				event.ExperimentID, event.VariantID, after.Conversions, after.Impressions))
		}
		return insertEvent(ctx, tx, event)
	})
}

// ExperimentTallies implements ports.FeedbackStore
func (s *Store) ExperimentTallies(ctx context.Context, expID core.ExperimentID) (map[core.VariantID]tracking.Tally, error) {
	var rows []struct {
		VariantID          core.VariantID `db:"variant_id"`
		Impressions        int64          `db:"impressions"`
		Conversions        int64          `db:"conversions"`
		EngagementValueSum float64        `db:"engagement_value_sum"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT variant_id, impressions, conversions, engagement_value_sum
		FROM experiment_tallies
		WHERE experiment_id = $1
	`, expID)
	if err != nil {
		return nil, dbError(err, "load tallies for %s", expID)
	}
	out := make(map[core.VariantID]tracking.Tally, len(rows))
	for _, row := range rows {
		out[row.VariantID] = tracking.Tally{
			Impressions:        uint64(row.Impressions),
			Conversions:        uint64(row.Conversions),
			EngagementValueSum: row.EngagementValueSum,
		}
	}
	return out, nil
}

// Events implements ports.FeedbackStore. Results are chronological; a limit
// keeps the most recent matches.
func (s *Store) Events(ctx context.Context, filter tracking.Filter) ([]tracking.Event, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.ExperimentID != "" {
		add("experiment_id = $%d", filter.ExperimentID)
	}
	if filter.VariantID != "" {
		add("variant_id = $%d", filter.VariantID)
	}
	if filter.ParticipantID != "" {
		add("participant_id = $%d", filter.ParticipantID)
	}
	if !filter.Since.IsZero() {
		add("occurred_at >= $%d", filter.Since)
	}

	query := `SELECT event_id, experiment_id, variant_id, participant_id, action_taken,
		engagement_type, engagement_value, metadata, occurred_at FROM tracking_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC, event_id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, dbError(err, "list events")
	}
	out := make([]tracking.Event, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row.event()
	}
	return out, nil
}
