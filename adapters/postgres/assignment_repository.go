package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"

	"variantlab/domain/core"
	"variantlab/domain/experiment"
)

// GetAssignment implements ports.AssignmentRepository
func (s *Store) GetAssignment(ctx context.Context, expID core.ExperimentID, participantID core.ParticipantID) (*experiment.Assignment, error) {
	var a experiment.Assignment
	err := s.db.GetContext(ctx, &a, `
		SELECT experiment_id, participant_id, variant_id, assigned_at
		FROM experiment_assignments
		WHERE experiment_id = $1 AND participant_id = $2
	`, expID, participantID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(err, "get assignment %s/%s", expID, participantID)
	}
	return &a, nil
}

// InsertAssignmentIfAbsent implements ports.AssignmentRepository. The primary
// key on (experiment_id, participant_id) decides the race; losers read back.
func (s *Store) InsertAssignmentIfAbsent(ctx context.Context, a experiment.Assignment) (experiment.Assignment, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO experiment_assignments (experiment_id, participant_id, variant_id, assigned_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (experiment_id, participant_id) DO NOTHING
	`, a.ExperimentID, a.ParticipantID, a.VariantID, a.AssignedAt)
	if err != nil {
		return experiment.Assignment{}, false, dbError(err, "insert assignment %s/%s", a.ExperimentID, a.ParticipantID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return experiment.Assignment{}, false, dbError(err, "insert assignment %s/%s", a.ExperimentID, a.ParticipantID)
	}
	if n == 1 {
		return a, true, nil
	}

	existing, err := s.GetAssignment(ctx, a.ExperimentID, a.ParticipantID)
	if err != nil {
		return experiment.Assignment{}, false, err
	}
	if existing == nil {
		return experiment.Assignment{}, false, dbError(sql.ErrNoRows, "read back assignment %s/%s", a.ExperimentID, a.ParticipantID)
	}
	return *existing, false, nil
}

// ParticipantCounts implements ports.AssignmentRepository
func (s *Store) ParticipantCounts(ctx context.Context, expID core.ExperimentID) (map[core.VariantID]uint64, error) {
	var rows []struct {
		VariantID    core.VariantID `db:"variant_id"`
		Participants int64          `db:"participants"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT variant_id, COUNT(*) AS participants
		FROM experiment_assignments
		WHERE experiment_id = $1
		GROUP BY variant_id
	`, expID)
	if err != nil {
		return nil, dbError(err, "count participants for %s", expID)
	}
	counts := make(map[core.VariantID]uint64, len(rows))
	for _, row := range rows {
		counts[row.VariantID] = uint64(row.Participants)
	}
	return counts, nil
}
