package tracking

import (
	"fmt"
	"math"
	"strings"
	"time"

	"variantlab/domain/core"
	"variantlab/domain/variant"
	"variantlab/internal/errors"
)

// Action is what the participant did with the content
type Action string

const (
	ActionImpression Action = "impression"
	ActionEngagement Action = "engagement"
	ActionConversion Action = "conversion"
)

// DefaultEngagementValue is used when a success event carries no explicit value
const DefaultEngagementValue = 1.0

// ParseAction validates an action name
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionImpression, ActionEngagement, ActionConversion:
		return a, nil
	default:
		return "", errors.ValidationErrorf("unrecognized action %q (expected impression, engagement or conversion)", s)
	}
}

// IsSuccess reports whether the action counts toward successes
func (a Action) IsSuccess() bool {
	return a == ActionEngagement || a == ActionConversion
}

// Event is an append-only tracking fact. ExperimentID is empty for adaptive tracking.
type Event struct {
	ID              core.ID            `json:"event_id" db:"event_id"`
	ExperimentID    core.ExperimentID  `json:"experiment_id,omitempty" db:"experiment_id"`
	VariantID       core.VariantID     `json:"variant_id" db:"variant_id"`
	ParticipantID   core.ParticipantID `json:"participant_id,omitempty" db:"participant_id"`
	Action          Action             `json:"action_taken" db:"action_taken"`
	EngagementType  string             `json:"engagement_type,omitempty" db:"engagement_type"`
	EngagementValue float64            `json:"engagement_value" db:"engagement_value"`
	Metadata        core.StringMap     `json:"metadata,omitempty" db:"metadata"`
	Timestamp       time.Time          `json:"timestamp" db:"timestamp"`
}

// Validate checks the event shape before any counter is touched
func (e Event) Validate() error {
	if e.VariantID == "" {
		return errors.ValidationError("variant_id is required")
	}
	if _, err := ParseAction(string(e.Action)); err != nil {
		return err
	}
	if e.Action == ActionEngagement && strings.TrimSpace(e.EngagementType) == "" {
		return errors.ValidationError("engagement_type is required when action is engagement")
	}
	if math.IsNaN(e.EngagementValue) || math.IsInf(e.EngagementValue, 0) || e.EngagementValue < 0 {
		return errors.ValidationErrorf("engagement_value must be a finite non-negative number, got %v", e.EngagementValue)
	}
	return nil
}

// IsExperimentEvent reports whether the event belongs to a formal experiment
func (e Event) IsExperimentEvent() bool {
	return e.ExperimentID != ""
}

// Delta converts the event into counter increments
func (e Event) Delta() variant.Delta {
	if e.Action.IsSuccess() {
		return variant.Delta{Successes: 1, Value: e.EngagementValue}
	}
	return variant.Delta{Impressions: 1}
}

// Filter narrows an event log query. Zero fields match everything.
type Filter struct {
	ExperimentID  core.ExperimentID
	VariantID     core.VariantID
	ParticipantID core.ParticipantID
	Since         time.Time
	Limit         int
}

// Matches reports whether e passes the filter
func (f Filter) Matches(e Event) bool {
	if f.ExperimentID != "" && e.ExperimentID != f.ExperimentID {
		return false
	}
	if f.VariantID != "" && e.VariantID != f.VariantID {
		return false
	}
	if f.ParticipantID != "" && e.ParticipantID != f.ParticipantID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Tally is the per-variant outcome count inside one experiment
type Tally struct {
	Impressions        uint64  `json:"impressions"`
	Conversions        uint64  `json:"conversions"`
	EngagementValueSum float64 `json:"engagement_value_sum"`
}

// Add folds a delta into the tally
func (t Tally) Add(d variant.Delta) Tally {
	return Tally{
		Impressions:        t.Impressions + d.Impressions,
		Conversions:        t.Conversions + d.Successes,
		EngagementValueSum: t.EngagementValueSum + d.Value,
	}
}

// Apply is Add with the conversions <= impressions check applied
func (t Tally) Apply(d variant.Delta) (Tally, error) {
	next := t.Add(d)
	if next.Conversions > next.Impressions {
		return t, errors.InvariantViolation(fmt.Sprintf(
			"conversions (%d) would exceed impressions (%d)", next.Conversions, next.Impressions))
	}
	return next, nil
}

// Fold recomputes tallies from raw events, which is how results can always be
// rebuilt from the audit trail.
func Fold(events []Event) map[core.VariantID]Tally {
	out := make(map[core.VariantID]Tally)
	for _, e := range events {
		out[e.VariantID] = out[e.VariantID].Add(e.Delta())
	}
	return out
}
