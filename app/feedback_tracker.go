package app

import (
	"context"
	"fmt"
	"log/slog"

	"variantlab/domain/core"
	"variantlab/domain/experiment"
	"variantlab/domain/tracking"
	"variantlab/domain/variant"
	"variantlab/internal/errors"
	"variantlab/internal/metrics"
	"variantlab/ports"
)

// Metadata keys with meaning to the tracker
const (
	MetaContentType = "content_type"
	MetaPersonaID   = "persona_id"
)

// Feedback is an outcome report as received from a caller
type Feedback struct {
	ExperimentID    core.ExperimentID
	VariantID       core.VariantID
	ParticipantID   core.ParticipantID
	PersonaID       string
	Action          string
	EngagementType  string
	EngagementValue *float64
	Metadata        core.StringMap
}

// FeedbackTracker validates outcome reports and folds them into counters.
// Adaptive feedback moves variant counters; feedback carrying an experiment id
// moves only that experiment's tallies.
type FeedbackTracker struct {
	store   ports.Store
	clock   Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewFeedbackTracker creates a tracker writing to store
func NewFeedbackTracker(store ports.Store, clock Clock, m *metrics.Metrics, logger *slog.Logger) *FeedbackTracker {
	return &FeedbackTracker{
		store:   store,
		clock:   clockOrSystem(clock),
		metrics: metricsOrPrivate(m),
		logger:  loggerOrDiscard(logger),
	}
}

// Track records fb and applies its increments atomically
func (t *FeedbackTracker) Track(ctx context.Context, fb Feedback) (*tracking.Event, error) {
	event, err := t.buildEvent(fb)
	if err != nil {
		t.logger.Debug("feedback rejected", "variant_id", fb.VariantID, "action", fb.Action, "err", err)
		return nil, err
	}

	namespace := "adaptive"
	if event.IsExperimentEvent() {
		namespace = "experiment"
		err = t.trackExperiment(ctx, event)
	} else {
		scopes := variant.ScopesFor(fb.PersonaID, event.Metadata[MetaContentType])
		err = t.store.ApplyVariantEvent(ctx, event, scopes)
	}
	if err != nil {
		if errors.IsCode(err, errors.CodeInvariantViolation) {
			t.metrics.InvariantViolations.Inc()
			t.logger.Error("tracking event rejected",
				"variant_id", event.VariantID,
				"experiment_id", event.ExperimentID,
				"action", event.Action,
				"err", err)
		}
		return nil, err
	}

	t.metrics.TrackingEvents.WithLabelValues(string(event.Action), namespace).Inc()
	return &event, nil
}

func (t *FeedbackTracker) buildEvent(fb Feedback) (tracking.Event, error) {
	action, err := tracking.ParseAction(fb.Action)
	if err != nil {
		return tracking.Event{}, err
	}

	value := tracking.DefaultEngagementValue
	if fb.EngagementValue != nil {
		value = *fb.EngagementValue
	}

	metadata := fb.Metadata.Clone()
	if fb.PersonaID != "" {
		if _, ok := metadata[MetaPersonaID]; !ok {
			metadata[MetaPersonaID] = fb.PersonaID
		}
	}

	event := tracking.Event{
		ID:              core.NewID(),
		ExperimentID:    fb.ExperimentID,
		VariantID:       fb.VariantID,
		ParticipantID:   fb.ParticipantID,
		Action:          action,
		EngagementType:  fb.EngagementType,
		EngagementValue: value,
		Metadata:        metadata,
		Timestamp:       t.clock.Now(),
	}
	if err := event.Validate(); err != nil {
		return tracking.Event{}, err
	}
	return event, nil
}

func (t *FeedbackTracker) trackExperiment(ctx context.Context, event tracking.Event) error {
	exp, err := t.store.GetExperiment(ctx, event.ExperimentID)
	if err != nil {
		return err
	}
	if exp.Status != experiment.StatusActive && exp.Status != experiment.StatusPaused {
		return errors.InvalidState(fmt.Sprintf("experiment %s is %s and does not accept tracking", exp.ID, exp.Status))
	}
	if !exp.HasVariant(event.VariantID) {
		return errors.NotFound(fmt.Sprintf("variant %s in experiment %s", event.VariantID, exp.ID))
	}
	if event.ParticipantID == "" {
		return errors.ValidationError("participant_id is required for experiment tracking")
	}

	assigned, err := t.store.GetAssignment(ctx, exp.ID, event.ParticipantID)
	if err != nil {
		return err
	}
	if assigned != nil && assigned.VariantID != event.VariantID {
		return errors.ValidationErrorf("participant %s is assigned to %s, not %s",
			event.ParticipantID, assigned.VariantID, event.VariantID)
	}

	return t.store.ApplyExperimentEvent(ctx, event)
}
