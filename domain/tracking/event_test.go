package tracking

import (
	"math"
	"testing"
	"time"

	"variantlab/domain/core"
	"variantlab/domain/variant"
	"variantlab/internal/errors"

	"github.com/stretchr/testify/assert"
)

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" Engagement ")
	assert.NoError(t, err)
	assert.Equal(t, ActionEngagement, a)

	_, err = ParseAction("purchase")
	assert.True(t, errors.IsCode(err, errors.CodeValidationError))
}

func TestEventValidate(t *testing.T) {
	base := Event{VariantID: "v_1", Action: ActionImpression}

	tests := []struct {
		name    string
		mutate  func(e *Event)
		wantErr bool
	}{
		{"impression ok", func(e *Event) {}, false},
		{"missing variant", func(e *Event) { e.VariantID = "" }, true},
		{"bad action", func(e *Event) { e.Action = "view" }, true},
		{"engagement without type", func(e *Event) { e.Action = ActionEngagement }, true},
		{"engagement with type", func(e *Event) { e.Action = ActionEngagement; e.EngagementType = "like" }, false},
		{"conversion without type", func(e *Event) { e.Action = ActionConversion }, false},
		{"negative value", func(e *Event) { e.EngagementValue = -1 }, true},
		{"nan value", func(e *Event) { e.EngagementValue = math.NaN() }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := base
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr {
				assert.True(t, errors.IsCode(err, errors.CodeValidationError), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEventDeltaAndFold(t *testing.T) {
	events := []Event{
		{VariantID: "a", Action: ActionImpression},
		{VariantID: "a", Action: ActionImpression},
		{VariantID: "a", Action: ActionEngagement, EngagementType: "like", EngagementValue: 2},
		{VariantID: "b", Action: ActionImpression},
		{VariantID: "b", Action: ActionConversion, EngagementValue: 1},
	}

	assert.Equal(t, variant.Delta{Impressions: 1}, events[0].Delta())
	assert.Equal(t, variant.Delta{Successes: 1, Value: 2}, events[2].Delta())

	tallies := Fold(events)
	assert.Equal(t, Tally{Impressions: 2, Conversions: 1, EngagementValueSum: 2}, tallies["a"])
	assert.Equal(t, Tally{Impressions: 1, Conversions: 1, EngagementValueSum: 1}, tallies["b"])
}

func TestFilterMatches(t *testing.T) {
	now := time.Now()
	e := Event{ExperimentID: "exp_1", VariantID: "a", ParticipantID: "p1", Timestamp: now}

	assert.True(t, Filter{}.Matches(e))
	assert.True(t, Filter{ExperimentID: "exp_1", ParticipantID: core.ParticipantID("p1")}.Matches(e))
	assert.False(t, Filter{VariantID: "b"}.Matches(e))
	assert.False(t, Filter{Since: now.Add(time.Second)}.Matches(e))
}

func TestTallyApplyRejectsOrphanConversion(t *testing.T) {
	tally := Tally{Impressions: 1, Conversions: 1}

	_, err := tally.Apply(variant.Delta{Successes: 1, Value: 1})
	assert.True(t, errors.IsCode(err, errors.CodeInvariantViolation))

	next, err := tally.Apply(variant.Delta{Impressions: 1})
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), next.Impressions)
}
