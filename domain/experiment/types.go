package experiment

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"variantlab/domain/core"
	"variantlab/internal/errors"

	"github.com/go-playground/validator/v10"
)

// Status is the lifecycle state of an experiment
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// ParseStatus validates a status name
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusDraft, StatusActive, StatusPaused, StatusCompleted:
		return st, nil
	default:
		return "", errors.ValidationErrorf("unknown status %q", s)
	}
}

// transitions is the lifecycle state machine. Completed has no exits.
var transitions = map[Status][]Status{
	StatusDraft:  {StatusActive, StatusCompleted},
	StatusActive: {StatusPaused, StatusCompleted},
	StatusPaused: {StatusActive, StatusCompleted},
}

// CanTransition reports whether from -> to is an edge of the state machine
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// allocationTolerance bounds how far traffic weights may drift from 1.0
const allocationTolerance = 1e-6

// Spec is the input for creating an experiment
type Spec struct {
	Name              string           `json:"name" validate:"required,max=200"`
	Description       string           `json:"description" validate:"max=2000"`
	VariantIDs        []core.VariantID `json:"variant_ids" validate:"min=2,unique,dive,required"`
	TrafficAllocation []float64        `json:"traffic_allocation" validate:"omitempty,dive,gte=0,lte=1"`
	ControlVariantID  core.VariantID   `json:"control_variant_id" validate:"required"`
	TargetPersona     string           `json:"target_persona"`
	SuccessMetrics    []string         `json:"success_metrics" validate:"dive,required"`
	DurationDays      int              `json:"duration_days" validate:"gt=0"`
	MinSampleSize     int              `json:"min_sample_size" validate:"gte=0"`
	SignificanceLevel float64          `json:"significance_level" validate:"gte=0,lt=1"`
	CreatedBy         string           `json:"created_by"`
}

// Defaults fill fields the caller left at their zero value
type Defaults struct {
	SignificanceLevel float64
	MinSampleSize     int
}

// DefaultDefaults mirrors the service configuration defaults
func DefaultDefaults() Defaults {
	return Defaults{SignificanceLevel: 0.05, MinSampleSize: 100}
}

// Experiment is a formal fixed-allocation test
type Experiment struct {
	ID                core.ExperimentID `json:"experiment_id" db:"experiment_id"`
	Name              string            `json:"name" db:"name"`
	Description       string            `json:"description" db:"description"`
	VariantIDs        []core.VariantID  `json:"variant_ids"`
	TrafficAllocation []float64         `json:"traffic_allocation"`
	ControlVariantID  core.VariantID    `json:"control_variant_id" db:"control_variant_id"`
	TargetPersona     string            `json:"target_persona" db:"target_persona"`
	SuccessMetrics    []string          `json:"success_metrics"`
	DurationDays      int               `json:"duration_days" db:"duration_days"`
	MinSampleSize     int               `json:"min_sample_size" db:"min_sample_size"`
	SignificanceLevel float64           `json:"significance_level" db:"significance_level"`
	CreatedBy         string            `json:"created_by" db:"created_by"`
	Status            Status            `json:"status" db:"status"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty" db:"started_at"`
	PausedAt          *time.Time        `json:"paused_at,omitempty" db:"paused_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	PauseReason       string            `json:"pause_reason,omitempty" db:"pause_reason"`
}

var specValidate = validator.New()

// New validates spec and builds a draft experiment
func New(spec Spec, defaults Defaults, now time.Time) (*Experiment, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if err := specValidate.Struct(spec); err != nil {
		return nil, translateValidation(err)
	}

	allocation := spec.TrafficAllocation
	if len(allocation) == 0 {
		allocation = EqualAllocation(len(spec.VariantIDs))
	}
	if err := ValidateAllocation(spec.VariantIDs, allocation); err != nil {
		return nil, err
	}

	exp := &Experiment{
		ID:                core.NewExperimentID(),
		Name:              spec.Name,
		Description:       spec.Description,
		VariantIDs:        append([]core.VariantID(nil), spec.VariantIDs...),
		TrafficAllocation: append([]float64(nil), allocation...),
		ControlVariantID:  spec.ControlVariantID,
		TargetPersona:     strings.TrimSpace(spec.TargetPersona),
		SuccessMetrics:    normalizeMetrics(spec.SuccessMetrics),
		DurationDays:      spec.DurationDays,
		MinSampleSize:     spec.MinSampleSize,
		SignificanceLevel: spec.SignificanceLevel,
		CreatedBy:         spec.CreatedBy,
		Status:            StatusDraft,
		CreatedAt:         now.UTC(),
	}
	if exp.MinSampleSize == 0 {
		exp.MinSampleSize = defaults.MinSampleSize
	}
	if exp.SignificanceLevel == 0 {
		exp.SignificanceLevel = defaults.SignificanceLevel
	}
	if !exp.HasVariant(exp.ControlVariantID) {
		return nil, errors.ValidationErrorf("control_variant_id %q is not one of variant_ids", exp.ControlVariantID)
	}
	return exp, nil
}

// ValidateAllocation checks the weight vector against the variant list
func ValidateAllocation(variantIDs []core.VariantID, allocation []float64) error {
	if len(allocation) != len(variantIDs) {
		return errors.ValidationErrorf("traffic_allocation has %d weights for %d variants", len(allocation), len(variantIDs))
	}
	sum := 0.0
	for i, w := range allocation {
		if math.IsNaN(w) || w < 0 {
			return errors.ValidationErrorf("traffic_allocation[%d] must be non-negative", i)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > allocationTolerance {
		return errors.ValidationErrorf("traffic_allocation must sum to 1.0, got %.6f", sum)
	}
	return nil
}

// EqualAllocation splits traffic evenly across n variants
func EqualAllocation(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1.0 / float64(n)
	}
	return out
}

func normalizeMetrics(metrics []string) []string {
	seen := make(map[string]bool, len(metrics))
	out := make([]string, 0, len(metrics))
	for _, m := range metrics {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func translateValidation(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return errors.Wrap(errors.ValidationError("invalid experiment spec"), err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return errors.ValidationError("invalid experiment spec: " + strings.Join(msgs, "; "))
}

// HasVariant reports whether id is one of the experiment's arms
func (e *Experiment) HasVariant(id core.VariantID) bool {
	return e.IndexOf(id) >= 0
}

// IndexOf returns the position of id in VariantIDs, or -1
func (e *Experiment) IndexOf(id core.VariantID) int {
	for i, v := range e.VariantIDs {
		if v == id {
			return i
		}
	}
	return -1
}

// EndsAt is the planned end of the experiment, nil until started
func (e *Experiment) EndsAt() *time.Time {
	if e.StartedAt == nil {
		return nil
	}
	end := e.StartedAt.Add(time.Duration(e.DurationDays) * 24 * time.Hour)
	return &end
}

// IsExpired reports whether an active experiment has run past its duration
func (e *Experiment) IsExpired(now time.Time) bool {
	end := e.EndsAt()
	return e.Status == StatusActive && end != nil && !now.Before(*end)
}

// Clone returns a deep copy so callers cannot mutate stored state
func (e *Experiment) Clone() *Experiment {
	if e == nil {
		return nil
	}
	out := *e
	out.VariantIDs = append([]core.VariantID(nil), e.VariantIDs...)
	out.TrafficAllocation = append([]float64(nil), e.TrafficAllocation...)
	out.SuccessMetrics = append([]string(nil), e.SuccessMetrics...)
	out.StartedAt = cloneTime(e.StartedAt)
	out.PausedAt = cloneTime(e.PausedAt)
	out.CompletedAt = cloneTime(e.CompletedAt)
	return &out
}

// ApplyTransition stamps the timestamps that belong to entering status to
func (e *Experiment) ApplyTransition(to Status, reason string, at time.Time) {
	at = at.UTC()
	e.Status = to
	switch to {
	case StatusActive:
		if e.StartedAt == nil {
			e.StartedAt = &at
		}
		e.PausedAt = nil
		e.PauseReason = ""
	case StatusPaused:
		e.PausedAt = &at
		e.PauseReason = reason
	case StatusCompleted:
		e.CompletedAt = &at
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ListFilter narrows experiment listings. Zero fields match everything.
type ListFilter struct {
	Status        Status
	TargetPersona string
}

// Matches reports whether e passes the filter
func (f ListFilter) Matches(e *Experiment) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.TargetPersona != "" && e.TargetPersona != f.TargetPersona {
		return false
	}
	return true
}

// Assignment is the sticky participant -> variant mapping
type Assignment struct {
	ExperimentID  core.ExperimentID  `json:"experiment_id" db:"experiment_id"`
	ParticipantID core.ParticipantID `json:"participant_id" db:"participant_id"`
	VariantID     core.VariantID     `json:"variant_id" db:"variant_id"`
	AssignedAt    time.Time          `json:"assigned_at" db:"assigned_at"`
}
