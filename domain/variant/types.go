package variant

import (
	"fmt"
	"strings"
	"time"

	"variantlab/domain/core"
	"variantlab/internal/errors"
)

// Variant is a content configuration identified by its dimension values
type Variant struct {
	ID         core.VariantID `json:"variant_id" db:"variant_id"`
	Dimensions core.StringMap `json:"dimensions" db:"dimensions"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// New builds a variant whose id is derived from its dimensions
func New(dimensions core.StringMap, now time.Time) (Variant, error) {
	if err := ValidateDimensions(dimensions); err != nil {
		return Variant{}, err
	}
	dims := dimensions.Clone()
	return Variant{
		ID:         core.ComputeVariantID(dims),
		Dimensions: dims,
		CreatedAt:  now.UTC(),
	}, nil
}

// ValidateDimensions rejects empty dimension sets and blank names or values
func ValidateDimensions(dimensions core.StringMap) error {
	if len(dimensions) == 0 {
		return errors.ValidationError("dimensions must not be empty")
	}
	for k, v := range dimensions {
		if strings.TrimSpace(k) == "" {
			return errors.ValidationError("dimension name must not be empty")
		}
		if strings.TrimSpace(v) == "" {
			return errors.ValidationErrorf("dimension %q has an empty value", k)
		}
	}
	return nil
}

// Scope narrows performance counters to a persona/content-type bucket.
// The zero value is the global scope.
type Scope struct {
	Persona     string `json:"persona,omitempty" db:"persona"`
	ContentType string `json:"content_type,omitempty" db:"content_type"`
}

// GlobalScope aggregates every event for a variant
var GlobalScope = Scope{}

// IsGlobal reports whether s is the global scope
func (s Scope) IsGlobal() bool {
	return s == GlobalScope
}

// Key returns a stable storage key for the scope
func (s Scope) Key() string {
	if s.IsGlobal() {
		return "global"
	}
	return fmt.Sprintf("%s|%s", s.Persona, s.ContentType)
}

// ParseScopeKey is the inverse of Scope.Key
func ParseScopeKey(key string) Scope {
	if key == "global" || key == "" {
		return GlobalScope
	}
	persona, contentType, _ := strings.Cut(key, "|")
	return Scope{Persona: persona, ContentType: contentType}
}

// Delta is a counter increment
type Delta struct {
	Impressions uint64  `json:"impressions"`
	Successes   uint64  `json:"successes"`
	Value       float64 `json:"value"`
}

// BootstrapDelta gives a freshly generated variant one free impression
var BootstrapDelta = Delta{Impressions: 1}

// Performance holds the running counters for a variant within a scope
type Performance struct {
	Impressions        uint64  `json:"impressions" db:"impressions"`
	Successes          uint64  `json:"successes" db:"successes"`
	EngagementValueSum float64 `json:"engagement_value_sum" db:"engagement_value_sum"`
}

// Apply returns the counters after adding d. The receiver is never modified,
// so a rejected delta leaves stored state untouched.
func (p Performance) Apply(d Delta) (Performance, error) {
	next := p.Add(d)
	if next.Successes > next.Impressions {
		return p, errors.InvariantViolation(fmt.Sprintf(
			"successes (%d) would exceed impressions (%d)", next.Successes, next.Impressions))
	}
	return next, nil
}

// Add returns the counters after adding d without enforcing
// successes <= impressions. Persona and content-type buckets accumulate this
// way: they never receive the bootstrap impression, so their first engagement
// may arrive before any impression does.
func (p Performance) Add(d Delta) Performance {
	return Performance{
		Impressions:        p.Impressions + d.Impressions,
		Successes:          p.Successes + d.Successes,
		EngagementValueSum: p.EngagementValueSum + d.Value,
	}
}

// Failures is impressions without a success, floored at zero
func (p Performance) Failures() uint64 {
	if p.Successes >= p.Impressions {
		return 0
	}
	return p.Impressions - p.Successes
}

// Alpha is the Beta posterior success parameter under a uniform prior
func (p Performance) Alpha() float64 {
	return float64(p.Successes) + 1
}

// Beta is the Beta posterior failure parameter under a uniform prior
func (p Performance) Beta() float64 {
	return float64(p.Failures()) + 1
}

// ExpectedValue is the posterior mean alpha/(alpha+beta)
func (p Performance) ExpectedValue() float64 {
	a, b := p.Alpha(), p.Beta()
	return a / (a + b)
}

// Variance is the posterior variance of the Beta distribution
func (p Performance) Variance() float64 {
	a, b := p.Alpha(), p.Beta()
	sum := a + b
	return a * b / (sum * sum * (sum + 1))
}

// SuccessRate is the observed successes/impressions, 0 without data
func (p Performance) SuccessRate() float64 {
	if p.Impressions == 0 {
		return 0
	}
	if p.Successes >= p.Impressions {
		return 1
	}
	return float64(p.Successes) / float64(p.Impressions)
}

// ApplyIn adds d to p as the counters of scope. Only the global bucket
// enforces successes <= impressions.
func (p Performance) ApplyIn(scope Scope, d Delta) (Performance, error) {
	if scope.IsGlobal() {
		return p.Apply(d)
	}
	return p.Add(d), nil
}

// Record is a variant together with its counters in one scope
type Record struct {
	Variant
	Scope       Scope       `json:"scope"`
	Performance Performance `json:"performance"`
}

// Filter selects the scope whose counters List returns
type Filter struct {
	Persona     string
	ContentType string
}

// Scope converts the filter into the counter bucket it addresses
func (f Filter) Scope() Scope {
	return Scope{Persona: f.Persona, ContentType: f.ContentType}
}

// ScopesFor lists every bucket an event for (persona, contentType) contributes to,
// so each filter combination can be answered from a single bucket.
func ScopesFor(persona, contentType string) []Scope {
	scopes := []Scope{GlobalScope}
	if persona != "" {
		scopes = append(scopes, Scope{Persona: persona})
	}
	if contentType != "" {
		scopes = append(scopes, Scope{ContentType: contentType})
	}
	if persona != "" && contentType != "" {
		scopes = append(scopes, Scope{Persona: persona, ContentType: contentType})
	}
	return scopes
}
