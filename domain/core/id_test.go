package core

import (
	"strings"
	"testing"
)

// TestNewIDUniqueness tests that NewID generates unique identifiers
func TestNewIDUniqueness(t *testing.T) {
	const numIDs = 10000

	ids := make(map[ID]bool, numIDs)
	for i := 0; i < numIDs; i++ {
		id := NewID()
		if id.IsEmpty() {
			t.Errorf("Generated empty ID at iteration %d", i)
		}
		if ids[id] {
			t.Errorf("Generated duplicate ID: %s", id)
		}
		ids[id] = true
	}
}

func TestNewExperimentIDPrefix(t *testing.T) {
	id := NewExperimentID()
	if !strings.HasPrefix(id.String(), "exp_") {
		t.Errorf("Expected exp_ prefix, got %s", id)
	}
}

// TestComputeVariantIDDeterministic checks the id ignores map construction order
func TestComputeVariantIDDeterministic(t *testing.T) {
	a := map[string]string{}
	a["tone"] = "bold"
	a["length"] = "short"

	b := map[string]string{}
	b["length"] = "short"
	b["tone"] = "bold"

	idA := ComputeVariantID(a)
	idB := ComputeVariantID(b)
	if idA != idB {
		t.Fatalf("Expected identical ids, got %s and %s", idA, idB)
	}
	if !strings.HasPrefix(idA.String(), "v_") || len(idA) != 2+variantIDHexLen {
		t.Errorf("Unexpected id format: %s", idA)
	}

	for i := 0; i < 100; i++ {
		if got := ComputeVariantID(map[string]string{"tone": "bold", "length": "short"}); got != idA {
			t.Fatalf("Iteration %d produced %s, want %s", i, got, idA)
		}
	}
}

func TestComputeVariantIDDistinguishesValues(t *testing.T) {
	tests := []struct {
		name string
		a, b map[string]string
	}{
		{"different value", map[string]string{"tone": "bold"}, map[string]string{"tone": "calm"}},
		{"different key", map[string]string{"tone": "bold"}, map[string]string{"hook": "bold"}},
		{"separator confusion", map[string]string{"a": "b=c"}, map[string]string{"a=b": "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ComputeVariantID(tt.a) == ComputeVariantID(tt.b) {
				t.Errorf("Expected different ids for %v and %v", tt.a, tt.b)
			}
		})
	}
}

func TestParseIDs(t *testing.T) {
	tests := []struct {
		input    string
		hasError bool
	}{
		{"valid-id", false},
		{"", true},
		{"   ", true},
	}

	for _, test := range tests {
		_, errV := ParseVariantID(test.input)
		_, errE := ParseExperimentID(test.input)
		_, errP := ParseParticipantID(test.input)
		for _, err := range []error{errV, errE, errP} {
			if test.hasError && err == nil {
				t.Errorf("Expected error for input '%s', but got none", test.input)
			}
			if !test.hasError && err != nil {
				t.Errorf("Unexpected error for input '%s': %v", test.input, err)
			}
		}
	}
}
