package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesCode(t *testing.T) {
	base := NotFound("variant v_123")
	wrapped := Wrap(Wrapf(base, "lookup %s", "v_123"), "track failed")

	assert.Equal(t, CodeNotFound, GetCode(wrapped))
	assert.True(t, IsCode(wrapped, CodeNotFound))
	assert.Contains(t, wrapped.Error(), "variant v_123 not found")
}

func TestWrapForeignError(t *testing.T) {
	err := Wrap(fmt.Errorf("connection reset"), "ping")
	assert.Equal(t, CodeInternalError, GetCode(err))
	assert.Nil(t, Wrap(nil, "nothing"))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", ValidationError("bad action"), http.StatusBadRequest},
		{"invalid state", InvalidState("completed"), http.StatusBadRequest},
		{"no candidates", NoEligibleVariants("no candidates"), http.StatusBadRequest},
		{"not found", NotFound("experiment"), http.StatusNotFound},
		{"invariant", InvariantViolation("successes > impressions"), http.StatusConflict},
		{"wrapped not found", Wrap(NotFound("x"), "outer"), http.StatusNotFound},
		{"plain", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatus(tt.err))
		})
	}
}
