package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Selections.WithLabelValues("sampled").Inc()
	m.Assignments.WithLabelValues("new").Add(2)
	m.InvariantViolations.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Selections.WithLabelValues("sampled")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Assignments.WithLabelValues("new")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "variantlab_invariant_violations_total")
	assert.Contains(t, names, "variantlab_selections_total")
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
