package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")

	m.WALAppends.Add(3)
	m.FlushFailures.WithLabelValues("r1", "b").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.WALAppends))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlushFailures.WithLabelValues("r1", "b")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["test_wal_appends_total"])
	assert.True(t, names["test_flush_failures_total"])
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg, "dup")
	assert.Panics(t, func() { New(reg, "dup") })
}
