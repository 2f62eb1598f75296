package observability

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsUseOwnRegistry(t *testing.T) {
	a := NewMetrics(nil)
	b := NewMetrics(nil)

	a.CallLaunched("c1")
	a.CallLaunched("c1")
	b.CallLaunched("c1")

	assert.Equal(t, 2.0, testutil.ToFloat64(a.Launches.WithLabelValues("c1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Launches.WithLabelValues("c1")))
}

func TestObserveCycleCountsErrors(t *testing.T) {
	m := NewMetrics(nil)
	m.ObserveCycle("launch", time.Now(), nil)
	m.ObserveCycle("launch", time.Now(), errors.New("db down"))

	expected := `
		# HELP dialer_cycle_errors_total Dispatcher cycles that ended with an error
		# TYPE dialer_cycle_errors_total counter
		dialer_cycle_errors_total{cycle="launch"} 1
	`
	require.NoError(t, testutil.CollectAndCompare(m.CycleErrors, strings.NewReader(expected)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CycleDuration))
}
