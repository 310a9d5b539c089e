package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testutilCounterValue(t *testing.T, vec *prometheus.CounterVec, labels map[string]string) float64 {
	t.Helper()
	return testutil.ToFloat64(vec.With(labels))
}

func testutilSimpleCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	return testutil.ToFloat64(c)
}
