package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("GET", "/", 200, time.Millisecond)
		m.DispatchStarted()
		m.DispatchFinished("open", time.Millisecond, errors.New("x"))
		m.Ingested("uploaded", 10)
		m.SearchRetried()
		m.Unreadable("browse", 2)
		m.CacheCleaned(nil)
	})
}

func TestMetricsRecord(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.DispatchStarted()
	assert.InDelta(t, 1, testutil.ToFloat64(m.dispatchInFlight), 0)
	m.DispatchFinished("search", time.Millisecond, errors.New("boom"))
	assert.InDelta(t, 0, testutil.ToFloat64(m.dispatchInFlight), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.dispatchErrors.WithLabelValues("search")), 0)

	m.Ingested("uploaded", 42)
	m.Ingested("cached", 42)
	assert.InDelta(t, 84, testutil.ToFloat64(m.ingestedBytes), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ingestions.WithLabelValues("cached")), 0)

	m.SearchRetried()
	assert.InDelta(t, 1, testutil.ToFloat64(m.searchRetries), 0)

	m.CacheCleaned(errors.New("partial"))
	assert.InDelta(t, 1, testutil.ToFloat64(m.cacheCleans.WithLabelValues("error")), 0)

	m.ObserveRequest("POST", "/upload", 200, time.Second)
	assert.InDelta(t, 1, testutil.ToFloat64(m.requests.WithLabelValues("POST", "/upload", "200")), 0)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, n)
}
