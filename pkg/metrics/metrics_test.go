package metrics

import (
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCount(t *testing.T, h interface{ Write(*dto.Metric) error }) uint64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, h.Write(m))
	return m.GetHistogram().GetSampleCount()
}

func TestDynamicStoreRowsTotalTracksPerTabletState(t *testing.T) {
	DynamicStoreRowsTotal.WithLabelValues("t1", "active").Set(42)
	assert.Equal(t, float64(42), testutil.ToFloat64(DynamicStoreRowsTotal.WithLabelValues("t1", "active")))
}

func TestFlushesTotalCountsByOutcome(t *testing.T) {
	before := testutil.ToFloat64(FlushesTotal.WithLabelValues("success"))
	FlushesTotal.WithLabelValues("success").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(FlushesTotal.WithLabelValues("success")))
}

func TestTimerObserveDurationRecordsToHistogram(t *testing.T) {
	before := sampleCount(t, FlushDuration)

	timer := NewTimer()
	timer.ObserveDuration(FlushDuration)

	assert.GreaterOrEqual(t, timer.Duration().Nanoseconds(), int64(0))
	assert.Equal(t, before+1, sampleCount(t, FlushDuration))
}

func TestTimerObserveDurationVecRecordsWithLabels(t *testing.T) {
	before := sampleCount(t, CompactionDuration.WithLabelValues("compaction").(prometheus.Metric))
	timer := NewTimer()
	timer.ObserveDurationVec(CompactionDuration, "compaction")
	assert.Equal(t, before+1, sampleCount(t, CompactionDuration.WithLabelValues("compaction").(prometheus.Metric)))
}

func TestHandlerServesMetricsEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "tablet_flushes_total")
}
