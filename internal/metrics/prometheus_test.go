package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saltfish/trainstream/internal/domain"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.RecordDecoded(3)
	r.RecordDecoded(0)
	r.RecordDropped("malformed", 2)
	r.RecordDropped("oversized", 0)
	r.RecordEvent(domain.EventTypeFold)
	r.RecordEvent(domain.EventTypeFold)
	r.RunStarted()
	r.RunStarted()
	r.RunFinished("succeeded", 2*time.Second)

	assert.InDelta(t, 3, testutil.ToFloat64(r.recordsDecoded), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(r.recordsDropped.WithLabelValues("malformed")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(r.events.WithLabelValues("fold")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.runs.WithLabelValues("succeeded")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.activeRuns), 0)

	count, err := testutil.GatherAndCount(reg, "trainstream_run_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
