package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCounters(t *testing.T) {
	svc := NewPrometheus().(*promService)

	svc.CycleCompleted("lobby", 12*time.Millisecond)
	svc.CycleCompleted("lobby", 8*time.Millisecond)
	svc.FramesCaptured("lobby", "Video", 3)
	svc.StageEvent("lobby", "detector", EventEnqueued)
	svc.StageEvent("lobby", "detector", EventDropped)
	svc.StageResults("lobby", "detector", 4)
	svc.StageError("lobby", "detector", "engine")
	svc.SinkDelivery("lobby", "RosTopic", true)
	svc.SinkDelivery("lobby", "RosTopic", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(svc.cycles.WithLabelValues("lobby")))
	assert.Equal(t, 3.0, testutil.ToFloat64(svc.frames.WithLabelValues("lobby", "Video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.stageEvents.WithLabelValues("lobby", "detector", EventDropped)))
	assert.Equal(t, 4.0, testutil.ToFloat64(svc.results.WithLabelValues("lobby", "detector")))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.stageErrors.WithLabelValues("lobby", "detector", "engine")))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.sinks.WithLabelValues("lobby", "RosTopic", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(svc.cycleDuration))
}

func TestPrometheusHandler(t *testing.T) {
	svc := NewPrometheus()
	svc.StageEvent("lobby", "detector", EventSubmitted)

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `perception_stage_events_total{event="submitted",pipeline="lobby",stage="detector"} 1`)
}

func TestNoop(t *testing.T) {
	svc := NewNoop()
	svc.CycleCompleted("lobby", time.Second)

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
