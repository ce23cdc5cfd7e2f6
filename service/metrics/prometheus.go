package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "perception"

type promService struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	frames        *prometheus.CounterVec
	stageEvents   *prometheus.CounterVec
	results       *prometheus.CounterVec
	stageErrors   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	sinks         *prometheus.CounterVec
}

// NewPrometheus registers the pipeline collectors on a private registry.
func NewPrometheus() IService {
	svc := &promService{
		registry: prometheus.NewRegistry(),

		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "cycles_total",
				Help:      "Completed pipeline cycles",
			},
			[]string{"pipeline"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "cycle_duration_seconds",
				Help:      "Wall time of one pipeline cycle",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"pipeline"},
		),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "input",
				Name:      "frames_total",
				Help:      "Frames read from inputs",
			},
			[]string{"pipeline", "input"},
		),
		stageEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "events_total",
				Help:      "Stage protocol events (enqueued, dropped, submitted, fetched)",
			},
			[]string{"pipeline", "stage", "event"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "results_total",
				Help:      "Results produced by stages",
			},
			[]string{"pipeline", "stage"},
		),
		stageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "errors_total",
				Help:      "Stage errors by kind",
			},
			[]string{"pipeline", "stage", "kind"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "inference_seconds",
				Help:      "Engine latency of one request",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pipeline", "stage"},
		),
		sinks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sink",
				Name:      "deliveries_total",
				Help:      "Result deliveries to sinks",
			},
			[]string{"pipeline", "sink", "status"},
		),
	}

	svc.registry.MustRegister(
		svc.cycles,
		svc.cycleDuration,
		svc.frames,
		svc.stageEvents,
		svc.results,
		svc.stageErrors,
		svc.latency,
		svc.sinks,
		collectors.NewGoCollector(),
	)
	return svc
}

func (s *promService) CycleCompleted(pipeline string, elapsed time.Duration) {
	s.cycles.WithLabelValues(pipeline).Inc()
	s.cycleDuration.WithLabelValues(pipeline).Observe(elapsed.Seconds())
}

func (s *promService) FramesCaptured(pipeline, input string, n int) {
	s.frames.WithLabelValues(pipeline, input).Add(float64(n))
}

func (s *promService) StageEvent(pipeline, stage, event string) {
	s.stageEvents.WithLabelValues(pipeline, stage, event).Inc()
}

func (s *promService) StageResults(pipeline, stage string, n int) {
	s.results.WithLabelValues(pipeline, stage).Add(float64(n))
}

func (s *promService) StageError(pipeline, stage, kind string) {
	s.stageErrors.WithLabelValues(pipeline, stage, kind).Inc()
}

func (s *promService) InferenceLatency(pipeline, stage string, elapsed time.Duration) {
	s.latency.WithLabelValues(pipeline, stage).Observe(elapsed.Seconds())
}

func (s *promService) SinkDelivery(pipeline, sink string, ok bool) {
	status := "sent"
	if !ok {
		status = "failed"
	}
	s.sinks.WithLabelValues(pipeline, sink, status).Inc()
}

func (s *promService) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
