package metrics

import (
	"net/http"
	"time"
)

// Stage events counted by StageEvent.
const (
	EventEnqueued  = "enqueued"
	EventDropped   = "dropped"
	EventSubmitted = "submitted"
	EventFetched   = "fetched"
)

type IService interface {
	CycleCompleted(pipeline string, elapsed time.Duration)
	FramesCaptured(pipeline, input string, n int)
	StageEvent(pipeline, stage, event string)
	StageResults(pipeline, stage string, n int)
	StageError(pipeline, stage, kind string)
	InferenceLatency(pipeline, stage string, elapsed time.Duration)
	SinkDelivery(pipeline, sink string, ok bool)
	Handler() http.Handler
}
