package metrics

import (
	"net/http"
	"time"
)

type noopService struct{}

// NewNoop discards every observation.
func NewNoop() IService {
	return noopService{}
}

func (noopService) CycleCompleted(string, time.Duration)           {}
func (noopService) FramesCaptured(string, string, int)             {}
func (noopService) StageEvent(string, string, string)              {}
func (noopService) StageResults(string, string, int)               {}
func (noopService) StageError(string, string, string)              {}
func (noopService) InferenceLatency(string, string, time.Duration) {}
func (noopService) SinkDelivery(string, string, bool)              {}

func (noopService) Handler() http.Handler {
	return http.NotFoundHandler()
}
