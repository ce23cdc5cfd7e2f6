package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/inference"
	"github.com/khaledhikmat/perception-go/service/lgr"
	"github.com/khaledhikmat/perception-go/service/metrics"
)

// decodeFunc turns the raw output of one request into results. batch holds
// the inputs of that request in slot order.
type decodeFunc func(out inference.Tensor, batch []inference.Input) ([]model.Result, error)

// inferStage implements the asynchronous stage protocol. Concrete stages
// attach a session and a decoder.
type inferStage struct {
	mu       sync.Mutex
	spec     config.InferSpec
	pipeline string
	metrics  metrics.IService

	session inference.Session
	decode  decodeFunc

	state    StageState
	queue    []inference.Input
	inflight []inference.Input
	req      *inference.Request
	results  []model.Result
	frames   map[uint64]*model.Frame
	closed   bool

	enqueued     int64
	dropped      int64
	submitted    int64
	fetched      int64
	produced     int64
	engineErrors int64
	decodeErrors int64
	inferTotal   time.Duration
}

func newInferStage(spec config.InferSpec, env StageEnv) *inferStage {
	m := env.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	return &inferStage{
		spec:     spec,
		pipeline: env.Pipeline,
		metrics:  m,
		frames:   map[uint64]*model.Frame{},
	}
}

func (s *inferStage) attach(session inference.Session, decode decodeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.decode = decode
}

func (s *inferStage) Name() string {
	return s.spec.Name
}

func (s *inferStage) Kind() string {
	return s.spec.Kind()
}

func (s *inferStage) State() StageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *inferStage) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *inferStage) Enqueue(frame *model.Frame, region model.FrameRegion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return s.lifecycle(model.ErrStageClosed)
	case s.session == nil:
		return s.lifecycle(model.ErrModelNotLoaded)
	case s.state == Submitted:
		return s.lifecycle(model.ErrRequestPending)
	case frame == nil || frame.Released():
		return s.lifecycle(model.ErrFrameReleased)
	}

	if region.Empty() || !region.Rect().In(frame.Bounds()) {
		return s.lifecycle(model.ErrRegionOutside)
	}
	if region.FrameSeq != 0 && region.FrameSeq != frame.Seq {
		return s.lifecycle(model.ErrRegionOutside)
	}

	if len(s.queue) >= s.spec.Batch {
		s.dropped++
		s.metrics.StageEvent(s.pipeline, s.Name(), metrics.EventDropped)
		return model.WithPipeline(model.CapacityError(s.Name(), s.spec.Batch), s.pipeline)
	}

	if region.FrameSeq == 0 {
		region.FrameSeq = frame.Seq
	}
	s.queue = append(s.queue, inference.Input{Frame: frame.Retain(), Region: region})
	s.state = Queuing
	s.enqueued++
	s.metrics.StageEvent(s.pipeline, s.Name(), metrics.EventEnqueued)
	return nil
}

func (s *inferStage) SubmitRequest() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return s.lifecycle(model.ErrStageClosed)
	case s.session == nil:
		return s.lifecycle(model.ErrModelNotLoaded)
	case s.state == Submitted:
		return s.lifecycle(model.ErrRequestPending)
	case len(s.queue) == 0:
		return s.lifecycle(model.ErrQueueEmpty)
	}

	batch := s.queue
	s.queue = nil

	req, err := s.session.Run(batch)
	if err != nil {
		releaseInputs(batch)
		s.clearResults()
		s.state = Idle
		s.engineErrors++
		s.metrics.StageError(s.pipeline, s.Name(), "engine")
		return model.WithPipeline(model.EngineError(s.Name(), err), s.pipeline)
	}

	s.inflight = batch
	s.req = req
	s.state = Submitted
	s.submitted++
	s.metrics.StageEvent(s.pipeline, s.Name(), metrics.EventSubmitted)
	return nil
}

func (s *inferStage) FetchResults() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.req == nil {
		return false, s.lifecycle(model.ErrNoRequest)
	}
	if !s.req.Completed() {
		return false, nil
	}

	req, batch := s.req, s.inflight
	s.req, s.inflight = nil, nil
	s.state = Idle

	latency := req.Latency()
	s.inferTotal += latency
	s.metrics.InferenceLatency(s.pipeline, s.Name(), latency)

	out, err := req.Result()
	if err != nil {
		releaseInputs(batch)
		s.clearResults()
		s.engineErrors++
		s.metrics.StageError(s.pipeline, s.Name(), "engine")
		return false, model.WithPipeline(model.EngineError(s.Name(), err), s.pipeline)
	}

	results, err := s.decode(out, batch)
	if err != nil {
		releaseInputs(batch)
		s.clearResults()
		s.decodeErrors++
		s.metrics.StageError(s.pipeline, s.Name(), "decode")
		return false, model.WithPipeline(model.DecodeError(s.Name(), err), s.pipeline)
	}

	s.clearResults()
	s.results = results
	for _, in := range batch {
		if _, ok := s.frames[in.Frame.Seq]; ok {
			in.Frame.Release()
			continue
		}
		s.frames[in.Frame.Seq] = in.Frame
	}

	s.state = Ready
	s.fetched++
	s.produced += int64(len(results))
	s.metrics.StageEvent(s.pipeline, s.Name(), metrics.EventFetched)
	s.metrics.StageResults(s.pipeline, s.Name(), len(results))
	return true, nil
}

func (s *inferStage) ResultsLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func (s *inferStage) LocationResult(idx int) (model.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.results) {
		return nil, fmt.Errorf("stage %q: index %d of %d: %w", s.Name(), idx, len(s.results), model.ErrIndexOutOfRange)
	}
	return s.results[idx], nil
}

func (s *inferStage) Results() []model.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Result{}, s.results...)
}

// ResultFrame returns the frame of a buffered result. The frame stays valid
// until the next fetch or Close.
func (s *inferStage) ResultFrame(seq uint64) *model.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[seq]
}

// Close settles an outstanding request according to policy, then releases
// every frame and the session. When ctx ends before the request completes,
// its frames and the session are left to the engine.
func (s *inferStage) Close(ctx context.Context, policy string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	req := s.req
	releaseInputs(s.queue)
	s.queue = nil
	s.mu.Unlock()

	if req != nil {
		if policy == config.ShutdownAbort && req.Abort() {
			lgr.Logger.Info("stage request aborted",
				slog.String("pipeline", s.pipeline),
				slog.String("stage", s.Name()),
				slog.String("request", req.ID),
			)
		}
		if err := req.Wait(ctx); err != nil {
			return fmt.Errorf("stage %q: drain request %s: %w", s.Name(), req.ID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	releaseInputs(s.inflight)
	s.inflight, s.req = nil, nil
	s.clearResults()
	s.state = Idle

	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

func (s *inferStage) Stats() model.StageStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := model.StageStats{
		Pipeline:     s.pipeline,
		Stage:        s.Name(),
		Device:       s.spec.Engine,
		Enqueued:     s.enqueued,
		Dropped:      s.dropped,
		Submitted:    s.submitted,
		Fetched:      s.fetched,
		Results:      s.produced,
		EngineErrors: s.engineErrors,
		DecodeErrors: s.decodeErrors,
		Timestamp:    time.Now().Unix(),
	}
	if completed := s.fetched + s.engineErrors + s.decodeErrors; completed > 0 {
		stats.AvgInferenceMs = float64(s.inferTotal) / float64(time.Millisecond) / float64(completed)
	}
	return stats
}

// clearResults empties the results buffer and drops the frames it held.
func (s *inferStage) clearResults() {
	for seq, frame := range s.frames {
		frame.Release()
		delete(s.frames, seq)
	}
	s.results = nil
}

func (s *inferStage) lifecycle(err error) error {
	return fmt.Errorf("pipeline %q: stage %q: %w", s.pipeline, s.Name(), err)
}

func releaseInputs(inputs []inference.Input) {
	for _, in := range inputs {
		in.Frame.Release()
	}
}
