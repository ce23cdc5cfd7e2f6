package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Responder builds the output of one fake request.
type Responder func(inputs []Input) (Tensor, error)

type fakeEngine struct {
	mu          sync.Mutex
	info        NetworkInfo
	respond     Responder
	manual      bool
	abortable   bool
	unavailable map[string]bool
	runErr      error
	pending     []*fakeCall
	calls       [][]Input
	sessions    int
	closed      int
}

type fakeCall struct {
	req    *Request
	inputs []Input
}

// FakeEngine is a scripted engine for tests and dry runs.
type FakeEngine interface {
	Engine
	// Respond replaces the output builder.
	Respond(fn Responder)
	// Manual keeps requests running until CompletePending is called.
	Manual()
	// Abortable gives requests a cancel primitive.
	Abortable()
	// Unavailable makes Load fail for device.
	Unavailable(device string)
	// FailRun makes Session.Run return err until it is called with nil.
	FailRun(err error)
	// CompletePending completes every running request and returns how many.
	CompletePending() int
	Calls() [][]Input
	OpenSessions() int
}

// NewFake returns a fake engine whose requests complete as soon as they are
// run, with an empty proposal tensor.
func NewFake(info NetworkInfo) FakeEngine {
	return &fakeEngine{
		info: info,
		respond: func(_ []Input) (Tensor, error) {
			return Tensor{Shape: []int{1, 1, 1, ProposalSize}, Data: []float32{-1, 0, 0, 0, 0, 0, 0}}, nil
		},
		unavailable: map[string]bool{},
	}
}

func (e *fakeEngine) Name() string {
	return "fake"
}

func (e *fakeEngine) Respond(fn Responder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.respond = fn
}

func (e *fakeEngine) Manual() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manual = true
}

func (e *fakeEngine) Abortable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.abortable = true
}

func (e *fakeEngine) Unavailable(device string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unavailable[device] = true
}

func (e *fakeEngine) FailRun(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runErr = err
}

func (e *fakeEngine) Load(spec ModelSpec) (Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if spec.Path == "" {
		return nil, errors.New("fake engine: empty model path")
	}
	if e.unavailable[spec.Device] {
		return nil, fmt.Errorf("fake engine: device %s unavailable", spec.Device)
	}

	e.sessions++
	info := e.info
	if info.InputWidth == 0 {
		info.InputWidth = spec.InputWidth
	}
	if info.InputHeight == 0 {
		info.InputHeight = spec.InputHeight
	}
	return &fakeSession{engine: e, info: info, device: spec.Device}, nil
}

func (e *fakeEngine) CompletePending() int {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	respond := e.respond
	e.mu.Unlock()

	for _, call := range pending {
		call.req.Complete(respond(call.inputs))
	}
	return len(pending)
}

func (e *fakeEngine) Calls() [][]Input {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]Input{}, e.calls...)
}

func (e *fakeEngine) OpenSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions - e.closed
}

type fakeSession struct {
	engine *fakeEngine
	info   NetworkInfo
	device string
	closed bool
}

func (s *fakeSession) Info() NetworkInfo {
	return s.info
}

func (s *fakeSession) Device() string {
	return s.device
}

func (s *fakeSession) Run(inputs []Input) (*Request, error) {
	if s.closed {
		return nil, errors.New("fake engine: session closed")
	}

	e := s.engine
	e.mu.Lock()
	if e.runErr != nil {
		err := e.runErr
		e.mu.Unlock()
		return nil, err
	}
	e.calls = append(e.calls, append([]Input{}, inputs...))

	req := NewRequest(len(inputs), nil)
	if e.abortable {
		req.cancel = func() { e.abort(req) }
	}

	if e.manual {
		e.pending = append(e.pending, &fakeCall{req: req, inputs: inputs})
		e.mu.Unlock()
		return req, nil
	}
	respond := e.respond
	e.mu.Unlock()

	req.Complete(respond(inputs))
	return req, nil
}

func (s *fakeSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.engine.mu.Lock()
	s.engine.closed++
	s.engine.mu.Unlock()
	return nil
}

func (e *fakeEngine) abort(req *Request) {
	e.mu.Lock()
	for i, call := range e.pending {
		if call.req == req {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	req.Complete(Tensor{}, context.Canceled)
}
