package model

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. A *PipelineError matches its kind with errors.Is.
var (
	ErrConfig    = errors.New("invalid pipeline configuration")
	ErrModelLoad = errors.New("model load failed")
	ErrCapacity  = errors.New("stage queue is full")
	ErrEngine    = errors.New("engine execution failed")
	ErrDecode    = errors.New("malformed engine output")
)

// Stage lifecycle errors.
var (
	ErrModelNotLoaded  = errors.New("no model loaded")
	ErrQueueEmpty      = errors.New("stage queue is empty")
	ErrRequestPending  = errors.New("previous request not fetched")
	ErrNoRequest       = errors.New("no outstanding request")
	ErrIndexOutOfRange = errors.New("result index out of range")
	ErrStageClosed     = errors.New("stage is closed")
	ErrFrameReleased   = errors.New("frame already released")
	ErrRegionOutside   = errors.New("region is empty or outside its frame")
	ErrInputsExhausted = errors.New("all inputs exhausted")
)

type PipelineError struct {
	Kind     error
	Pipeline string
	Stage    string
	Op       string
	Err      error
}

func (e *PipelineError) Error() string {
	parts := []string{}
	if e.Pipeline != "" {
		parts = append(parts, fmt.Sprintf("pipeline %q", e.Pipeline))
	}
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage %q", e.Stage))
	}
	if e.Op != "" {
		parts = append(parts, e.Op)
	}

	msg := e.Kind.Error()
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if len(parts) == 0 {
		return msg
	}
	return strings.Join(parts, ": ") + ": " + msg
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func (e *PipelineError) Is(target error) bool {
	return target == e.Kind
}

func ConfigError(pipeline, format string, args ...interface{}) error {
	return &PipelineError{Kind: ErrConfig, Pipeline: pipeline, Err: fmt.Errorf(format, args...)}
}

func ModelLoadError(stage string, err error) error {
	return &PipelineError{Kind: ErrModelLoad, Stage: stage, Op: "load", Err: err}
}

func CapacityError(stage string, capacity int) error {
	return &PipelineError{Kind: ErrCapacity, Stage: stage, Op: "enqueue", Err: fmt.Errorf("capacity %d", capacity)}
}

func EngineError(stage string, err error) error {
	return &PipelineError{Kind: ErrEngine, Stage: stage, Op: "fetch", Err: err}
}

func DecodeError(stage string, err error) error {
	return &PipelineError{Kind: ErrDecode, Stage: stage, Op: "decode", Err: err}
}

// ErrorKind returns a short label for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrModelLoad):
		return "model_load"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrEngine):
		return "engine"
	case errors.Is(err, ErrDecode):
		return "decode"
	default:
		return "other"
	}
}

// WithPipeline tags a *PipelineError with the pipeline it belongs to.
func WithPipeline(err error, pipeline string) error {
	var pe *PipelineError
	if errors.As(err, &pe) && pe.Pipeline == "" {
		pe.Pipeline = pipeline
	}
	return err
}
