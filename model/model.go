package model

import (
	"fmt"
	"runtime/debug"
)

type CustomError struct {
	Processor  string                 `json:"processor"`
	Pipeline   string                 `json:"pipeline"`
	Inner      error                  `json:"innerError"`
	Message    string                 `json:"message"`
	StackTrace string                 `json:"stackTrace"`
	Misc       map[string]interface{} `json:"misc"`
}

func (e CustomError) Error() string {
	if e.Inner == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Inner)
}

func (e CustomError) Unwrap() error {
	return e.Inner
}

func GenError(proc string, err error, misc map[string]interface{}, messagef string, args ...interface{}) CustomError {
	pipeline := ""
	if name, ok := misc["pipeline"].(string); ok {
		pipeline = name
	}

	return CustomError{
		Processor:  proc,
		Pipeline:   pipeline,
		Inner:      err,
		Message:    fmt.Sprintf(messagef, args...),
		StackTrace: string(debug.Stack()),
		Misc:       misc,
	}
}

type StageStats struct {
	Pipeline       string  `json:"pipeline"`
	Stage          string  `json:"stage"`
	Device         string  `json:"device"`
	Enqueued       int64   `json:"enqueued"`
	Dropped        int64   `json:"dropped"`
	Submitted      int64   `json:"submitted"`
	Fetched        int64   `json:"fetched"`
	Results        int64   `json:"results"`
	EngineErrors   int64   `json:"engineErrors"`
	DecodeErrors   int64   `json:"decodeErrors"`
	AvgInferenceMs float64 `json:"avgInferenceMs"`
	Timestamp      int64   `json:"timestamp"`
}

type PipelineStats struct {
	ID          string  `json:"id"`
	Pipeline    string  `json:"pipeline"`
	Cycles      int64   `json:"cycles"`
	Frames      int64   `json:"frames"`
	InputErrors int64   `json:"inputErrors"`
	SinkErrors  int64   `json:"sinkErrors"`
	TimedOut    int64   `json:"timedOut"`
	Uptime      int64   `json:"uptime"`
	FPS         float64 `json:"fps"`
	AvgCycleMs  float64 `json:"avgCycleMs"`
	Timestamp   int64   `json:"timestamp"`
}

type SinkStats struct {
	Pipeline  string `json:"pipeline"`
	Producer  string `json:"producer"`
	Sink      string `json:"sink"`
	Sent      uint64 `json:"sent"`
	Failed    uint64 `json:"failed"`
	Timestamp int64  `json:"timestamp"`
}

// DetectionRecord is the persisted form of one forwarded detection.
type DetectionRecord struct {
	Pipeline   string  `json:"pipeline"`
	Stage      string  `json:"stage"`
	Source     string  `json:"source"`
	FrameSeq   uint64  `json:"frameSeq"`
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Timestamp  int64   `json:"timestamp"`
}
