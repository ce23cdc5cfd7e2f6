package model

import "time"

// UnsetConfidence marks a result whose confidence was never assigned.
const UnsetConfidence float32 = -1

// Result is anything a stage computes for a frame region.
type Result interface {
	Location() FrameRegion
}

type DetectionResult struct {
	Region     FrameRegion `json:"region"`
	Label      string      `json:"label"`
	Confidence float32     `json:"confidence"`
}

func NewDetectionResult(region FrameRegion) DetectionResult {
	return DetectionResult{
		Region:     region,
		Confidence: UnsetConfidence,
	}
}

func (r DetectionResult) Location() FrameRegion {
	return r.Region
}

// ResultBatch is one stage's output for one fetch, delivered to every
// consumer of the producing stage. Frames maps the sequence ids of the
// results to their frames; a sink that keeps a frame past delivery must
// Retain it.
type ResultBatch struct {
	Pipeline  string
	Producer  string
	Results   []Result
	Frames    map[uint64]*Frame
	Timestamp time.Time
}

// Frame returns the frame a result was computed on.
func (b ResultBatch) Frame(r Result) *Frame {
	return b.Frames[r.Location().FrameSeq]
}

// Detections returns the detection results of the batch.
func (b ResultBatch) Detections() []DetectionResult {
	dets := make([]DetectionResult, 0, len(b.Results))
	for _, r := range b.Results {
		if d, ok := r.(DetectionResult); ok {
			dets = append(dets, d)
		}
	}
	return dets
}
