// Package output holds the result sinks a pipeline can publish to.
package output

import (
	"time"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
)

const (
	RosTopicKind      = "RosTopic"
	RVizKind          = "RViz"
	RestfulServerKind = "RestfulServer"
	DatabaseKind      = "Database"
	WebhookKind       = "Webhook"
	ConsoleKind       = "Console"
	DetectionLogKind  = "DetectionLog"
)

// Register adds the result sinks that do not need OpenCV.
func Register() {
	results := pipeline.OutputCaps{Results: true}
	pipeline.RegisterOutput(RosTopicKind, results, NewRosTopic)
	pipeline.RegisterOutput(RVizKind, pipeline.OutputCaps{Frames: true, Results: true}, NewRViz)
	pipeline.RegisterOutput(RestfulServerKind, results, NewRestfulServer)
	pipeline.RegisterOutput(DatabaseKind, results, NewDatabase)
	pipeline.RegisterOutput(WebhookKind, results, NewWebhook)
	pipeline.RegisterOutput(ConsoleKind, results, NewConsole)
	pipeline.RegisterOutput(DetectionLogKind, results, NewDetectionLog)
}

// Records flattens the detections of a batch into their persisted form.
func Records(batch model.ResultBatch) []model.DetectionRecord {
	ts := batch.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	records := make([]model.DetectionRecord, 0, len(batch.Results))
	for _, det := range batch.Detections() {
		source := ""
		if frame := batch.Frame(det); frame != nil {
			source = frame.Source
		}
		records = append(records, model.DetectionRecord{
			Pipeline:   batch.Pipeline,
			Stage:      batch.Producer,
			Source:     source,
			FrameSeq:   det.Region.FrameSeq,
			Label:      det.Label,
			Confidence: det.Confidence,
			X:          det.Region.X,
			Y:          det.Region.Y,
			Width:      det.Region.W,
			Height:     det.Region.H,
			Timestamp:  ts.Unix(),
		})
	}
	return records
}
