package pipeline

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/inference"
	"github.com/khaledhikmat/perception-go/service/lgr"
)

const ObjectDetectionKind = "ObjectDetection"

// ObjectDetectionStage reads proposal tensors of
// [image_id, label_id, confidence, x1, y1, x2, y2] rows with coordinates
// normalized to the enqueued region.
type ObjectDetectionStage struct {
	*inferStage
	detector *inference.ObjectDetectionModel
}

// NewObjectDetectionStage returns a stage with no model loaded.
func NewObjectDetectionStage(spec config.InferSpec, env StageEnv) *ObjectDetectionStage {
	return &ObjectDetectionStage{inferStage: newInferStage(spec, env)}
}

func newObjectDetection(spec config.InferSpec, env StageEnv) (Stage, error) {
	stage := NewObjectDetectionStage(spec, env)
	if err := stage.Load(env.Engine); err != nil {
		return nil, err
	}
	return stage, nil
}

// Load opens a session for the stage's model on its device.
func (s *ObjectDetectionStage) Load(engine inference.Engine) error {
	spec := s.spec
	if engine == nil {
		return model.WithPipeline(model.ModelLoadError(spec.Name, fmt.Errorf("no engine")), s.pipeline)
	}

	labels, err := inference.LoadLabels(spec.Label)
	if err != nil {
		return model.WithPipeline(model.ModelLoadError(spec.Name, err), s.pipeline)
	}

	session, err := engine.Load(inference.ModelSpec{
		Path:        spec.Model,
		Device:      spec.Engine,
		InputWidth:  spec.InputWidth,
		InputHeight: spec.InputHeight,
		MaxBatch:    spec.Batch,
	})
	if err != nil {
		return model.WithPipeline(model.ModelLoadError(spec.Name, err), s.pipeline)
	}

	m, err := inference.NewObjectDetectionModel(spec.Model, session.Info(), labels, spec.Batch)
	if err != nil {
		_ = session.Close()
		return model.WithPipeline(model.ModelLoadError(spec.Name, err), s.pipeline)
	}

	s.detector = m
	s.attach(session, s.decodeProposals)

	lgr.Logger.Info("object detection model loaded",
		slog.String("pipeline", s.pipeline),
		slog.String("stage", spec.Name),
		slog.String("engine", engine.Name()),
		slog.String("device", session.Device()),
		slog.String("model", spec.Model),
		slog.Int("labels", len(labels)),
		slog.Int("maxProposals", m.MaxProposalCount),
	)
	return nil
}

func (s *ObjectDetectionStage) Model() *inference.ObjectDetectionModel {
	return s.detector
}

func (s *ObjectDetectionStage) decodeProposals(out inference.Tensor, batch []inference.Input) ([]model.Result, error) {
	size := inference.ProposalSize
	if len(out.Data)%size != 0 {
		return nil, fmt.Errorf("output of %d floats is not a whole number of %d-wide rows", len(out.Data), size)
	}

	threshold := s.spec.ConfidenceThreshold
	results := []model.Result{}

	// MaxProposalCount caps the rows read across all slots.
	for i := 0; i < len(out.Data); i += size {
		if limit := s.detector.MaxProposalCount; limit > 0 && i/size >= limit {
			break
		}
		row := out.Data[i : i+size]

		imageID := row[0]
		if !finite(imageID) {
			return nil, fmt.Errorf("row %d has a non-finite image id", i/size)
		}
		if imageID < 0 {
			break
		}
		slot := int(imageID)
		if float32(slot) != imageID || slot >= len(batch) {
			continue
		}
		for _, v := range row[1:] {
			if !finite(v) {
				return nil, fmt.Errorf("row %d holds a non-finite value", i/size)
			}
		}

		confidence := row[2]
		if confidence < threshold {
			continue
		}

		in := batch[slot]
		box := projectBox(in.Region, row[3], row[4], row[5], row[6])
		box.FrameSeq = in.Frame.Seq
		if box.Empty() {
			continue
		}

		if s.spec.EnableROIConstraint {
			box = box.Intersect(in.Frame.Bounds())
			if box.Empty() {
				continue
			}
		}

		results = append(results, model.DetectionResult{
			Region:     box,
			Label:      s.detector.Label(int(row[1])),
			Confidence: confidence,
		})
	}
	return results, nil
}

func finite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}

// projectBox maps normalized corners back into frame coordinates.
func projectBox(region model.FrameRegion, x1, y1, x2, y2 float32) model.FrameRegion {
	px := func(n float32, origin, extent int) int {
		return origin + int(math.Round(float64(n)*float64(extent)))
	}
	left, top := px(x1, region.X, region.W), px(y1, region.Y, region.H)
	right, bottom := px(x2, region.X, region.W), px(y2, region.Y, region.H)
	return model.FrameRegion{X: left, Y: top, W: right - left, H: bottom - top}
}

func init() {
	RegisterStage(ObjectDetectionKind, newObjectDetection)
}
