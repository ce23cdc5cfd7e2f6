package opencv

import (
	"context"
	"sync"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
	"gocv.io/x/gocv"
)

// ImageWindow shows every frame of a cycle with the boxes found on it.
// Windows need a display; the HighGUI event loop runs on the pipeline
// goroutine in EndCycle.
type ImageWindow struct {
	name   string
	window *gocv.Window

	mu     sync.Mutex
	frames []*model.Frame
	dets   map[uint64][]model.DetectionResult
}

func NewImageWindow(spec config.PipelineSpec, name string, _ pipeline.ServicesFactory) (pipeline.Output, error) {
	return &ImageWindow{
		name:   name,
		window: gocv.NewWindow(spec.Name),
		dets:   map[uint64][]model.DetectionResult{},
	}, nil
}

func (s *ImageWindow) Name() string {
	return s.name
}

func (s *ImageWindow) AcceptFrame(frame *model.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame.Retain())
	return nil
}

func (s *ImageWindow) AcceptResults(batch model.ResultBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, det := range batch.Detections() {
		seq := det.Region.FrameSeq
		s.dets[seq] = append(s.dets[seq], det)
	}
	return nil
}

func (s *ImageWindow) EndCycle(_ context.Context) error {
	s.mu.Lock()
	frames, dets := s.frames, s.dets
	s.frames, s.dets = nil, map[uint64][]model.DetectionResult{}
	s.mu.Unlock()

	defer func() {
		for _, f := range frames {
			f.Release()
		}
	}()

	for _, frame := range frames {
		mat, err := copyMat(frame)
		if err != nil {
			return err
		}
		annotate(&mat, dets[frame.Seq])
		s.window.IMShow(mat)
		s.window.WaitKey(1)
		mat.Close()
	}
	return nil
}

func (s *ImageWindow) Close() error {
	s.mu.Lock()
	for _, f := range s.frames {
		f.Release()
	}
	s.frames = nil
	s.mu.Unlock()
	return s.window.Close()
}
