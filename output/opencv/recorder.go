package opencv

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/lgr"
	"gocv.io/x/gocv"
)

const (
	recorderCodec = "MJPG"
	recorderFPS   = 15
)

// VideoRecorder writes every frame with its boxes into clips of a fixed
// duration, one file per clip. Frames of another size are scaled to the size
// of the clip's first frame.
type VideoRecorder struct {
	name     string
	pipeline string
	folder   string
	clip     time.Duration
	now      func() time.Time

	mu     sync.Mutex
	frames []*model.Frame
	dets   map[uint64][]model.DetectionResult

	writer  *gocv.VideoWriter
	path    string
	size    image.Point
	opened  time.Time
	written int
}

func NewVideoRecorder(spec config.PipelineSpec, name string, svcs pipeline.ServicesFactory) (pipeline.Output, error) {
	folder, clip := "./recordings", time.Minute
	if svcs.CfgSvc != nil {
		folder, clip = svcs.CfgSvc.GetRecordingsFolder(), svcs.CfgSvc.GetClipDuration()
	}
	if clip <= 0 {
		return nil, fmt.Errorf("clip duration must be positive, got %s", clip)
	}
	if err := os.MkdirAll(folder, 0755); err != nil {
		return nil, err
	}
	return &VideoRecorder{
		name:     name,
		pipeline: spec.Name,
		folder:   folder,
		clip:     clip,
		now:      time.Now,
		dets:     map[uint64][]model.DetectionResult{},
	}, nil
}

func (s *VideoRecorder) Name() string {
	return s.name
}

func (s *VideoRecorder) AcceptFrame(frame *model.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame.Retain())
	return nil
}

func (s *VideoRecorder) AcceptResults(batch model.ResultBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, det := range batch.Detections() {
		seq := det.Region.FrameSeq
		s.dets[seq] = append(s.dets[seq], det)
	}
	return nil
}

func (s *VideoRecorder) EndCycle(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames, dets := s.frames, s.dets
	s.frames, s.dets = nil, map[uint64][]model.DetectionResult{}
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
		err = s.write(mat)
		mat.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *VideoRecorder) write(mat gocv.Mat) error {
	if s.writer != nil && s.now().Sub(s.opened) >= s.clip {
		if err := s.finish(); err != nil {
			return err
		}
	}
	if s.writer == nil {
		if err := s.open(image.Pt(mat.Cols(), mat.Rows())); err != nil {
			return err
		}
	}

	if mat.Cols() != s.size.X || mat.Rows() != s.size.Y {
		resized := gocv.NewMat()
		defer resized.Close()
		if err := gocv.Resize(mat, &resized, s.size, 0, 0, gocv.InterpolationLinear); err != nil {
			return fmt.Errorf("resize frame for %s: %w", s.path, err)
		}
		mat = resized
	}

	if err := s.writer.Write(mat); err != nil {
		return fmt.Errorf("write frame to %s: %w", s.path, err)
	}
	s.written++
	return nil
}

func (s *VideoRecorder) open(size image.Point) error {
	if size.X <= 0 || size.Y <= 0 {
		return fmt.Errorf("invalid frame dimensions: cols=%d, rows=%d", size.X, size.Y)
	}

	s.opened = s.now()
	path := filepath.Join(s.folder, fmt.Sprintf("%s_%s_%d.avi", s.pipeline, s.name, s.opened.UnixNano()))
	writer, err := gocv.VideoWriterFile(path, recorderCodec, recorderFPS, size.X, size.Y, true)
	if err != nil {
		return fmt.Errorf("open clip %s: %w", path, err)
	}
	if !writer.IsOpened() {
		writer.Close()
		return fmt.Errorf("open clip %s: writer not opened", path)
	}

	s.writer, s.path, s.size, s.written = writer, path, size, 0
	return nil
}

func (s *VideoRecorder) finish() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	lgr.Logger.Info("clip stored",
		slog.String("pipeline", s.pipeline),
		slog.String("sink", s.name),
		slog.String("path", s.path),
		slog.Int("frames", s.written),
	)
	s.writer, s.path = nil, ""
	return err
}

func (s *VideoRecorder) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		f.Release()
	}
	s.frames = nil
	return s.finish()
}
