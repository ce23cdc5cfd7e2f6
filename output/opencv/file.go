package opencv

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/lgr"
	"gocv.io/x/gocv"
)

// ImageFile stores an annotated snapshot of every frame a stage detected
// something on.
type ImageFile struct {
	name   string
	folder string
}

func NewImageFile(_ config.PipelineSpec, name string, svcs pipeline.ServicesFactory) (pipeline.Output, error) {
	folder := "./snapshots"
	if svcs.CfgSvc != nil {
		folder = svcs.CfgSvc.GetSnapshotsFolder()
	}
	if err := os.MkdirAll(folder, 0755); err != nil {
		return nil, err
	}
	return &ImageFile{name: name, folder: folder}, nil
}

func (s *ImageFile) Name() string {
	return s.name
}

func (s *ImageFile) AcceptResults(batch model.ResultBatch) error {
	bySeq := map[uint64][]model.DetectionResult{}
	order := []uint64{}
	for _, det := range batch.Detections() {
		seq := det.Region.FrameSeq
		if _, ok := bySeq[seq]; !ok {
			order = append(order, seq)
		}
		bySeq[seq] = append(bySeq[seq], det)
	}

	for _, seq := range order {
		frame := batch.Frames[seq]
		if frame == nil {
			continue
		}
		if err := s.snapshot(batch, frame, bySeq[seq]); err != nil {
			return err
		}
	}
	return nil
}

func (s *ImageFile) snapshot(batch model.ResultBatch, frame *model.Frame, dets []model.DetectionResult) error {
	mat, err := copyMat(frame)
	if err != nil {
		return err
	}
	defer mat.Close()
	annotate(&mat, dets)

	path := filepath.Join(s.folder, fmt.Sprintf("%s_%s_%d_%d.jpg", batch.Pipeline, batch.Producer, frame.Seq, batch.Timestamp.Unix()))
	if ok := gocv.IMWrite(path, mat); !ok {
		return fmt.Errorf("write snapshot %s", path)
	}

	lgr.Logger.Info("snapshot stored",
		slog.String("pipeline", batch.Pipeline),
		slog.String("stage", batch.Producer),
		slog.String("source", frame.Source),
		slog.Int("detections", len(dets)),
		slog.String("path", path),
	)
	return nil
}

func (s *ImageFile) Close() error {
	return nil
}
