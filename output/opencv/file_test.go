package opencv

import (
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageFileSnapshots(t *testing.T) {
	folder := t.TempDir()
	svcs := pipeline.ServicesFactory{CfgSvc: config.NewFromMap(map[string]string{"SNAPSHOTS_FOLDER": folder})}
	out, err := NewImageFile(config.PipelineSpec{Name: "lobby"}, ImageFileKind, svcs)
	require.NoError(t, err)

	frame := model.NewFrame("cam0", image.NewRGBA(image.Rect(0, 0, 64, 48)), nil)
	defer frame.Release()
	batch := model.ResultBatch{
		Pipeline: "lobby",
		Producer: "detector",
		Results: []model.Result{
			model.DetectionResult{Region: model.FrameRegion{X: 4, Y: 4, W: 20, H: 20, FrameSeq: frame.Seq}, Label: "person", Confidence: 0.8},
			model.DetectionResult{Region: model.FrameRegion{X: 30, Y: 10, W: 10, H: 10, FrameSeq: frame.Seq}, Label: "car", Confidence: 0.7},
			// frame not part of the batch
			model.DetectionResult{Region: model.FrameRegion{X: 1, Y: 1, W: 5, H: 5, FrameSeq: frame.Seq + 1000}, Label: "car", Confidence: 0.7},
		},
		Frames:    map[uint64]*model.Frame{frame.Seq: frame},
		Timestamp: time.Now(),
	}

	require.NoError(t, out.(*ImageFile).AcceptResults(batch))

	files, err := filepath.Glob(filepath.Join(folder, "lobby_detector_*.jpg"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	info, err := os.Stat(files[0])
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}
