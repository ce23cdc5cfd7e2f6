package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const peopleDocument = `
Pipelines:
  - name: people
    inputs: [StandardCamera]
    input_path: "0"
    infers:
      - name: ObjectDetection
        model: /opt/models/person-detection-retail-0013.xml
        engine: GPU
        label: /opt/models/person-detection.labels
        batch: 4
        confidence_threshold: 0.5
        enable_roi_constraint: true
    outputs: [ImageWindow, RosTopic]
    connects:
      - left: StandardCamera
        right: [ObjectDetection, ImageWindow]
      - left: ObjectDetection
        right: [ImageWindow, RosTopic]
`

func TestParsePipelines(t *testing.T) {
	t.Run("full document", func(t *testing.T) {
		doc, err := ParsePipelines([]byte(peopleDocument))
		require.NoError(t, err)
		require.Len(t, doc.Pipelines, 1)

		p := doc.Pipelines[0]
		assert.Equal(t, "people", p.Name)
		assert.Equal(t, []string{"StandardCamera"}, p.Inputs)
		assert.Equal(t, "0", p.InputPath)
		assert.Equal(t, []string{"ImageWindow", "RosTopic"}, p.Outputs)
		require.Len(t, p.Connects, 2)
		assert.Equal(t, []string{"ObjectDetection", "ImageWindow"}, p.Connects[0].Right)

		infer, ok := p.Infer("ObjectDetection")
		require.True(t, ok)
		assert.Equal(t, "GPU", infer.Engine)
		assert.Equal(t, 4, infer.Batch)
		assert.InDelta(t, 0.5, infer.ConfidenceThreshold, 1e-6)
		assert.True(t, infer.EnableROIConstraint)
		assert.Equal(t, "ObjectDetection", infer.Kind())
		assert.Equal(t, DefaultBackend, infer.Backend)
	})

	t.Run("defaults", func(t *testing.T) {
		doc, err := ParsePipelines([]byte(`
Pipelines:
  - name: minimal
    inputs: [RandomFrame]
    infers:
      - name: detector
        type: ObjectDetection
        model: model.onnx
    outputs: [Console]
    connects:
      - left: RandomFrame
        right: [detector]
`))
		require.NoError(t, err)

		infer := doc.Pipelines[0].Infers[0]
		assert.Equal(t, DefaultDevice, infer.Engine)
		assert.Equal(t, 1, infer.Batch)
		assert.False(t, infer.EnableROIConstraint)
		assert.Equal(t, DefaultInputWidth, infer.InputWidth)
		assert.Equal(t, "ObjectDetection", infer.Kind())
	})

	t.Run("explicit zero batch is kept", func(t *testing.T) {
		doc, err := ParsePipelines([]byte(`
Pipelines:
  - name: zero
    inputs: [RandomFrame]
    infers:
      - name: detector
        model: model.onnx
        batch: 0
      - name: refiner
        model: model.onnx
    outputs: [Console]
`))
		require.NoError(t, err)
		assert.Equal(t, 0, doc.Pipelines[0].Infers[0].Batch)
		assert.Equal(t, 1, doc.Pipelines[0].Infers[1].Batch)
	})

	t.Run("unknown key rejected", func(t *testing.T) {
		_, err := ParsePipelines([]byte(`
Pipelines:
  - name: bad
    inferz: []
`))
		assert.Error(t, err)
	})

	t.Run("empty document rejected", func(t *testing.T) {
		_, err := ParsePipelines([]byte(`Pipelines: []`))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no pipelines")
	})
}

func TestLoadPipelines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(peopleDocument), 0644))

	doc, err := LoadPipelines(path)
	require.NoError(t, err)
	assert.Len(t, doc.Pipelines, 1)

	_, err = LoadPipelines(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvService(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		svc := NewFromMap(nil)
		assert.Equal(t, 5, svc.GetModeMaxShutdownTime())
		assert.Equal(t, filepath.Join("./settings", "pipelines.yaml"), svc.GetPipelinesFile())
		assert.Equal(t, time.Duration(0), svc.GetCycleTimeout())
		assert.Equal(t, ShutdownDrain, svc.GetShutdownPolicy())
		assert.Equal(t, "files", svc.GetDatabaseKind())
		assert.Equal(t, "./recordings", svc.GetRecordingsFolder())
		assert.Equal(t, time.Minute, svc.GetClipDuration())
	})

	t.Run("overrides", func(t *testing.T) {
		svc := NewFromMap(map[string]string{
			"MODE_MAX_SHUTDOWN_TIME": "9",
			"CYCLE_TIMEOUT":          "250ms",
			"SHUTDOWN_POLICY":        "abort",
			"SETTINGS_FOLDER":        "/etc/perception",
		})
		assert.Equal(t, 9, svc.GetModeMaxShutdownTime())
		assert.Equal(t, 250*time.Millisecond, svc.GetCycleTimeout())
		assert.Equal(t, ShutdownAbort, svc.GetShutdownPolicy())
		assert.Equal(t, "/etc/perception/pipelines.yaml", svc.GetPipelinesFile())
	})

	t.Run("malformed values fall back", func(t *testing.T) {
		svc := NewFromMap(map[string]string{
			"MODE_MAX_SHUTDOWN_TIME": "soon",
			"DRAIN_TIMEOUT":          "-1s",
			"SHUTDOWN_POLICY":        "explode",
		})
		assert.Equal(t, 5, svc.GetModeMaxShutdownTime())
		assert.Equal(t, 5*time.Second, svc.GetDrainTimeout())
		assert.Equal(t, ShutdownDrain, svc.GetShutdownPolicy())
	})
}
