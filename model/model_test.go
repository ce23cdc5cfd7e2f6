package model

import (
	"errors"
	"fmt"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeCounter struct {
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestFrameReferences(t *testing.T) {
	t.Run("native buffer closed on last release", func(t *testing.T) {
		native := &closeCounter{}
		f := NewFrame("cam", image.NewRGBA(image.Rect(0, 0, 640, 480)), native)

		f.Retain()
		f.Release()
		assert.False(t, f.Released())
		assert.Equal(t, 0, native.closed)

		f.Release()
		assert.True(t, f.Released())
		assert.Equal(t, 1, native.closed)
	})

	t.Run("sequence ids are monotonic across sources", func(t *testing.T) {
		a := NewFrame("a", image.NewRGBA(image.Rect(0, 0, 1, 1)), nil)
		b := NewFrame("b", image.NewRGBA(image.Rect(0, 0, 1, 1)), nil)
		assert.Greater(t, b.Seq, a.Seq)
	})

	t.Run("full region", func(t *testing.T) {
		f := NewFrame("cam", image.NewRGBA(image.Rect(0, 0, 640, 480)), nil)
		r := f.FullRegion()
		assert.Equal(t, FrameRegion{X: 0, Y: 0, W: 640, H: 480, FrameSeq: f.Seq}, r)
	})
}

func TestFrameRegionIntersect(t *testing.T) {
	bounds := image.Rect(0, 0, 640, 480)

	tests := []struct {
		name   string
		region FrameRegion
		want   FrameRegion
	}{
		{"inside", FrameRegion{X: 10, Y: 10, W: 50, H: 50}, FrameRegion{X: 10, Y: 10, W: 50, H: 50}},
		{"right edge", FrameRegion{X: 600, Y: 10, W: 100, H: 50}, FrameRegion{X: 600, Y: 10, W: 40, H: 50}},
		{"negative origin", FrameRegion{X: -20, Y: -10, W: 50, H: 50}, FrameRegion{X: 0, Y: 0, W: 30, H: 40}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.region.Intersect(bounds))
		})
	}

	t.Run("outside is empty", func(t *testing.T) {
		r := FrameRegion{X: 700, Y: 10, W: 10, H: 10}.Intersect(bounds)
		assert.True(t, r.Empty())
	})
}

func TestPipelineErrorKinds(t *testing.T) {
	err := CapacityError("ObjectDetection", 2)
	assert.True(t, errors.Is(err, ErrCapacity))
	assert.False(t, errors.Is(err, ErrEngine))
	assert.Equal(t, "capacity", ErrorKind(err))

	wrapped := fmt.Errorf("cycle: %w", EngineError("ObjectDetection", errors.New("device lost")))
	assert.True(t, errors.Is(wrapped, ErrEngine))
	assert.Contains(t, wrapped.Error(), "device lost")

	tagged := WithPipeline(ModelLoadError("ObjectDetection", errors.New("missing")), "people")
	var pe *PipelineError
	require.True(t, errors.As(tagged, &pe))
	assert.Equal(t, "people", pe.Pipeline)
	assert.Contains(t, tagged.Error(), `pipeline "people"`)
	assert.Contains(t, tagged.Error(), `stage "ObjectDetection"`)
}

func TestDetectionResultDefaults(t *testing.T) {
	r := NewDetectionResult(FrameRegion{X: 1, Y: 2, W: 3, H: 4, FrameSeq: 9})
	assert.Equal(t, UnsetConfidence, r.Confidence)
	assert.Equal(t, uint64(9), r.Location().FrameSeq)

	batch := ResultBatch{Results: []Result{r}}
	assert.Len(t, batch.Detections(), 1)
}

func TestGenError(t *testing.T) {
	err := GenError("agent", errors.New("boom"), map[string]interface{}{"pipeline": "people"}, "cycle %d failed", 3)
	assert.Equal(t, "people", err.Pipeline)
	assert.Equal(t, "cycle 3 failed: boom", err.Error())
	assert.NotEmpty(t, err.StackTrace)
}
