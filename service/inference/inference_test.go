package inference

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLifecycle(t *testing.T) {
	t.Run("poll before and after completion", func(t *testing.T) {
		req := NewRequest(2, nil)
		assert.False(t, req.Completed())

		_, err := req.Result()
		assert.ErrorIs(t, err, ErrRequestRunning)

		req.Complete(Tensor{Data: []float32{1}}, nil)
		req.Complete(Tensor{Data: []float32{2}}, errors.New("ignored"))
		assert.True(t, req.Completed())

		out, err := req.Result()
		require.NoError(t, err)
		assert.Equal(t, []float32{1}, out.Data)
	})

	t.Run("wait respects context", func(t *testing.T) {
		req := NewRequest(1, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, req.Wait(ctx), context.DeadlineExceeded)

		go req.Complete(Tensor{}, nil)
		assert.NoError(t, req.Wait(context.Background()))
	})

	t.Run("execute turns a panic into an engine error", func(t *testing.T) {
		req := NewRequest(1, nil)
		req.Execute(func() (Tensor, error) {
			var rows []float32
			return Tensor{Data: rows[:7]}, nil
		})
		require.True(t, req.Completed())
		_, err := req.Result()
		assert.ErrorContains(t, err, "engine panic")
	})

	t.Run("abort needs a cancel primitive", func(t *testing.T) {
		assert.False(t, NewRequest(1, nil).Abort())

		called := false
		assert.True(t, NewRequest(1, func() { called = true }).Abort())
		assert.True(t, called)
	})
}

func TestObjectDetectionModel(t *testing.T) {
	info := NetworkInfo{InputWidth: 300, InputHeight: 300, OutputShape: []int{1, 1, 200, 7}, MaxBatch: 8}

	t.Run("valid", func(t *testing.T) {
		m, err := NewObjectDetectionModel("ssd.xml", info, []string{"background", "person"}, 4)
		require.NoError(t, err)
		assert.Equal(t, 200, m.MaxProposalCount)
		assert.Equal(t, ProposalSize, m.ObjectSize)
		assert.Equal(t, 4, m.MaxBatch)
		assert.Equal(t, "person", m.Label(1))
		assert.Equal(t, "label #7", m.Label(7))
		assert.Equal(t, "label #-1", m.Label(-1))
	})

	t.Run("dynamic proposal count", func(t *testing.T) {
		dyn := info
		dyn.OutputShape = []int{1, 1, -1, 7}
		m, err := NewObjectDetectionModel("ssd.onnx", dyn, nil, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, m.MaxProposalCount)
	})

	t.Run("rejects wrong row width", func(t *testing.T) {
		bad := info
		bad.OutputShape = []int{1, 8400, 85}
		_, err := NewObjectDetectionModel("yolo.onnx", bad, nil, 1)
		assert.Error(t, err)
	})

	t.Run("rejects batch over limit", func(t *testing.T) {
		_, err := NewObjectDetectionModel("ssd.xml", info, nil, 9)
		assert.Error(t, err)
		_, err = NewObjectDetectionModel("ssd.xml", info, nil, 0)
		assert.Error(t, err)
	})
}

func TestLoadLabels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "labels.txt")
	require.NoError(t, os.WriteFile(path, []byte("background\nperson \r\ncar\n"), 0644))

	labels, err := LoadLabels(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"background", "person", "car"}, labels)

	labels, err = LoadLabels("")
	require.NoError(t, err)
	assert.Empty(t, labels)

	_, err = LoadLabels(filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)
}

func TestFakeEngine(t *testing.T) {
	t.Run("load failures", func(t *testing.T) {
		engine := NewFake(NetworkInfo{OutputShape: []int{1, 1, 10, 7}})
		engine.Unavailable("MYRIAD")

		_, err := engine.Load(ModelSpec{Path: "", Device: "CPU"})
		assert.Error(t, err)
		_, err = engine.Load(ModelSpec{Path: "m.xml", Device: "MYRIAD"})
		assert.Error(t, err)

		session, err := engine.Load(ModelSpec{Path: "m.xml", Device: "CPU", InputWidth: 300, InputHeight: 300})
		require.NoError(t, err)
		assert.Equal(t, 300, session.Info().InputWidth)
		assert.Equal(t, 1, engine.OpenSessions())
		require.NoError(t, session.Close())
		assert.Equal(t, 0, engine.OpenSessions())
	})

	t.Run("manual completion", func(t *testing.T) {
		engine := NewFake(NetworkInfo{OutputShape: []int{1, 1, 10, 7}})
		engine.Manual()
		session, err := engine.Load(ModelSpec{Path: "m.xml", Device: "CPU"})
		require.NoError(t, err)

		req, err := session.Run([]Input{{}})
		require.NoError(t, err)
		assert.False(t, req.Completed())

		assert.Equal(t, 1, engine.CompletePending())
		assert.True(t, req.Completed())
		assert.Len(t, engine.Calls(), 1)
	})

	t.Run("abortable requests", func(t *testing.T) {
		engine := NewFake(NetworkInfo{OutputShape: []int{1, 1, 10, 7}})
		engine.Manual()
		engine.Abortable()
		session, err := engine.Load(ModelSpec{Path: "m.xml", Device: "CPU"})
		require.NoError(t, err)

		req, err := session.Run([]Input{{}})
		require.NoError(t, err)
		assert.True(t, req.Abort())

		_, err = req.Result()
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, engine.CompletePending())
	})
}
