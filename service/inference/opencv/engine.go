package opencv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/khaledhikmat/perception-go/service/inference"
	"gocv.io/x/gocv"
)

const Name = "opencv"

type engine struct{}

// New returns an engine backed by the OpenCV DNN module.
func New() inference.Engine {
	return &engine{}
}

func (e *engine) Name() string {
	return Name
}

func (e *engine) Load(spec inference.ModelSpec) (inference.Session, error) {
	if _, err := os.Stat(spec.Path); err != nil {
		return nil, fmt.Errorf("model %s: %w", spec.Path, err)
	}

	backend, target, err := deviceTarget(spec.Device)
	if err != nil {
		return nil, err
	}

	net := gocv.ReadNet(spec.Path, companion(spec.Path))
	if net.Empty() {
		return nil, fmt.Errorf("model %s: unreadable network", spec.Path)
	}

	if err := net.SetPreferableBackend(backend); err != nil {
		net.Close()
		return nil, fmt.Errorf("device %s: set backend: %w", spec.Device, err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		net.Close()
		return nil, fmt.Errorf("device %s: set target: %w", spec.Device, err)
	}

	return &session{
		net:    net,
		device: spec.Device,
		info: inference.NetworkInfo{
			InputWidth:  spec.InputWidth,
			InputHeight: spec.InputHeight,
			// DetectionOutput layers report their proposal count only after a forward pass.
			OutputShape: []int{1, 1, -1, inference.ProposalSize},
		},
	}, nil
}

// companion finds the weights or config file paired with an IR or
// TensorFlow graph.
func companion(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	var candidates []string
	switch strings.ToLower(ext) {
	case ".xml":
		candidates = []string{base + ".bin"}
	case ".pb":
		candidates = []string{base + ".pbtxt"}
	case ".caffemodel":
		candidates = []string{base + ".prototxt"}
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func deviceTarget(device string) (gocv.NetBackendType, gocv.NetTargetType, error) {
	switch strings.ToUpper(device) {
	case "", "CPU":
		return gocv.NetBackendDefault, gocv.NetTargetCPU, nil
	case "GPU":
		return gocv.NetBackendDefault, gocv.NetTargetFP32, nil
	case "GPU_FP16":
		return gocv.NetBackendDefault, gocv.NetTargetFP16, nil
	case "MYRIAD", "VPU":
		return gocv.NetBackendOpenVINO, gocv.NetTargetVPU, nil
	case "CUDA":
		return gocv.NetBackendCUDA, gocv.NetTargetCUDA, nil
	}
	return 0, 0, fmt.Errorf("device %s not supported by %s engine", device, Name)
}

type session struct {
	mu      sync.Mutex
	net     gocv.Net
	device  string
	info    inference.NetworkInfo
	running sync.WaitGroup
	closed  bool
}

func (s *session) Info() inference.NetworkInfo {
	return s.info
}

func (s *session) Device() string {
	return s.device
}

func (s *session) Run(inputs []inference.Input) (*inference.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("opencv session closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := inference.NewRequest(len(inputs), cancel)

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer cancel()
		req.Execute(func() (inference.Tensor, error) { return s.forward(ctx, inputs) })
	}()
	return req, nil
}

// forward runs one pass per region and stacks the proposal rows, tagging
// each row with its batch slot.
func (s *session) forward(ctx context.Context, inputs []inference.Input) (inference.Tensor, error) {
	size := image.Pt(s.info.InputWidth, s.info.InputHeight)
	var data []float32

	for slot, in := range inputs {
		if err := ctx.Err(); err != nil {
			return inference.Tensor{}, err
		}

		rows, err := s.forwardRegion(in, size)
		if err != nil {
			return inference.Tensor{}, fmt.Errorf("batch slot %d: %w", slot, err)
		}
		for i := 0; i+inference.ProposalSize <= len(rows); i += inference.ProposalSize {
			if rows[i] < 0 {
				break
			}
			row := append([]float32{}, rows[i:i+inference.ProposalSize]...)
			row[0] = float32(slot)
			data = append(data, row...)
		}
	}

	data = append(data, -1, 0, 0, 0, 0, 0, 0)
	return inference.Tensor{
		Shape: []int{1, 1, len(data) / inference.ProposalSize, inference.ProposalSize},
		Data:  data,
	}, nil
}

func (s *session) forwardRegion(in inference.Input, size image.Point) ([]float32, error) {
	mat, owned, err := frameMat(in)
	if err != nil {
		return nil, err
	}
	if owned {
		defer mat.Close()
	}

	rect := in.Region.Rect().Intersect(image.Rect(0, 0, mat.Cols(), mat.Rows()))
	if rect.Empty() {
		return nil, fmt.Errorf("region %v is empty within the frame", in.Region.Rect())
	}
	roi := mat.Region(rect)
	defer roi.Close()
	if roi.Empty() {
		return nil, errors.New("empty region")
	}

	blob := gocv.BlobFromImage(roi, 1.0, size, gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	s.net.SetInput(blob, "")
	output := s.net.Forward("")
	defer output.Close()

	rows, err := output.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	return append([]float32{}, rows...), nil
}

// frameMat returns the frame's native matrix when it carries one, else a
// converted copy the caller must close.
func frameMat(in inference.Input) (gocv.Mat, bool, error) {
	if in.Frame == nil {
		return gocv.Mat{}, false, errors.New("no frame")
	}
	if native, ok := in.Frame.Native.(*gocv.Mat); ok && !native.Empty() {
		return *native, false, nil
	}
	if in.Frame.Image == nil {
		return gocv.Mat{}, false, errors.New("frame has no pixels")
	}
	mat, err := gocv.ImageToMatRGB(in.Frame.Image)
	if err != nil {
		return gocv.Mat{}, false, err
	}
	return mat, true, nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.running.Wait()
	return s.net.Close()
}
