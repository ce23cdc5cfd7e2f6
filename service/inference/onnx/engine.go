package onnx

import (
	"errors"
	"fmt"
	"image"
	"runtime"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/khaledhikmat/perception-go/service/inference"
	ort "github.com/yalue/onnxruntime_go"
)

const Name = "onnx"

var (
	envOnce sync.Once
	envErr  error
)

type engine struct {
	libPath string
}

// New returns an engine backed by ONNX Runtime. libPath locates the shared
// library; empty uses the platform default search.
func New(libPath string) inference.Engine {
	return &engine{libPath: libPath}
}

// Shutdown releases the runtime environment once every session is closed.
func Shutdown() {
	if ort.IsInitialized() {
		_ = ort.DestroyEnvironment()
	}
}

func (e *engine) Name() string {
	return Name
}

func (e *engine) init() error {
	envOnce.Do(func() {
		if e.libPath != "" {
			ort.SetSharedLibraryPath(e.libPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

func (e *engine) Load(spec inference.ModelSpec) (inference.Session, error) {
	if err := e.init(); err != nil {
		return nil, fmt.Errorf("onnx runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", spec.Path, err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("model %s: want one input and at least one output, got %d and %d", spec.Path, len(inputs), len(outputs))
	}

	batch := spec.MaxBatch
	if batch <= 0 {
		batch = 1
	}

	inDims := inputs[0].Dimensions
	if len(inDims) != 4 {
		return nil, fmt.Errorf("model %s: input %s is not NCHW", spec.Path, inputs[0].Name)
	}
	width, height := int(inDims[3]), int(inDims[2])
	if width <= 0 {
		width = spec.InputWidth
	}
	if height <= 0 {
		height = spec.InputHeight
	}
	maxBatch := batch
	if inDims[0] > 0 {
		maxBatch = int(inDims[0])
		if batch > maxBatch {
			return nil, fmt.Errorf("model %s: batch %d exceeds network limit %d", spec.Path, batch, maxBatch)
		}
		batch = maxBatch
	}

	outDims := make([]int64, len(outputs[0].Dimensions))
	shape := make([]int, len(outDims))
	for i, d := range outputs[0].Dimensions {
		if d < 0 && i == 0 {
			d = int64(batch)
		}
		if d < 0 {
			return nil, fmt.Errorf("model %s: output %s has dynamic dimension %d", spec.Path, outputs[0].Name, i)
		}
		outDims[i] = d
		shape[i] = int(d)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer options.Destroy()

	_ = options.SetIntraOpNumThreads(runtime.NumCPU())
	if err := withDevice(options, spec.Device); err != nil {
		return nil, err
	}

	inTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batch), 3, int64(height), int64(width)))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	outTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(outDims...))
	if err != nil {
		inTensor.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}

	sess, err := ort.NewAdvancedSession(spec.Path,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]ort.ArbitraryTensor{inTensor},
		[]ort.ArbitraryTensor{outTensor},
		options,
	)
	if err != nil {
		inTensor.Destroy()
		outTensor.Destroy()
		return nil, fmt.Errorf("model %s: %w", spec.Path, err)
	}

	return &session{
		sess:   sess,
		input:  inTensor,
		output: outTensor,
		device: spec.Device,
		info: inference.NetworkInfo{
			InputWidth:  width,
			InputHeight: height,
			OutputShape: shape,
			MaxBatch:    maxBatch,
		},
	}, nil
}

func withDevice(options *ort.SessionOptions, device string) error {
	switch strings.ToUpper(device) {
	case "", "CPU":
		return nil
	case "CUDA", "GPU":
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("device %s: %w", device, err)
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fmt.Errorf("device %s: %w", device, err)
		}
		return nil
	}
	return fmt.Errorf("device %s not supported by %s engine", device, Name)
}

type session struct {
	mu      sync.Mutex
	sess    *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
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
		return nil, errors.New("onnx session closed")
	}
	if s.info.MaxBatch > 0 && len(inputs) > s.info.MaxBatch {
		return nil, fmt.Errorf("batch of %d exceeds %d", len(inputs), s.info.MaxBatch)
	}

	// Session.Run has no cancel primitive, so requests here must be drained.
	req := inference.NewRequest(len(inputs), nil)

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		req.Execute(func() (inference.Tensor, error) { return s.run(inputs) })
	}()
	return req, nil
}

func (s *session) run(inputs []inference.Input) (inference.Tensor, error) {
	buf := s.input.GetData()
	for i := range buf {
		buf[i] = 0
	}

	plane := s.info.InputWidth * s.info.InputHeight
	for slot, in := range inputs {
		if in.Frame == nil || in.Frame.Image == nil {
			return inference.Tensor{}, fmt.Errorf("batch slot %d: frame has no pixels", slot)
		}
		if err := fill(buf[slot*3*plane:(slot+1)*3*plane], in.Frame.Image, in.Region.Rect(), s.info.InputWidth, s.info.InputHeight); err != nil {
			return inference.Tensor{}, fmt.Errorf("batch slot %d: %w", slot, err)
		}
	}

	if err := s.sess.Run(); err != nil {
		return inference.Tensor{}, err
	}

	data := compact(s.output.GetData(), len(inputs))
	return inference.Tensor{
		Shape: []int{1, 1, len(data) / inference.ProposalSize, inference.ProposalSize},
		Data:  data,
	}, nil
}

// fill writes one region as planar RGB scaled to [0,1].
func fill(dst []float32, img image.Image, region image.Rectangle, width, height int) error {
	crop := region.Intersect(img.Bounds())
	if crop.Empty() {
		return fmt.Errorf("region %v is empty within the frame", region)
	}
	if width <= 0 || height <= 0 || len(dst) < 3*width*height {
		return fmt.Errorf("input buffer of %d floats cannot hold %dx%d", len(dst), width, height)
	}

	resized := imaging.Resize(imaging.Crop(img, crop), width, height, imaging.Linear)
	plane := width * height
	for y := 0; y < height; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < width; x++ {
			i := y*width + x
			dst[i] = float32(row[x*4]) / 255.0
			dst[plane+i] = float32(row[x*4+1]) / 255.0
			dst[2*plane+i] = float32(row[x*4+2]) / 255.0
		}
	}
	return nil
}

// compact drops proposals for padding slots and terminates the rows.
func compact(data []float32, used int) []float32 {
	out := make([]float32, 0, len(data)+inference.ProposalSize)
	for i := 0; i+inference.ProposalSize <= len(data); i += inference.ProposalSize {
		id := data[i]
		if id < 0 {
			break
		}
		if int(id) >= used {
			continue
		}
		out = append(out, data[i:i+inference.ProposalSize]...)
	}
	return append(out, -1, 0, 0, 0, 0, 0, 0)
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
	err := s.sess.Destroy()
	s.input.Destroy()
	s.output.Destroy()
	return err
}
