package inference

import "github.com/khaledhikmat/perception-go/model"

// ModelSpec names a model and the device to load it on.
type ModelSpec struct {
	Path        string
	Device      string
	InputWidth  int
	InputHeight int
	MaxBatch    int
}

// NetworkInfo describes a loaded network's tensors.
type NetworkInfo struct {
	InputWidth  int
	InputHeight int
	// OutputShape uses -1 for dimensions only known after execution.
	OutputShape []int
	// MaxBatch is the largest batch one request may carry. 0 means no limit.
	MaxBatch int
}

// Input is one region of a frame to run through the network.
type Input struct {
	Frame  *model.Frame
	Region model.FrameRegion
}

// Tensor is the raw output of one request.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Engine loads models onto devices. Each Session is a per-stage device
// handle.
type Engine interface {
	Name() string
	Load(spec ModelSpec) (Session, error)
}

// Session executes batched requests asynchronously. A session runs at most
// one request at a time.
type Session interface {
	Info() NetworkInfo
	Device() string
	Run(inputs []Input) (*Request, error)
	Close() error
}
