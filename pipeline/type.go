package pipeline

import (
	"context"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/data"
	"github.com/khaledhikmat/perception-go/service/inference"
	"github.com/khaledhikmat/perception-go/service/metrics"
	"github.com/khaledhikmat/perception-go/service/webhook"
)

type ServicesFactory struct {
	CfgSvc     config.IService
	DataSvc    data.IService
	MetricsSvc metrics.IService
	WebhookSvc webhook.IService
	// Engines overrides registered engines by name.
	Engines map[string]inference.Engine
}

type StageState int

const (
	Idle StageState = iota
	Queuing
	Submitted
	Ready
)

func (s StageState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Queuing:
		return "queuing"
	case Submitted:
		return "submitted"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// Stage is one inference task inside a pipeline. The graph drives it through
// Enqueue, SubmitRequest and FetchResults only.
type Stage interface {
	Name() string
	Kind() string
	State() StageState
	Pending() int

	Enqueue(frame *model.Frame, region model.FrameRegion) error
	SubmitRequest() error
	FetchResults() (bool, error)

	ResultsLength() int
	LocationResult(idx int) (model.Result, error)
	Results() []model.Result
	ResultFrame(seq uint64) *model.Frame

	Close(ctx context.Context, policy string) error
	Stats() model.StageStats
}

// StageEnv carries what a stage factory needs besides its own options.
type StageEnv struct {
	Pipeline string
	Engine   inference.Engine
	Metrics  metrics.IService
}

type StageFactory func(spec config.InferSpec, env StageEnv) (Stage, error)

// Input yields frames. Read returns io.EOF once the source is exhausted.
type Input interface {
	Name() string
	Read(ctx context.Context) (*model.Frame, error)
	Close() error
}

type InputFactory func(spec config.PipelineSpec, name string, svcs ServicesFactory) (Input, error)

type Output interface {
	Name() string
	Close() error
}

// FrameOutput receives every frame read from a connected input.
type FrameOutput interface {
	Output
	AcceptFrame(frame *model.Frame) error
}

// ResultOutput receives the result batch of every fetch of a connected stage.
type ResultOutput interface {
	Output
	AcceptResults(batch model.ResultBatch) error
}

// CycleOutput is told when a cycle has delivered everything it will.
type CycleOutput interface {
	Output
	EndCycle(ctx context.Context) error
}

// OutputCaps records what an output kind accepts, so graphs can be validated
// without constructing outputs.
type OutputCaps struct {
	Frames  bool
	Results bool
}

type OutputFactory func(spec config.PipelineSpec, name string, svcs ServicesFactory) (Output, error)
