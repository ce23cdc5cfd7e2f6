package output

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
)

// Console prints one colored line per detection.
type Console struct {
	name string

	mu     sync.Mutex
	w      io.Writer
	header *color.Color
	label  *color.Color
	dim    *color.Color
}

func NewConsole(_ config.PipelineSpec, name string, _ pipeline.ServicesFactory) (pipeline.Output, error) {
	return NewConsoleWriter(name, color.Output), nil
}

// NewConsoleWriter prints to w.
func NewConsoleWriter(name string, w io.Writer) *Console {
	return &Console{
		name:   name,
		w:      w,
		header: color.New(color.FgCyan, color.Bold),
		label:  color.New(color.FgGreen),
		dim:    color.New(color.FgHiBlack),
	}
}

func (s *Console) Name() string {
	return s.name
}

func (s *Console) AcceptResults(batch model.ResultBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, det := range batch.Detections() {
		r := det.Region
		line := fmt.Sprintf("%s %s %s\n",
			s.header.Sprintf("[%s/%s]", batch.Pipeline, batch.Producer),
			s.label.Sprintf("%s %.2f", det.Label, det.Confidence),
			s.dim.Sprintf("(%d,%d %dx%d) frame %d", r.X, r.Y, r.W, r.H, r.FrameSeq),
		)
		if _, err := io.WriteString(s.w, line); err != nil {
			return err
		}
	}
	return nil
}

func (s *Console) Close() error {
	return nil
}
