package inference

import (
	"fmt"
	"os"
	"strings"
)

// ProposalSize is the row width of a detection output tensor:
// image_id, label_id, confidence, x1, y1, x2, y2.
const ProposalSize = 7

// ObjectDetectionModel describes how to read a detection network's output.
type ObjectDetectionModel struct {
	Path             string
	Labels           []string
	InputWidth       int
	InputHeight      int
	MaxBatch         int
	MaxProposalCount int
	ObjectSize       int
}

// NewObjectDetectionModel checks a loaded network against the proposal
// tensor layout and the requested batch size.
func NewObjectDetectionModel(path string, info NetworkInfo, labels []string, batch int) (*ObjectDetectionModel, error) {
	shape := info.OutputShape
	if len(shape) < 2 {
		return nil, fmt.Errorf("model %s: output shape %v has fewer than 2 dimensions", path, shape)
	}

	objectSize := shape[len(shape)-1]
	if objectSize != ProposalSize {
		return nil, fmt.Errorf("model %s: output rows are %d wide, want %d", path, objectSize, ProposalSize)
	}

	maxProposals := shape[len(shape)-2]
	if maxProposals < 0 {
		maxProposals = 0
	}

	if batch <= 0 {
		return nil, fmt.Errorf("model %s: batch must be positive, got %d", path, batch)
	}
	if info.MaxBatch > 0 && batch > info.MaxBatch {
		return nil, fmt.Errorf("model %s: batch %d exceeds network limit %d", path, batch, info.MaxBatch)
	}

	return &ObjectDetectionModel{
		Path:             path,
		Labels:           labels,
		InputWidth:       info.InputWidth,
		InputHeight:      info.InputHeight,
		MaxBatch:         batch,
		MaxProposalCount: maxProposals,
		ObjectSize:       objectSize,
	}, nil
}

// Label resolves a label id through the label table.
func (m *ObjectDetectionModel) Label(id int) string {
	if id >= 0 && id < len(m.Labels) {
		return m.Labels[id]
	}
	return fmt.Sprintf("label #%d", id)
}

// LoadLabels reads one label per line. An empty path yields no labels.
func LoadLabels(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labels %s: %w", path, err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	labels := make([]string, len(lines))
	for i, line := range lines {
		labels[i] = strings.TrimSpace(line)
	}
	return labels, nil
}
