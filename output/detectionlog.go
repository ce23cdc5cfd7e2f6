package output

import (
	"encoding/json"
	"io"
	"path/filepath"
	"sync"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/natefinch/lumberjack"
)

// DetectionLog appends one JSON line per detection to a rotating file.
type DetectionLog struct {
	name string

	mu  sync.Mutex
	out io.WriteCloser
	enc *json.Encoder
}

func NewDetectionLog(spec config.PipelineSpec, name string, svcs pipeline.ServicesFactory) (pipeline.Output, error) {
	folder := "./logs"
	if svcs.CfgSvc != nil {
		folder = svcs.CfgSvc.GetLogsFolder()
	}

	return NewDetectionLogWriter(name, &lumberjack.Logger{
		Filename:   filepath.Join(folder, spec.Name+"-detections.log"),
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     7, // days
		Compress:   true,
	}), nil
}

// NewDetectionLogWriter writes lines to out, which the sink closes.
func NewDetectionLogWriter(name string, out io.WriteCloser) *DetectionLog {
	return &DetectionLog{name: name, out: out, enc: json.NewEncoder(out)}
}

func (s *DetectionLog) Name() string {
	return s.name
}

func (s *DetectionLog) AcceptResults(batch model.ResultBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range Records(batch) {
		if err := s.enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *DetectionLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}
