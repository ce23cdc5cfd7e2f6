package data

import (
	"fmt"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/service/config"
)

const (
	KindFiles  = "files"
	KindSqlite = "sqlite"
)

type IService interface {
	NewError(err interface{}) error
	NewPipelineStats(stats model.PipelineStats) error
	NewStageStats(stats model.StageStats) error
	NewSinkStats(stats model.SinkStats) error
	NewDetections(records []model.DetectionRecord) error
	RetrieveDetections(pipeline string, limit int) ([]model.DetectionRecord, error)
	Close() error
}

type errorRecord struct {
	Timestamp  int64                  `json:"timestamp"`
	Processor  string                 `json:"processor"`
	Pipeline   string                 `json:"pipeline"`
	Inner      string                 `json:"innerError"`
	Message    string                 `json:"message"`
	StackTrace string                 `json:"stackTrace"`
	Misc       map[string]interface{} `json:"misc"`
}

func toErrorRecord(err interface{}, now int64) errorRecord {
	rec := errorRecord{Timestamp: now, Processor: "N/A", StackTrace: "N/A"}

	switch e := err.(type) {
	case model.CustomError:
		rec.Processor = e.Processor
		rec.Pipeline = e.Pipeline
		rec.Message = e.Message
		rec.StackTrace = e.StackTrace
		rec.Misc = e.Misc
		if e.Inner != nil {
			rec.Inner = e.Inner.Error()
		}
	case error:
		rec.Inner = e.Error()
		rec.Message = e.Error()
	default:
		rec.Message = "unknown error"
	}
	return rec
}

// New opens the data service selected by the configured database kind.
func New(cfgsvc config.IService) (IService, error) {
	switch cfgsvc.GetDatabaseKind() {
	case KindFiles, "":
		return NewFilesDB(cfgsvc), nil
	case KindSqlite:
		return NewSqlite(cfgsvc.GetDatabasePath())
	}
	return nil, fmt.Errorf("unknown database kind %q", cfgsvc.GetDatabaseKind())
}
