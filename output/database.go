package output

import (
	"errors"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/data"
)

// Database persists every forwarded detection through the data service.
type Database struct {
	name    string
	dataSvc data.IService
}

func NewDatabase(_ config.PipelineSpec, name string, svcs pipeline.ServicesFactory) (pipeline.Output, error) {
	if svcs.DataSvc == nil {
		return nil, errors.New("no data service")
	}
	return &Database{name: name, dataSvc: svcs.DataSvc}, nil
}

func (s *Database) Name() string {
	return s.name
}

func (s *Database) AcceptResults(batch model.ResultBatch) error {
	records := Records(batch)
	if len(records) == 0 {
		return nil
	}
	return s.dataSvc.NewDetections(records)
}

// Close leaves the data service open; it is shared by every pipeline.
func (s *Database) Close() error {
	return nil
}
