package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/service/config"
)

type filesDBService struct {
	mu     sync.Mutex
	CfgSvc config.IService
}

// NewFilesDB keeps every entity kind as a JSON array under the settings folder.
func NewFilesDB(cfgsvc config.IService) IService {
	return &filesDBService{
		CfgSvc: cfgsvc,
	}
}

func (svc *filesDBService) NewError(err interface{}) error {
	return newEntity(svc, toErrorRecord(err, time.Now().Unix()), "errors")
}

func (svc *filesDBService) NewPipelineStats(stats model.PipelineStats) error {
	stats.Timestamp = time.Now().Unix()
	return newEntity(svc, stats, "pipeline-stats")
}

func (svc *filesDBService) NewStageStats(stats model.StageStats) error {
	stats.Timestamp = time.Now().Unix()
	return newEntity(svc, stats, "stage-stats")
}

func (svc *filesDBService) NewSinkStats(stats model.SinkStats) error {
	stats.Timestamp = time.Now().Unix()
	return newEntity(svc, stats, "sink-stats")
}

func (svc *filesDBService) NewDetections(records []model.DetectionRecord) error {
	if len(records) == 0 {
		return nil
	}
	return newEntity(svc, records, "detections")
}

func (svc *filesDBService) RetrieveDetections(pipeline string, limit int) ([]model.DetectionRecord, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	records, err := retrieveEntities[model.DetectionRecord](svc.path("detections"))
	if err != nil {
		return nil, err
	}

	result := []model.DetectionRecord{}
	for i := len(records) - 1; i >= 0; i-- {
		if pipeline != "" && records[i].Pipeline != pipeline {
			continue
		}
		result = append(result, records[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (svc *filesDBService) Close() error {
	return nil
}

func (svc *filesDBService) path(filename string) string {
	return filepath.Join(svc.CfgSvc.GetSettingsFolder(), filename+".json")
}

// newEntity appends to the entity file. A slice argument appends each element.
func newEntity[T any](svc *filesDBService, entity T, filename string) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	output := svc.path(filename)
	raw, err := retrieveEntities[json.RawMessage](output)
	if err != nil {
		return err
	}

	if err := appendRaw(&raw, entity); err != nil {
		return err
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return err
	}
	return os.WriteFile(output, data, 0644)
}

func appendRaw(raw *[]json.RawMessage, entity interface{}) error {
	if records, ok := entity.([]model.DetectionRecord); ok {
		for _, rec := range records {
			if err := appendRaw(raw, rec); err != nil {
				return err
			}
		}
		return nil
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	*raw = append(*raw, data)
	return nil
}

func retrieveEntities[T any](path string) ([]T, error) {
	entities := []T{}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return entities, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return entities, nil
}
