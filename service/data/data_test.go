package data

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func detections(pipeline string, n int) []model.DetectionRecord {
	recs := make([]model.DetectionRecord, n)
	for i := range recs {
		recs[i] = model.DetectionRecord{
			Pipeline:   pipeline,
			Stage:      "detector",
			Source:     "Video",
			FrameSeq:   uint64(i + 1),
			Label:      "person",
			Confidence: 0.9,
			X:          10,
			Y:          20,
			Width:      30,
			Height:     40,
			Timestamp:  int64(1000 + i),
		}
	}
	return recs
}

func exercise(t *testing.T, svc IService) {
	t.Helper()

	require.NoError(t, svc.NewDetections(detections("lobby", 3)))
	require.NoError(t, svc.NewDetections(detections("garage", 2)))
	require.NoError(t, svc.NewDetections(nil))

	recs, err := svc.RetrieveDetections("lobby", 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(3), recs[0].FrameSeq, "newest first")

	recs, err = svc.RetrieveDetections("", 4)
	require.NoError(t, err)
	assert.Len(t, recs, 4)

	require.NoError(t, svc.NewStageStats(model.StageStats{Pipeline: "lobby", Stage: "detector", Fetched: 3}))
	require.NoError(t, svc.NewPipelineStats(model.PipelineStats{Pipeline: "lobby", Cycles: 10}))
	require.NoError(t, svc.NewSinkStats(model.SinkStats{Pipeline: "lobby", Producer: "detector", Sink: "RosTopic", Sent: 3}))

	custom := model.GenError("agent", errors.New("boom"), map[string]interface{}{"pipeline": "lobby"}, "cycle failed")
	require.NoError(t, svc.NewError(custom))
	require.NoError(t, svc.NewError(errors.New("plain")))
}

func TestFilesDB(t *testing.T) {
	dir := t.TempDir()
	svc := NewFilesDB(config.NewFromMap(map[string]string{"SETTINGS_FOLDER": dir}))
	defer svc.Close()

	exercise(t, svc)

	data, err := os.ReadFile(filepath.Join(dir, "errors.json"))
	require.NoError(t, err)

	var errs []errorRecord
	require.NoError(t, json.Unmarshal(data, &errs))
	require.Len(t, errs, 2)
	assert.Equal(t, "agent", errs[0].Processor)
	assert.Equal(t, "lobby", errs[0].Pipeline)
	assert.Equal(t, "boom", errs[0].Inner)
	assert.Equal(t, "N/A", errs[1].Processor)
	assert.Equal(t, "plain", errs[1].Message)

	data, err = os.ReadFile(filepath.Join(dir, "stage-stats.json"))
	require.NoError(t, err)
	var stats []model.StageStats
	require.NoError(t, json.Unmarshal(data, &stats))
	require.Len(t, stats, 1)
	assert.NotZero(t, stats[0].Timestamp)
}

func TestFilesDBCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "detections.json"), []byte("{not json"), 0644))

	svc := NewFilesDB(config.NewFromMap(map[string]string{"SETTINGS_FOLDER": dir}))
	_, err := svc.RetrieveDetections("", 0)
	assert.Error(t, err)
	assert.Error(t, svc.NewDetections(detections("lobby", 1)))
}

func TestSqlite(t *testing.T) {
	svc, err := NewSqlite(filepath.Join(t.TempDir(), "db", "perception.db"))
	require.NoError(t, err)
	defer svc.Close()

	exercise(t, svc)

	recs, err := svc.RetrieveDetections("garage", 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "garage", recs[0].Pipeline)
	assert.Equal(t, 30, recs[0].Width)
	assert.InDelta(t, 0.9, recs[0].Confidence, 1e-6)
}

func TestNewSelectsKind(t *testing.T) {
	dir := t.TempDir()

	svc, err := New(config.NewFromMap(map[string]string{"SETTINGS_FOLDER": dir}))
	require.NoError(t, err)
	assert.IsType(t, &filesDBService{}, svc)

	svc, err = New(config.NewFromMap(map[string]string{
		"DATABASE_KIND": KindSqlite,
		"DATABASE_PATH": filepath.Join(dir, "p.db"),
	}))
	require.NoError(t, err)
	assert.IsType(t, &sqliteService{}, svc)
	require.NoError(t, svc.Close())

	_, err = New(config.NewFromMap(map[string]string{"DATABASE_KIND": "mongo"}))
	assert.Error(t, err)
}
