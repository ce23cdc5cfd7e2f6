package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	ShutdownDrain = "drain"
	ShutdownAbort = "abort"
)

type envService struct {
	lookup func(string) (string, bool)
}

// NewEnv reads settings from the process environment. Unset or malformed
// values fall back to the defaults below.
func NewEnv() IService {
	return &envService{
		lookup: os.LookupEnv,
	}
}

// NewFromMap is NewEnv over a fixed set of values.
func NewFromMap(values map[string]string) IService {
	return &envService{
		lookup: func(key string) (string, bool) {
			v, ok := values[key]
			return v, ok
		},
	}
}

func (svc *envService) GetModeMaxShutdownTime() int {
	return svc.getInt("MODE_MAX_SHUTDOWN_TIME", 5)
}

func (svc *envService) GetSettingsFolder() string {
	return svc.getString("SETTINGS_FOLDER", "./settings")
}

func (svc *envService) GetPipelinesFile() string {
	return svc.getString("PIPELINES_FILE", filepath.Join(svc.GetSettingsFolder(), "pipelines.yaml"))
}

func (svc *envService) GetLogsFolder() string {
	return svc.getString("LOGS_FOLDER", "./logs")
}

func (svc *envService) GetSnapshotsFolder() string {
	return svc.getString("SNAPSHOTS_FOLDER", "./snapshots")
}

func (svc *envService) GetRecordingsFolder() string {
	return svc.getString("RECORDINGS_FOLDER", "./recordings")
}

func (svc *envService) GetClipDuration() time.Duration {
	return svc.getDuration("CLIP_DURATION", time.Minute)
}

func (svc *envService) GetStatsPeriodicTimeout() int {
	return svc.getInt("STATS_PERIODIC_TIMEOUT", 30)
}

func (svc *envService) GetCyclePollInterval() time.Duration {
	return svc.getDuration("CYCLE_POLL_INTERVAL", 2*time.Millisecond)
}

// GetCycleTimeout bounds how long a cycle polls outstanding requests. Zero
// waits for every request.
func (svc *envService) GetCycleTimeout() time.Duration {
	return svc.getDuration("CYCLE_TIMEOUT", 0)
}

func (svc *envService) GetDrainTimeout() time.Duration {
	return svc.getDuration("DRAIN_TIMEOUT", 5*time.Second)
}

func (svc *envService) GetShutdownPolicy() string {
	policy := svc.getString("SHUTDOWN_POLICY", ShutdownDrain)
	if policy != ShutdownAbort {
		return ShutdownDrain
	}
	return policy
}

func (svc *envService) GetMetricsAddress() string {
	return svc.getString("METRICS_ADDRESS", ":9090")
}

func (svc *envService) GetRestAddress() string {
	return svc.getString("REST_ADDRESS", ":8080")
}

func (svc *envService) GetVisualizerAddress() string {
	return svc.getString("VISUALIZER_ADDRESS", ":8081")
}

func (svc *envService) GetNatsURL() string {
	return svc.getString("NATS_URL", "nats://127.0.0.1:4222")
}

func (svc *envService) GetTopicPrefix() string {
	return svc.getString("TOPIC_PREFIX", "perception")
}

func (svc *envService) GetWebhookURL() string {
	return svc.getString("WEBHOOK_URL", "")
}

func (svc *envService) GetOnnxLibraryPath() string {
	return svc.getString("ONNX_LIBRARY_PATH", "")
}

func (svc *envService) GetDatabaseKind() string {
	return svc.getString("DATABASE_KIND", "files")
}

func (svc *envService) GetDatabasePath() string {
	return svc.getString("DATABASE_PATH", filepath.Join(svc.GetSettingsFolder(), "perception.db"))
}

func (svc *envService) getString(key, defaultValue string) string {
	if value, ok := svc.lookup(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func (svc *envService) getInt(key string, defaultValue int) int {
	if value, ok := svc.lookup(key); ok && value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func (svc *envService) getDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := svc.lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil && d >= 0 {
			return d
		}
	}
	return defaultValue
}
