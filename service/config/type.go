package config

import "time"

type IService interface {
	GetModeMaxShutdownTime() int
	GetSettingsFolder() string
	GetPipelinesFile() string
	GetLogsFolder() string
	GetSnapshotsFolder() string
	GetRecordingsFolder() string
	GetClipDuration() time.Duration
	GetStatsPeriodicTimeout() int

	GetCyclePollInterval() time.Duration
	GetCycleTimeout() time.Duration
	GetDrainTimeout() time.Duration
	GetShutdownPolicy() string

	GetMetricsAddress() string
	GetRestAddress() string
	GetVisualizerAddress() string
	GetNatsURL() string
	GetTopicPrefix() string
	GetWebhookURL() string

	GetOnnxLibraryPath() string
	GetDatabaseKind() string
	GetDatabasePath() string
}
