package mode

import (
	"context"
	"log/slog"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/data"
	"github.com/khaledhikmat/perception-go/service/lgr"
)

type Processor func(canxCtx context.Context,
	svcs pipeline.ServicesFactory,
	doc config.Document) error

func procStats(datasvc data.IService, stats interface{}) {
	if datasvc == nil {
		return
	}

	var err error
	switch stats := stats.(type) {
	case model.PipelineStats:
		err = datasvc.NewPipelineStats(stats)
	case model.StageStats:
		err = datasvc.NewStageStats(stats)
	case model.SinkStats:
		err = datasvc.NewSinkStats(stats)
	default:
		lgr.Logger.Error(
			"unknown stats type",
			slog.Any("stats", stats),
		)
		return
	}

	if err != nil {
		lgr.Logger.Error(
			"failed to store stats",
			slog.Any("stats", stats),
			slog.Any("error", err),
		)
	}
}

func procError(datasvc data.IService, err interface{}) {
	lgr.Logger.Error(
		"pipeline error",
		slog.Any("error", err),
	)
	if datasvc == nil {
		return
	}

	errTemp := datasvc.NewError(err)
	if errTemp != nil {
		lgr.Logger.Error(
			"failed to store error",
			slog.Any("error", errTemp),
		)
	}
}
