package mode

import (
	"context"
	"errors"
	"log/slog"

	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/lgr"
)

// Validate checks every pipeline's wiring without loading any model.
func Validate(_ context.Context, _ pipeline.ServicesFactory, doc config.Document) error {
	if len(doc.Pipelines) == 0 {
		return errors.New("no pipelines declared")
	}

	var errs []error
	for _, spec := range doc.Pipelines {
		warnings, err := pipeline.Validate(spec)
		if err != nil {
			lgr.Logger.Error(
				"pipeline invalid",
				slog.String("pipeline", spec.Name),
				slog.Any("error", err),
			)
			errs = append(errs, err)
			continue
		}

		for _, w := range warnings {
			lgr.Logger.Warn(
				"pipeline wiring",
				slog.String("pipeline", spec.Name),
				slog.String("warning", w),
			)
		}
		lgr.Logger.Info(
			"pipeline valid",
			slog.String("pipeline", spec.Name),
			slog.Int("stages", len(spec.Infers)),
			slog.Int("warnings", len(warnings)),
		)
	}
	return errors.Join(errs...)
}
