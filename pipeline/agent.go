package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/lgr"
)

// emitTimeout bounds a send on a stats or error stream.
const emitTimeout = time.Second

// Agent builds one pipeline and drives it until canxCtx ends or its inputs
// are exhausted. Stats are sent on statsStream every stats period and once
// more on exit. Build failures are returned; failures while running are
// reported on errorStream.
func Agent(canxCtx context.Context,
	svcs ServicesFactory,
	errorStream chan interface{},
	statsStream chan interface{},
	spec config.PipelineSpec) error {
	agentID := uuid.NewString()
	runCtx := lgr.WithSpan(canxCtx)
	lgr.Logger.InfoContext(runCtx,
		"agent starting....",
		slog.String("agentID", agentID),
		slog.String("pipeline", spec.Name),
		slog.String("inputs", fmt.Sprintf("%v", spec.Inputs)),
		slog.Int("stages", len(spec.Infers)),
		slog.String("outputs", fmt.Sprintf("%v", spec.Outputs)),
	)

	graph, err := Build(canxCtx, spec, svcs)
	if err != nil {
		return err
	}

	period := 30 * time.Second
	if svcs.CfgSvc != nil && svcs.CfgSvc.GetStatsPeriodicTimeout() > 0 {
		period = time.Duration(svcs.CfgSvc.GetStatsPeriodicTimeout()) * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	done := make(chan error, 1)
	go func() {
		done <- graph.Run(runCtx)
	}()

	var runErr error
	for running := true; running; {
		select {
		case runErr = <-done:
			running = false

		case <-canxCtx.Done():
			lgr.Logger.InfoContext(runCtx,
				"agent context cancelled",
				slog.String("pipeline", spec.Name),
			)
			runErr = <-done
			running = false

		case <-ticker.C:
			emitStats(statsStream, agentID, graph.Stats())
		}
	}

	if runErr != nil {
		emit(errorStream, model.GenError("agent",
			runErr,
			map[string]interface{}{"pipeline": spec.Name, "agentID": agentID},
			"pipeline stopped"))
	}

	if err := graph.Close(canxCtx); err != nil {
		emit(errorStream, model.GenError("agent",
			err,
			map[string]interface{}{"pipeline": spec.Name, "agentID": agentID},
			"error releasing pipeline"))
	}

	emitStats(statsStream, agentID, graph.Stats())
	lgr.Logger.InfoContext(runCtx,
		"agent exited",
		slog.String("agentID", agentID),
		slog.String("pipeline", spec.Name),
	)
	return nil
}

func emitStats(statsStream chan interface{}, agentID string, stats GraphStats) {
	stats.Pipeline.ID = agentID
	emit(statsStream, stats.Pipeline)
	for _, s := range stats.Stages {
		emit(statsStream, s)
	}
	for _, s := range stats.Sinks {
		emit(statsStream, s)
	}
}

func emit(stream chan interface{}, v interface{}) {
	if stream == nil {
		return
	}
	select {
	case stream <- v:
	case <-time.After(emitTimeout):
		lgr.Logger.Warn("stream consumer not keeping up, dropping", slog.Any("item", v))
	}
}
