package mode

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/lgr"
)

const streamBuffer = 64

// Run starts one agent per pipeline and stores their stats and errors until
// every agent exits or canxCtx ends. A pipeline that fails to build is
// reported and the others keep running.
func Run(canxCtx context.Context, svcs pipeline.ServicesFactory, doc config.Document) error {
	if len(doc.Pipelines) == 0 {
		return errors.New("no pipelines declared")
	}

	// The streams are never closed: agents may still be reporting while the
	// runner gives up on them.
	errorStream := make(chan interface{}, streamBuffer)
	statsStream := make(chan interface{}, streamBuffer)

	var wg sync.WaitGroup
	for _, spec := range doc.Pipelines {
		wg.Add(1)
		go func(spec config.PipelineSpec) {
			defer wg.Done()
			err := pipeline.Agent(canxCtx, svcs, errorStream, statsStream, spec)
			if err != nil {
				report(errorStream, model.GenError("pipelines_runner",
					err,
					map[string]interface{}{"pipeline": spec.Name, "kind": model.ErrorKind(err)},
					"error starting pipeline: %s",
					spec.Name))
			}
		}(spec)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	lgr.Logger.Info(
		"pipelines runner started",
		slog.Int("pipelines", len(doc.Pipelines)),
	)

	// Wait for cancellation, agents exit, stats or errors
	exited := false
	for !exited && canxCtx.Err() == nil {
		select {
		case <-canxCtx.Done():
			lgr.Logger.Info(
				"pipelines runner context cancelled",
			)

		case <-done:
			lgr.Logger.Info(
				"all pipelines exited",
			)
			exited = true

		case s := <-statsStream:
			procStats(svcs.DataSvc, s)

		case e := <-errorStream:
			procError(svcs.DataSvc, e)
		}
	}

	if !exited {
		lgr.Logger.Info(
			"pipelines runner is waiting for all agents to exit",
		)

		period := time.Duration(5) * time.Second
		if svcs.CfgSvc != nil {
			period = time.Duration(svcs.CfgSvc.GetModeMaxShutdownTime()) * time.Second
		}
		timer := time.NewTimer(period)
		defer timer.Stop()

	wait:
		for {
			select {
			case <-timer.C:
				lgr.Logger.Info(
					"pipelines runner shutdown waiting period expired. Exiting now",
					slog.Duration("period", period),
				)
				break wait

			case <-done:
				break wait

			case s := <-statsStream:
				procStats(svcs.DataSvc, s)

			case e := <-errorStream:
				procError(svcs.DataSvc, e)
			}
		}
	}

	drain(svcs, statsStream, errorStream)
	return nil
}

// drain stores whatever the agents reported before exiting.
func drain(svcs pipeline.ServicesFactory, statsStream, errorStream chan interface{}) {
	for {
		select {
		case s := <-statsStream:
			procStats(svcs.DataSvc, s)
		case e := <-errorStream:
			procError(svcs.DataSvc, e)
		default:
			return
		}
	}
}

func report(stream chan interface{}, err interface{}) {
	select {
	case stream <- err:
	case <-time.After(time.Second):
		lgr.Logger.Error("error stream full, dropping", slog.Any("error", err))
	}
}
