package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/perception-go/capture"
	"github.com/khaledhikmat/perception-go/mode"
	"github.com/khaledhikmat/perception-go/output"
	outputcv "github.com/khaledhikmat/perception-go/output/opencv"
	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/data"
	"github.com/khaledhikmat/perception-go/service/inference"
	"github.com/khaledhikmat/perception-go/service/inference/onnx"
	"github.com/khaledhikmat/perception-go/service/inference/opencv"
	"github.com/khaledhikmat/perception-go/service/lgr"
	"github.com/khaledhikmat/perception-go/service/metrics"
	"github.com/khaledhikmat/perception-go/service/webhook"
)

const (
	// WARNING: this has to be bigger that the mode processor shutdown time
	waitOnShutdown = 8 * time.Second
)

var modeProcessors = map[string]mode.Processor{
	"run":      mode.Run,
	"validate": mode.Validate,
}

func main() {
	rootCtx := context.Background()
	canxCtx, canxFn := context.WithCancel(rootCtx)

	// Hook up a signal handler to cancel the context
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		lgr.Logger.Info(
			"received kill signal",
			slog.Any("signal", sig),
		)
		canxFn()
	}()

	// Load env vars if we are in DEV mode
	if os.Getenv("RUN_TIME_ENV") == "dev" || os.Getenv("RUN_TIME_ENV") == "" {
		lgr.Logger.Info("loading env vars from .env file")
		if err := godotenv.Load(); err != nil {
			lgr.Logger.Warn("no .env file loaded", slog.Any("error", xerrors.New(err.Error())))
		}
	}

	modeType := "run"
	args := os.Args[1:]
	if len(args) > 0 {
		modeType = args[0]
	}

	modeProc, ok := modeProcessors[modeType]
	if !ok {
		lgr.Logger.Error("invalid mode", slog.String("mode", modeType))
		panic("invalid mode")
	}

	// Config service
	cfgSvc := config.NewEnv()

	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logFile := lgr.Configure(cfgSvc.GetLogsFolder(), level)
	defer logFile.Close()

	doc, err := config.LoadPipelines(cfgSvc.GetPipelinesFile())
	if err != nil {
		lgr.Logger.Error("error loading pipelines", slog.Any("error", xerrors.New(err.Error())))
		panic("error loading pipelines")
	}

	// Register engines, inputs and outputs. Stage kinds and the RandomFrame
	// input register themselves.
	pipeline.RegisterEngine(opencv.New())
	pipeline.RegisterEngine(onnx.New(cfgSvc.GetOnnxLibraryPath()))
	pipeline.RegisterEngine(inference.NewFake(inference.NetworkInfo{OutputShape: []int{1, 1, 200, inference.ProposalSize}}))
	defer onnx.Shutdown()
	capture.Register()
	output.Register()
	outputcv.Register()

	// Data service
	dataSvc, err := data.New(cfgSvc)
	if err != nil {
		lgr.Logger.Error("error opening data service", slog.Any("error", xerrors.New(err.Error())))
		panic("error opening data service")
	}
	defer dataSvc.Close()

	// Metrics service
	metricsSvc := metrics.NewPrometheus()

	svcs := pipeline.ServicesFactory{
		CfgSvc:     cfgSvc,
		DataSvc:    dataSvc,
		MetricsSvc: metricsSvc,
		WebhookSvc: webhook.NewHTTP(cfgSvc),
	}

	var metricsServer *http.Server
	if modeType == "run" && cfgSvc.GetMetricsAddress() != "" {
		metricsServer = startMetrics(cfgSvc.GetMetricsAddress(), metricsSvc)
	}

	// Create mode processor result
	modeProcResult := make(chan error, 1)

	// Start the mode processor
	go func() {
		modeProcResult <- modeProc(canxCtx, svcs, doc)
	}()

	// Wait for cancellation or mode proc
	select {
	case <-canxCtx.Done():
		lgr.Logger.Info(
			"perception context cancelled",
		)

	case err := <-modeProcResult:
		if err != nil {
			lgr.Logger.Info(
				"perception mode processor exited",
				slog.Any("error", xerrors.New(err.Error())),
			)
		}
		modeProcResult = nil
	}

	// Cancel the context if not already cancelled
	if canxCtx.Err() == nil {
		canxFn()
	}

	if modeProcResult != nil {
		lgr.Logger.Info(
			"perception is waiting for all go routines to exit",
		)

		timer := time.NewTimer(waitOnShutdown)
		defer timer.Stop()

		select {
		case <-timer.C:
			lgr.Logger.Info(
				"perception shutdown waiting period expired. Exiting now",
				slog.Duration("period", waitOnShutdown),
			)

		case err := <-modeProcResult:
			if err != nil {
				lgr.Logger.Info(
					"perception mode processor exited",
					slog.Any("error", xerrors.New(err.Error())),
				)
			}
		}
	}

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(ctx)
	}
}

func startMetrics(addr string, metricsSvc metrics.IService) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", metricsSvc.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lgr.Logger.Error("metrics server stopped", slog.String("address", addr), slog.Any("error", err))
		}
	}()
	lgr.Logger.Info("metrics server listening", slog.String("address", addr))
	return srv
}
