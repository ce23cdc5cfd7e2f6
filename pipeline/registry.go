package pipeline

import (
	"log/slog"
	"sync"

	"github.com/khaledhikmat/perception-go/service/inference"
	"github.com/khaledhikmat/perception-go/service/lgr"
)

type outputEntry struct {
	caps    OutputCaps
	factory OutputFactory
}

var (
	registryMu  sync.RWMutex
	stageKinds  = map[string]StageFactory{}
	inputKinds  = map[string]InputFactory{}
	outputKinds = map[string]outputEntry{}
	engines     = map[string]inference.Engine{}
)

func RegisterStage(kind string, factory StageFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := stageKinds[kind]; ok {
		lgr.Logger.Warn("stage already registered", slog.String("kind", kind))
		return
	}
	stageKinds[kind] = factory
}

func RegisterInput(kind string, factory InputFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := inputKinds[kind]; ok {
		lgr.Logger.Warn("input already registered", slog.String("kind", kind))
		return
	}
	inputKinds[kind] = factory
}

func RegisterOutput(kind string, caps OutputCaps, factory OutputFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := outputKinds[kind]; ok {
		lgr.Logger.Warn("output already registered", slog.String("kind", kind))
		return
	}
	outputKinds[kind] = outputEntry{caps: caps, factory: factory}
}

func RegisterEngine(engine inference.Engine) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := engines[engine.Name()]; ok {
		lgr.Logger.Warn("engine already registered", slog.String("name", engine.Name()))
		return
	}
	engines[engine.Name()] = engine
}

func lookupStage(kind string) (StageFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := stageKinds[kind]
	return f, ok
}

func lookupInput(kind string) (InputFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := inputKinds[kind]
	return f, ok
}

func lookupOutput(kind string) (outputEntry, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	e, ok := outputKinds[kind]
	return e, ok
}

func (svcs ServicesFactory) engine(name string) (inference.Engine, bool) {
	if e, ok := svcs.Engines[name]; ok {
		return e, true
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	e, ok := engines[name]
	return e, ok
}
