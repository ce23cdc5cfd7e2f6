package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/lgr"
	"github.com/khaledhikmat/perception-go/service/metrics"
)

type inputSlot struct {
	input     Input
	exhausted bool
}

// Graph is one built pipeline. Cycle, Run and Close must be called from a
// single goroutine; Stats may be called from any.
type Graph struct {
	spec    config.PipelineSpec
	plan    *plan
	svcs    ServicesFactory
	metrics metrics.IService

	pollInterval time.Duration
	cycleTimeout time.Duration

	inputs    []*inputSlot
	stages    map[string]Stage
	outputs   []Output
	buses     map[string]*ResultBus
	frameSubs map[string][]FrameOutput
	consumers map[string][]Stage
	enders    []CycleOutput

	mu          sync.Mutex
	started     time.Time
	cycles      int64
	frames      int64
	inputErrors int64
	sinkErrors  int64
	timedOut    int64
	cycleTotal  time.Duration
	closed      bool
}

// Build validates spec and acquires every input, stage session and output.
// On failure everything acquired so far is released.
func Build(ctx context.Context, spec config.PipelineSpec, svcs ServicesFactory) (*Graph, error) {
	p, err := validate(spec)
	if err != nil {
		return nil, err
	}
	for _, w := range p.warnings {
		lgr.Logger.Warn("pipeline wiring", slog.String("pipeline", spec.Name), slog.String("warning", w))
	}

	m := svcs.MetricsSvc
	if m == nil {
		m = metrics.NewNoop()
	}

	g := &Graph{
		spec:         spec,
		plan:         p,
		svcs:         svcs,
		metrics:      m,
		pollInterval: 2 * time.Millisecond,
		stages:       map[string]Stage{},
		buses:        map[string]*ResultBus{},
		frameSubs:    map[string][]FrameOutput{},
		consumers:    map[string][]Stage{},
		started:      time.Now(),
	}
	if svcs.CfgSvc != nil {
		g.pollInterval = svcs.CfgSvc.GetCyclePollInterval()
		g.cycleTimeout = svcs.CfgSvc.GetCycleTimeout()
	}

	if err := g.acquire(ctx); err != nil {
		g.release(ctx)
		return nil, err
	}
	return g, nil
}

func (g *Graph) acquire(ctx context.Context) error {
	name := g.spec.Name

	for _, kind := range g.spec.Inputs {
		factory, _ := lookupInput(kind)
		in, err := factory(g.spec, kind, g.svcs)
		if err != nil {
			return model.ConfigError(name, "input %q: %v", kind, err)
		}
		g.inputs = append(g.inputs, &inputSlot{input: in})
	}

	for _, infer := range g.spec.Infers {
		if err := ctx.Err(); err != nil {
			return err
		}

		engine, ok := g.svcs.engine(infer.Backend)
		if !ok {
			return model.ConfigError(name, "stage %q: unknown backend %q", infer.Name, infer.Backend)
		}
		factory, _ := lookupStage(infer.Kind())
		stage, err := factory(infer, StageEnv{Pipeline: name, Engine: engine, Metrics: g.metrics})
		if err != nil {
			var pe *model.PipelineError
			if !errors.As(err, &pe) {
				err = model.ModelLoadError(infer.Name, err)
			}
			return model.WithPipeline(err, name)
		}
		g.stages[infer.Name] = stage
		g.buses[infer.Name] = NewResultBus(name, infer.Name, g.metrics)
	}

	byName := map[string]Output{}
	for _, kind := range g.spec.Outputs {
		entry, _ := lookupOutput(kind)
		out, err := entry.factory(g.spec, kind, g.svcs)
		if err != nil {
			return model.ConfigError(name, "output %q: %v", kind, err)
		}
		g.outputs = append(g.outputs, out)
		byName[kind] = out
		if ender, ok := out.(CycleOutput); ok {
			g.enders = append(g.enders, ender)
		}
	}

	for _, e := range g.plan.edges {
		left, right := g.plan.nodes[e.left], g.plan.nodes[e.right]
		switch {
		case right == stageNode:
			g.consumers[e.left] = append(g.consumers[e.left], g.stages[e.right])
		case left == inputNode:
			fo, ok := byName[e.right].(FrameOutput)
			if !ok {
				return model.ConfigError(name, "edge %q: output %q does not accept frames", e.left+" -> "+e.right, e.right)
			}
			g.frameSubs[e.left] = append(g.frameSubs[e.left], fo)
		default:
			ro, ok := byName[e.right].(ResultOutput)
			if !ok {
				return model.ConfigError(name, "edge %q: output %q does not accept results", e.left+" -> "+e.right, e.right)
			}
			if err := g.buses[e.left].Subscribe(ro); err != nil {
				return model.ConfigError(name, "edge %q: %v", e.left+" -> "+e.right, err)
			}
		}
	}
	return nil
}

func (g *Graph) Name() string {
	return g.spec.Name
}

// Stage returns a built stage by name.
func (g *Graph) Stage(name string) (Stage, bool) {
	s, ok := g.stages[name]
	return s, ok
}

// Order is the stage processing order.
func (g *Graph) Order() []string {
	return slices.Clone(g.plan.order)
}

// Cycle pulls one frame from every live input and carries it through the
// graph. It returns model.ErrInputsExhausted once every input is spent.
func (g *Graph) Cycle(ctx context.Context) error {
	start := time.Now()

	frames, err := g.readInputs(ctx)
	if err != nil {
		return err
	}
	defer func() {
		for _, f := range frames {
			f.Release()
		}
	}()

	for i, slot := range g.inputs {
		frame := frames[i]
		if frame == nil {
			continue
		}
		name := g.spec.Inputs[i]
		for _, out := range g.frameSubs[name] {
			if err := out.AcceptFrame(frame); err != nil {
				g.countSinkError()
				lgr.Logger.WarnContext(ctx, "frame delivery failed",
					slog.String("pipeline", g.spec.Name),
					slog.String("input", slot.input.Name()),
					slog.String("sink", out.Name()),
					slog.Any("error", err),
				)
			}
		}
		for _, stage := range g.consumers[name] {
			g.enqueue(ctx, stage, frame, frame.FullRegion())
		}
	}

	g.settle(ctx, start)

	for _, out := range g.enders {
		if err := out.EndCycle(ctx); err != nil {
			g.countSinkError()
			lgr.Logger.WarnContext(ctx, "end of cycle failed",
				slog.String("pipeline", g.spec.Name),
				slog.String("sink", out.Name()),
				slog.Any("error", err),
			)
		}
	}

	elapsed := time.Since(start)
	g.mu.Lock()
	g.cycles++
	g.cycleTotal += elapsed
	g.mu.Unlock()
	g.metrics.CycleCompleted(g.spec.Name, elapsed)
	return nil
}

// readInputs returns one frame per input slot, nil for spent inputs.
func (g *Graph) readInputs(ctx context.Context) ([]*model.Frame, error) {
	frames := make([]*model.Frame, len(g.inputs))
	live := 0
	for i, slot := range g.inputs {
		if slot.exhausted {
			continue
		}
		frame, err := slot.input.Read(ctx)
		if errors.Is(err, io.EOF) {
			slot.exhausted = true
			lgr.Logger.InfoContext(ctx, "input exhausted",
				slog.String("pipeline", g.spec.Name),
				slog.String("input", slot.input.Name()),
			)
			continue
		}
		live++
		if err != nil {
			if ctx.Err() != nil {
				releaseFrames(frames)
				return nil, ctx.Err()
			}
			g.mu.Lock()
			g.inputErrors++
			g.mu.Unlock()
			lgr.Logger.WarnContext(ctx, "input read failed",
				slog.String("pipeline", g.spec.Name),
				slog.String("input", slot.input.Name()),
				slog.Any("error", err),
			)
			continue
		}
		frames[i] = frame
		g.metrics.FramesCaptured(g.spec.Name, slot.input.Name(), 1)
	}

	if live == 0 {
		return nil, model.ErrInputsExhausted
	}

	g.mu.Lock()
	for _, f := range frames {
		if f != nil {
			g.frames++
		}
	}
	g.mu.Unlock()
	return frames, nil
}

// settle submits and polls stages in topological order until none is
// queuing or running, the cycle timeout passes, or ctx ends. A stage is held
// back while one of its upstream stages is still running so that it can
// batch every region produced this cycle.
func (g *Graph) settle(ctx context.Context, start time.Time) {
	var deadline time.Time
	if g.cycleTimeout > 0 {
		deadline = start.Add(g.cycleTimeout)
	}

	for {
		busy := false
		for _, name := range g.plan.order {
			stage := g.stages[name]

			if stage.State() == Queuing && !g.upstreamRunning(name) {
				if err := stage.SubmitRequest(); err != nil {
					g.stageFailed(ctx, stage, "submit", err)
					continue
				}
			}
			if stage.State() != Submitted {
				if stage.State() == Queuing {
					busy = true
				}
				continue
			}

			fetched, err := stage.FetchResults()
			switch {
			case err != nil:
				g.stageFailed(ctx, stage, "fetch", err)
			case fetched:
				g.publish(ctx, stage)
			default:
				busy = true
			}
		}

		if !busy {
			return
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			g.mu.Lock()
			g.timedOut++
			g.mu.Unlock()
			lgr.Logger.DebugContext(ctx, "cycle timed out with stages pending", slog.String("pipeline", g.spec.Name))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(g.pollInterval):
		}
	}
}

func (g *Graph) upstreamRunning(name string) bool {
	for _, up := range g.plan.upstream[name] {
		if s := g.stages[up].State(); s == Submitted || s == Queuing {
			return true
		}
	}
	return false
}

// publish hands a fetched batch to the stage's sinks in edge order, then
// feeds every result region to downstream stages.
func (g *Graph) publish(ctx context.Context, stage Stage) {
	results := stage.Results()
	frames := map[uint64]*model.Frame{}
	for _, r := range results {
		seq := r.Location().FrameSeq
		if f := stage.ResultFrame(seq); f != nil {
			frames[seq] = f
		}
	}

	batch := model.ResultBatch{
		Pipeline:  g.spec.Name,
		Producer:  stage.Name(),
		Results:   results,
		Frames:    frames,
		Timestamp: time.Now(),
	}
	if failed := g.buses[stage.Name()].Publish(batch); failed > 0 {
		g.mu.Lock()
		g.sinkErrors += int64(failed)
		g.mu.Unlock()
	}

	for _, next := range g.consumers[stage.Name()] {
		for _, r := range results {
			frame := frames[r.Location().FrameSeq]
			if frame == nil {
				continue
			}
			region := r.Location().Intersect(frame.Bounds())
			if region.Empty() {
				continue
			}
			g.enqueue(ctx, next, frame, region)
		}
	}
}

func (g *Graph) enqueue(ctx context.Context, stage Stage, frame *model.Frame, region model.FrameRegion) {
	err := stage.Enqueue(frame, region)
	if err == nil {
		return
	}
	if errors.Is(err, model.ErrCapacity) || errors.Is(err, model.ErrRequestPending) {
		lgr.Logger.DebugContext(ctx, "region dropped",
			slog.String("pipeline", g.spec.Name),
			slog.String("stage", stage.Name()),
			slog.Uint64("frame", frame.Seq),
		)
		return
	}
	g.stageFailed(ctx, stage, "enqueue", err)
}

func (g *Graph) stageFailed(ctx context.Context, stage Stage, op string, err error) {
	lgr.Logger.WarnContext(ctx, "stage "+op+" failed",
		slog.String("pipeline", g.spec.Name),
		slog.String("stage", stage.Name()),
		slog.String("kind", model.ErrorKind(err)),
		slog.Any("error", err),
	)
}

func (g *Graph) countSinkError() {
	g.mu.Lock()
	g.sinkErrors++
	g.mu.Unlock()
}

// Run cycles until ctx ends or the inputs are exhausted.
func (g *Graph) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		err := g.Cycle(lgr.WithSpan(ctx))
		if errors.Is(err, model.ErrInputsExhausted) {
			lgr.Logger.InfoContext(ctx, "pipeline inputs exhausted", slog.String("pipeline", g.spec.Name))
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pipeline %q: cycle: %w", g.spec.Name, err)
		}
	}
}

// Close settles outstanding requests with the configured shutdown policy,
// then releases stages, inputs and outputs.
func (g *Graph) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	return g.release(ctx)
}

func (g *Graph) release(ctx context.Context) error {
	policy := config.ShutdownDrain
	drain := 5 * time.Second
	if g.svcs.CfgSvc != nil {
		policy = g.svcs.CfgSvc.GetShutdownPolicy()
		drain = g.svcs.CfgSvc.GetDrainTimeout()
	}

	var errs []error
	for i := len(g.spec.Infers) - 1; i >= 0; i-- {
		stage, ok := g.stages[g.spec.Infers[i].Name]
		if !ok {
			continue
		}
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drain)
		if err := stage.Close(drainCtx, policy); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	for _, bus := range g.buses {
		bus.Close()
	}
	for _, slot := range g.inputs {
		if err := slot.input.Close(); err != nil {
			errs = append(errs, fmt.Errorf("input %q: %w", slot.input.Name(), err))
		}
	}
	for _, out := range g.outputs {
		if err := out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("output %q: %w", out.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// GraphStats is a snapshot of a pipeline's counters.
type GraphStats struct {
	Pipeline model.PipelineStats
	Stages   []model.StageStats
	Sinks    []model.SinkStats
}

func (g *Graph) Stats() GraphStats {
	g.mu.Lock()
	uptime := time.Since(g.started)
	ps := model.PipelineStats{
		Pipeline:    g.spec.Name,
		Cycles:      g.cycles,
		Frames:      g.frames,
		InputErrors: g.inputErrors,
		SinkErrors:  g.sinkErrors,
		TimedOut:    g.timedOut,
		Uptime:      int64(uptime.Seconds()),
		Timestamp:   time.Now().Unix(),
	}
	if uptime > 0 {
		ps.FPS = float64(g.frames) / uptime.Seconds()
	}
	if g.cycles > 0 {
		ps.AvgCycleMs = float64(g.cycleTotal) / float64(time.Millisecond) / float64(g.cycles)
	}
	g.mu.Unlock()

	stats := GraphStats{Pipeline: ps}
	for _, name := range g.plan.order {
		stats.Stages = append(stats.Stages, g.stages[name].Stats())
		stats.Sinks = append(stats.Sinks, g.buses[name].Stats()...)
	}
	return stats
}

func releaseFrames(frames []*model.Frame) {
	for _, f := range frames {
		if f != nil {
			f.Release()
		}
	}
}
