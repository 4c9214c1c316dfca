// Package orchestrator coordinates one procedure run end to end: validation,
// param resolution, provider binding, script execution, output validation
// and the result envelope.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mpataki/tactus/internal/agent"
	"github.com/mpataki/tactus/internal/events"
	"github.com/mpataki/tactus/internal/hitl"
	"github.com/mpataki/tactus/internal/lua"
	"github.com/mpataki/tactus/internal/models"
	"github.com/mpataki/tactus/internal/output"
	"github.com/mpataki/tactus/internal/provider"
	"github.com/mpataki/tactus/internal/spec"
	"github.com/mpataki/tactus/internal/storage"
	"github.com/mpataki/tactus/internal/tools"
)

const instrumentation = "github.com/mpataki/tactus/internal/orchestrator"

// Checkpoint keys.
const (
	KeyState  = "state"
	KeyResult = "result"
)

// Run states reported in execution events.
const (
	StateLoaded    = "loaded"
	StateValidated = "validated"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

type RateLimit struct {
	RPS   float64
	Burst int
}

type Options struct {
	// ProcedureID keys checkpoints. A random id is used per run when empty.
	ProcedureID string
	Providers   *provider.Registry
	Invoker     tools.Invoker
	Storage     storage.Store
	HITL        hitl.Handler
	Sink        events.Sink
	Logger      zerolog.Logger
	Retry       provider.RetryPolicy
	RateLimit   RateLimit
	// RunTimeout bounds a whole run. Zero means no limit.
	RunTimeout time.Duration
	Checkpoint bool
}

// Runtime executes procedure documents. It is safe for concurrent runs.
type Runtime struct {
	opts      Options
	providers *provider.Registry
	invoker   *cachedInvoker
	log       zerolog.Logger

	tracer trace.Tracer
	runs   metric.Int64Counter
}

// New builds a runtime. External tools are enumerated once, here.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	rt := &Runtime{
		opts:      opts,
		providers: opts.Providers,
		log:       opts.Logger,
		tracer:    otel.Tracer(instrumentation),
	}
	if rt.providers == nil {
		rt.providers = provider.NewRegistry(provider.Credentials{})
	}
	if opts.Invoker != nil {
		specs, err := opts.Invoker.Tools(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tools: %w", err)
		}
		rt.invoker = &cachedInvoker{specs: specs, next: opts.Invoker}
	}

	runs, err := otel.Meter(instrumentation).Int64Counter("tactus.runs", metric.WithDescription("Finished procedure runs"))
	if err != nil {
		return nil, err
	}
	rt.runs = runs
	return rt, nil
}

// KnownTools lists external tool names, excluding done.
func (rt *Runtime) KnownTools() []string {
	if rt.invoker == nil {
		return nil
	}
	names := make([]string, 0, len(rt.invoker.specs))
	for _, s := range rt.invoker.specs {
		if s.Name != tools.Done {
			names = append(names, s.Name)
		}
	}
	return names
}

// Validate checks a document against the runtime's tools and providers.
func (rt *Runtime) Validate(doc string) (*models.ProcedureConfig, *spec.ValidationResult) {
	return spec.Check(doc, spec.Options{
		KnownTools:     rt.KnownTools(),
		KnownProviders: rt.providers.Names(),
	})
}

// Execute runs doc with the caller's context values. It never returns an
// error: every failure is reported on the result.
func (rt *Runtime) Execute(ctx context.Context, doc string, input map[string]any) *models.Result {
	return rt.execute(ctx, doc, input, rt.opts.Sink)
}

// Stream runs doc on its own goroutine. The event channel closes after the
// terminal execution event, then the result is delivered. Callers must
// drain events or cancel ctx.
func (rt *Runtime) Stream(ctx context.Context, doc string, input map[string]any) (<-chan models.Event, <-chan *models.Result) {
	sink := events.NewChannelSink(ctx, 64)
	results := make(chan *models.Result, 1)
	go func() {
		defer close(results)
		res := rt.execute(ctx, doc, input, events.Multi{rt.opts.Sink, sink})
		sink.Close()
		results <- res
	}()
	return sink.Events(), results
}

// run holds the per-run collaborators so failures can report partial
// progress.
type run struct {
	rt      *Runtime
	id      string
	procID  string
	started time.Time
	emitter *events.Emitter
	log     zerolog.Logger
	span    trace.Span

	cfg     *models.ProcedureConfig
	params  map[string]any
	state   *lua.State
	tools   *tools.Registry
	roster  *agent.Roster
	history storage.RunHistory
}

func (rt *Runtime) execute(ctx context.Context, doc string, input map[string]any, sink events.Sink) *models.Result {
	r := &run{
		rt:      rt,
		id:      uuid.NewString(),
		procID:  rt.opts.ProcedureID,
		started: time.Now(),
	}
	if r.procID == "" {
		r.procID = uuid.NewString()
	}
	r.emitter = events.NewEmitter(r.procID, sink)
	r.log = rt.log.With().Str("run_id", r.id).Str("procedure_id", r.procID).Logger()

	ctx, r.span = rt.tracer.Start(ctx, "procedure.run", trace.WithAttributes(
		attribute.String("tactus.run_id", r.id),
		attribute.String("tactus.procedure_id", r.procID),
	))
	defer r.span.End()

	r.transition(models.StageStart, StateLoaded, nil)

	cfg, vr := rt.Validate(doc)
	for _, w := range vr.Warnings {
		r.log.Warn().Str("field", w.Field).Int("line", w.Line).Msg(w.Message)
	}
	if !vr.Valid() {
		return r.finish(ctx, nil, vr.Err())
	}
	r.cfg = cfg
	r.span.SetAttributes(attribute.String("tactus.procedure", cfg.Name))
	r.transition(models.StageProgress, StateValidated, map[string]any{"name": cfg.Name})

	params, err := ResolveParams(cfg.Params, input)
	if err != nil {
		return r.finish(ctx, nil, err)
	}
	r.params = params

	if err := r.prepare(ctx); err != nil {
		return r.finish(ctx, nil, err)
	}

	runCtx := ctx
	if rt.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, rt.opts.RunTimeout)
		defer cancel()
	}

	r.transition(models.StageProgress, StateRunning, map[string]any{"agents": r.roster.Names()})

	interp := lua.NewRuntime(lua.Options{
		Agents:  r.roster,
		Tools:   r.tools,
		Params:  r.params,
		State:   r.state,
		Human:   rt.opts.HITL,
		Emitter: r.emitter,
		Logger:  r.log,
	})
	value, err := interp.Execute(runCtx, cfg.Procedure)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = fmt.Errorf("run cancelled: %w", ctx.Err())
		case runCtx.Err() != nil:
			err = errors.New("run timed out")
		}
		return r.finish(ctx, nil, err)
	}

	validated, err := output.Validate(cfg.Outputs, value)
	if err != nil {
		return r.finish(ctx, nil, err)
	}
	return r.finish(ctx, validated, nil)
}

// prepare binds providers, tools, state, sessions and run history.
func (r *run) prepare(ctx context.Context) error {
	rt := r.rt

	providers := make(map[string]provider.Provider)
	for i := range r.cfg.Agents {
		name := r.cfg.EffectiveProvider(&r.cfg.Agents[i])
		if name == "" || providers[name] != nil {
			continue
		}
		p, err := rt.providers.Resolve(name)
		if err != nil {
			return err
		}
		if rt.opts.RateLimit.RPS > 0 {
			p = provider.WithRateLimit(p, rt.opts.RateLimit.RPS, rt.opts.RateLimit.Burst)
		}
		providers[name] = provider.WithRetry(p, rt.opts.Retry)
	}

	var invoker tools.Invoker
	if rt.invoker != nil {
		invoker = rt.invoker
	}
	reg, err := tools.NewRegistry(ctx, invoker)
	if err != nil {
		return err
	}
	r.tools = reg

	seed, err := r.loadState(ctx)
	if err != nil {
		return err
	}
	r.state = lua.NewState(seed)

	roster, err := agent.NewRoster(agent.Config{
		Procedure: r.cfg,
		Params:    r.params,
		Providers: providers,
		Tools:     reg,
		Emitter:   r.emitter,
		State:     r.state.Snapshot,
		Logger:    r.log,
	})
	if err != nil {
		return err
	}
	r.roster = roster

	if h, ok := rt.opts.Storage.(storage.RunHistory); ok {
		rec := &models.RunRecord{
			RunID:       r.id,
			ProcedureID: r.procID,
			Name:        r.cfg.Name,
			Status:      models.RunStatusRunning,
			ToolsUsed:   []string{},
			CreatedAt:   r.started.UTC(),
		}
		if err := h.CreateRun(ctx, rec); err != nil {
			r.log.Warn().Err(err).Msg("Failed to record run start")
		} else {
			r.history = h
		}
	}
	return nil
}

func (r *run) loadState(ctx context.Context) (map[string]any, error) {
	if !r.rt.opts.Checkpoint || r.rt.opts.Storage == nil {
		return nil, nil
	}
	v, ok, err := r.rt.opts.Storage.Get(ctx, r.procID, KeyState)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !ok {
		return nil, nil
	}
	seed, _ := v.(map[string]any)
	return seed, nil
}

// finish assembles the envelope and reports the terminal transition.
func (r *run) finish(ctx context.Context, value any, runErr error) *models.Result {
	res := &models.Result{
		RunID:       r.id,
		ProcedureID: r.procID,
		Success:     runErr == nil,
		ToolsUsed:   []string{},
		StartedAt:   r.started,
	}
	if runErr != nil {
		res.Error = runErr.Error()
	} else {
		res.Result = value
	}

	state := map[string]any{}
	if r.state != nil {
		state = r.state.Snapshot()
	}
	if r.params != nil {
		state["params"] = r.params
	}
	res.State = state

	if r.roster != nil {
		res.Iterations = r.roster.Iterations()
		res.Transcripts = r.roster.Transcripts()
	}
	if r.tools != nil {
		res.ToolCalls = r.tools.Calls()
		if used := r.tools.Used(); len(used) > 0 {
			res.ToolsUsed = used
		}
	}
	res.Duration = time.Since(r.started)

	// Persistence must not be skipped because the run ctx expired
	persistCtx := context.WithoutCancel(ctx)
	r.checkpoint(persistCtx, res)
	r.recordHistory(persistCtx, res)

	stateName := StateSucceeded
	stage := models.StageComplete
	if runErr != nil {
		stateName = StateFailed
		stage = models.StageError
		r.span.RecordError(runErr)
		r.span.SetStatus(codes.Error, runErr.Error())
	}
	details := map[string]any{
		"run_id":      r.id,
		"success":     res.Success,
		"iterations":  res.Iterations,
		"tools_used":  res.ToolsUsed,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if runErr != nil {
		details["error"] = res.Error
		details["error_type"] = errorType(runErr)
	} else {
		details["result"] = res.Result
	}
	r.transition(stage, stateName, details)

	r.rt.runs.Add(ctx, 1, metric.WithAttributes(attribute.Bool("tactus.success", res.Success)))
	ev := r.log.Info()
	if runErr != nil {
		ev = r.log.Warn().Err(runErr)
	}
	ev.Int("iterations", res.Iterations).Dur("duration", res.Duration).Msg("Procedure run finished")
	return res
}

func (r *run) checkpoint(ctx context.Context, res *models.Result) {
	store := r.rt.opts.Storage
	if !r.rt.opts.Checkpoint || store == nil || r.state == nil {
		return
	}
	if err := store.Put(ctx, r.procID, KeyState, r.state.Snapshot()); err != nil {
		r.log.Warn().Err(err).Msg("Failed to checkpoint state")
	}
	if res.Success {
		if err := store.Put(ctx, r.procID, KeyResult, res.Result); err != nil {
			r.log.Warn().Err(err).Msg("Failed to checkpoint result")
		}
	}
}

func (r *run) recordHistory(ctx context.Context, res *models.Result) {
	if r.history == nil {
		return
	}
	completed := time.Now().UTC()
	rec := &models.RunRecord{
		RunID:       r.id,
		ProcedureID: r.procID,
		Name:        r.cfg.Name,
		Status:      models.RunStatusSucceeded,
		Error:       res.Error,
		Iterations:  res.Iterations,
		ToolsUsed:   res.ToolsUsed,
		Result:      res.Result,
		CreatedAt:   r.started.UTC(),
		CompletedAt: &completed,
	}
	if !res.Success {
		rec.Status = models.RunStatusFailed
	}
	if err := r.history.UpdateRun(ctx, rec); err != nil {
		r.log.Warn().Err(err).Msg("Failed to record run completion")
	}
}

func (r *run) transition(stage models.Stage, state string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["state"] = state
	if _, ok := details["run_id"]; !ok {
		details["run_id"] = r.id
	}
	r.emitter.Emit(models.EventExecution, stage, details)
	r.log.Debug().Str("state", state).Msg("Run transition")
}

// errorType names the error class for event consumers.
func errorType(err error) string {
	var (
		ce *spec.ConfigError
		pe *provider.ProviderError
		ie *lua.InterpreterError
		oe *output.OutputValidationError
	)
	switch {
	case errors.As(err, &ce):
		return "config"
	case errors.As(err, &pe):
		return "provider"
	case errors.As(err, &ie):
		return "interpreter"
	case errors.As(err, &oe):
		return "output"
	}
	return "runtime"
}

// cachedInvoker serves the tool list captured at construction.
type cachedInvoker struct {
	specs []tools.Spec
	next  tools.Invoker
}

func (c *cachedInvoker) Tools(context.Context) ([]tools.Spec, error) {
	return c.specs, nil
}

func (c *cachedInvoker) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	return c.next.Invoke(ctx, name, args)
}
