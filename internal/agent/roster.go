package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mpataki/tactus/internal/events"
	"github.com/mpataki/tactus/internal/models"
	"github.com/mpataki/tactus/internal/provider"
	"github.com/mpataki/tactus/internal/tools"
)

const instrumentation = "github.com/mpataki/tactus/internal/agent"

var ErrUnknownAgent = errors.New("unknown agent")

type Config struct {
	Procedure *models.ProcedureConfig
	// Params are the resolved run params used for prompt interpolation.
	Params map[string]any
	// Providers maps provider names to ready adapters.
	Providers map[string]provider.Provider
	Tools     *tools.Registry
	Emitter   *events.Emitter
	// State returns the current script state for {{state.x}} placeholders.
	State  func() map[string]any
	Logger zerolog.Logger
}

// Roster is the fixed set of sessions for one run.
type Roster struct {
	sessions map[string]*Session
	order    []string
	params   map[string]any
	state    func() map[string]any
	emitter  *events.Emitter
	log      zerolog.Logger

	tracer     trace.Tracer
	turns      metric.Int64Counter
	turnErrors metric.Int64Counter

	mu         sync.Mutex
	iterations int
}

func NewRoster(cfg Config) (*Roster, error) {
	if cfg.Procedure == nil {
		return nil, errors.New("roster requires a procedure config")
	}
	if cfg.Tools == nil {
		return nil, errors.New("roster requires a tool registry")
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.NewEmitter("", nil)
	}
	state := cfg.State
	if state == nil {
		state = func() map[string]any { return nil }
	}

	meter := otel.Meter(instrumentation)
	turns, err := meter.Int64Counter("tactus.turns", metric.WithDescription("Completed agent turns"))
	if err != nil {
		return nil, err
	}
	turnErrors, err := meter.Int64Counter("tactus.turn.errors", metric.WithDescription("Failed agent turns"))
	if err != nil {
		return nil, err
	}

	r := &Roster{
		sessions:   make(map[string]*Session, len(cfg.Procedure.Agents)),
		params:     cfg.Params,
		state:      state,
		emitter:    emitter,
		log:        cfg.Logger,
		tracer:     otel.Tracer(instrumentation),
		turns:      turns,
		turnErrors: turnErrors,
	}

	for i := range cfg.Procedure.Agents {
		a := &cfg.Procedure.Agents[i]
		s := &Session{
			name:         a.Name,
			cfg:          a,
			providerName: cfg.Procedure.EffectiveProvider(a),
			settings:     cfg.Procedure.EffectiveSettings(a),
			tools:        cfg.Tools,
			declared:     make(map[string]bool, len(a.Tools)),
		}
		if m := cfg.Procedure.EffectiveModel(a); m != nil {
			s.model = m.Name
		}
		if s.providerName != "" {
			p, ok := cfg.Providers[s.providerName]
			if !ok {
				return nil, provider.Fatal(s.providerName, fmt.Sprintf("unknown provider %q for agent %s", s.providerName, a.Name), nil)
			}
			s.provider = p
		}
		for _, t := range a.Tools {
			s.declared[t] = true
		}
		r.sessions[a.Name] = s
		r.order = append(r.order, a.Name)
	}
	return r, nil
}

// Names returns agent names in document order.
func (r *Roster) Names() []string { return append([]string(nil), r.order...) }

func (r *Roster) Session(name string) (*Session, bool) {
	s, ok := r.sessions[name]
	return s, ok
}

// Iterations is the number of completed turns across all agents.
func (r *Roster) Iterations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.iterations
}

// Transcripts returns every session's conversation keyed by agent name.
func (r *Roster) Transcripts() map[string][]models.Message {
	out := make(map[string][]models.Message, len(r.sessions))
	for name, s := range r.sessions {
		out[name] = s.Transcript()
	}
	return out
}

// Turn runs one turn of the named agent.
func (r *Roster) Turn(ctx context.Context, name string, opts TurnOptions) (*TurnResult, error) {
	s, ok := r.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAgent, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iteration := r.Iterations() + 1
	attrs := []attribute.KeyValue{
		attribute.String("tactus.agent", name),
		attribute.String("tactus.provider", s.providerName),
		attribute.String("tactus.model", s.model),
	}
	ctx, span := r.tracer.Start(ctx, "agent.turn", trace.WithAttributes(append(attrs, attribute.Int("tactus.iteration", iteration))...))
	defer span.End()

	r.emitter.Emit(models.EventTurn, models.StageStart, map[string]any{
		"agent":     name,
		"provider":  s.providerName,
		"model":     s.model,
		"iteration": iteration,
	})
	r.log.Debug().Str("agent", name).Int("iteration", iteration).Msg("Agent turn started")

	res, err := s.turn(ctx, opts, r.params, r.state())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.turnErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
		r.emitter.Emit(models.EventTurn, models.StageError, map[string]any{
			"agent": name,
			"error": err.Error(),
		})
		r.log.Warn().Err(err).Str("agent", name).Msg("Agent turn failed")
		return nil, err
	}

	r.mu.Lock()
	r.iterations++
	r.mu.Unlock()
	r.turns.Add(ctx, 1, metric.WithAttributes(attrs...))

	for _, call := range res.ToolCalls {
		stage := models.StageComplete
		details := map[string]any{
			"agent": call.Agent,
			"tool":  call.Name,
			"seq":   call.Seq,
			"args":  call.Args,
		}
		if call.Error != "" {
			stage = models.StageError
			details["error"] = call.Error
		} else {
			details["result"] = call.Result
		}
		r.emitter.Emit(models.EventTool, stage, details)
	}

	names := make([]string, 0, len(res.ToolCalls))
	for _, c := range res.ToolCalls {
		names = append(names, c.Name)
	}
	r.emitter.Emit(models.EventTurn, models.StageComplete, map[string]any{
		"agent":      name,
		"iteration":  iteration,
		"text":       res.Text,
		"tool_calls": names,
	})
	r.log.Debug().Str("agent", name).Int("tool_calls", len(res.ToolCalls)).Msg("Agent turn completed")
	return res, nil
}
