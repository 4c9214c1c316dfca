// Package lua runs procedure bodies in a sandboxed gopher-lua VM and binds
// the host API (agents, tools, params, state, logging, human input) into it.
package lua

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/mpataki/tactus/internal/agent"
	"github.com/mpataki/tactus/internal/events"
	"github.com/mpataki/tactus/internal/hitl"
	"github.com/mpataki/tactus/internal/models"
	"github.com/mpataki/tactus/internal/spec"
	"github.com/mpataki/tactus/internal/tools"
)

// chunkName prefixes script error positions ("procedure:12: ...").
const chunkName = "procedure"

var errPosition = regexp.MustCompile(`(?s)^` + chunkName + `:(\d+):\s?(.*)$`)

// InterpreterError is a failure raised by the script itself.
type InterpreterError struct {
	Message string
	Line    int
}

func (e *InterpreterError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// Agents is what the script drives. *agent.Roster implements it.
type Agents interface {
	Names() []string
	Turn(ctx context.Context, name string, opts agent.TurnOptions) (*agent.TurnResult, error)
	Iterations() int
}

type Options struct {
	Agents  Agents
	Tools   *tools.Registry
	Params  map[string]any
	State   *State
	Human   hitl.Handler
	Emitter *events.Emitter
	Logger  zerolog.Logger
}

// Runtime executes one procedure body. A Runtime is single-use.
type Runtime struct {
	agents  Agents
	tools   *tools.Registry
	params  map[string]any
	state   *State
	human   hitl.Handler
	emitter *events.Emitter
	log     zerolog.Logger

	ctx context.Context
	// hostErr is the Go error behind the last RaiseError, so typed errors
	// survive the trip through the VM.
	hostErr error
}

func NewRuntime(opts Options) *Runtime {
	r := &Runtime{
		agents:  opts.Agents,
		tools:   opts.Tools,
		params:  opts.Params,
		state:   opts.State,
		human:   opts.Human,
		emitter: opts.Emitter,
		log:     opts.Logger,
	}
	if r.state == nil {
		r.state = NewState(nil)
	}
	if r.human == nil {
		r.human = hitl.Cancelled{}
	}
	if r.emitter == nil {
		r.emitter = events.NewEmitter("", nil)
	}
	if r.params == nil {
		r.params = map[string]any{}
	}
	return r
}

// State returns the table the script reads and writes.
func (r *Runtime) State() *State { return r.state }

// Execute runs source as the main chunk and returns its converted return
// value. Several return values come back as a slice.
func (r *Runtime) Execute(ctx context.Context, source string) (any, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	defer L.Close()
	L.SetContext(ctx)
	r.ctx = ctx

	openSafeLibs(L)
	r.registerAPI(L)

	fn, err := L.Load(strings.NewReader(source), chunkName)
	if err != nil {
		return nil, syntaxError(err)
	}

	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return nil, r.scriptError(ctx, err)
	}

	n := L.GetTop()
	values := make([]any, 0, n)
	for i := 1; i <= n; i++ {
		v, err := luaToGo(L.Get(i))
		if err != nil {
			return nil, &InterpreterError{Message: "invalid return value: " + err.Error()}
		}
		values = append(values, v)
	}
	switch len(values) {
	case 0:
		return nil, nil
	case 1:
		return values[0], nil
	}
	return values, nil
}

// openSafeLibs loads only the safe standard libraries
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Log.info instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Runs must not depend on randomness
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState) {
	if r.agents != nil {
		for _, name := range r.agents.Names() {
			tbl := L.NewTable()
			L.SetField(tbl, "turn", L.NewClosure(r.luaTurn, lua.LString(name), tbl))
			L.SetGlobal(spec.GlobalName(name), tbl)
		}
	}

	L.SetGlobal("Tool", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"called":    r.luaToolCalled,
		"last_call": r.luaToolLastCall,
	}))
	L.SetGlobal("State", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get":       r.luaStateGet,
		"set":       r.luaStateSet,
		"increment": r.luaStateIncrement,
		"append":    r.luaStateAppend,
		"all":       r.luaStateAll,
	}))
	L.SetGlobal("Log", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"debug": r.luaLog(zerolog.DebugLevel),
		"info":  r.luaLog(zerolog.InfoLevel),
		"warn":  r.luaLog(zerolog.WarnLevel),
		"error": r.luaLog(zerolog.ErrorLevel),
	}))
	L.SetGlobal("Human", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"ask": r.luaHumanAsk,
	}))
	L.SetGlobal("Iterations", L.NewFunction(r.luaIterations))
	L.SetGlobal("params", goToLua(L, r.params))
}

// raise aborts the script with err, remembering it for Execute.
func (r *Runtime) raise(L *lua.LState, err error) {
	r.hostErr = err
	L.RaiseError("%s", err.Error())
}

// luaTurn implements Agent.turn([opts]). Both Agent.turn() and
// Agent:turn() are accepted.
func (r *Runtime) luaTurn(L *lua.LState) int {
	name := string(L.CheckString(lua.UpvalueIndex(1)))
	self := L.Get(lua.UpvalueIndex(2))

	idx := 1
	if L.GetTop() >= 1 && L.Get(1) == self {
		idx = 2
	}

	var opts agent.TurnOptions
	switch v := L.Get(idx).(type) {
	case *lua.LNilType:
	case lua.LString:
		opts.Inject = string(v)
	case *lua.LTable:
		if msg := v.RawGetString("message"); msg != lua.LNil {
			opts.Inject = lua.LVAsString(msg)
		}
	default:
		L.ArgError(idx, "turn options must be a table")
		return 0
	}

	res, err := r.agents.Turn(r.ctx, name, opts)
	if err != nil {
		r.raise(L, err)
		return 0
	}

	out := L.NewTable()
	out.RawSetString("text", lua.LString(res.Text))
	calls := L.CreateTable(len(res.ToolCalls), 0)
	for i := range res.ToolCalls {
		calls.Append(callTable(L, &res.ToolCalls[i]))
	}
	out.RawSetString("tool_calls", calls)
	L.Push(out)
	return 1
}

func callTable(L *lua.LState, call *models.ToolCall) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("id", lua.LString(call.ID))
	tbl.RawSetString("name", lua.LString(call.Name))
	tbl.RawSetString("agent", lua.LString(call.Agent))
	tbl.RawSetString("seq", lua.LNumber(call.Seq))
	tbl.RawSetString("args", goToLua(L, call.Args))
	tbl.RawSetString("result", goToLua(L, call.Result))
	if call.Error != "" {
		tbl.RawSetString("error", lua.LString(call.Error))
	}
	return tbl
}

func (r *Runtime) luaToolCalled(L *lua.LState) int {
	name := L.CheckString(1)
	L.Push(lua.LBool(r.tools != nil && r.tools.Called(name)))
	return 1
}

func (r *Runtime) luaToolLastCall(L *lua.LState) int {
	name := L.CheckString(1)
	if r.tools == nil {
		L.RaiseError("%v: %q", tools.ErrNoSuchCall, name)
		return 0
	}
	call, err := r.tools.LastCall(name)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(callTable(L, call))
	return 1
}

func (r *Runtime) luaStateGet(L *lua.LState) int {
	key := L.CheckString(1)
	v, ok := r.state.Get(key)
	if !ok {
		L.Push(L.Get(2))
		return 1
	}
	L.Push(goToLua(L, v))
	return 1
}

func (r *Runtime) luaStateSet(L *lua.LState) int {
	key := L.CheckString(1)
	v, err := luaToGo(L.Get(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	r.state.Set(key, v)
	return 0
}

func (r *Runtime) luaStateIncrement(L *lua.LState) int {
	key := L.CheckString(1)
	by, err := luaToGo(L.OptNumber(2, 1))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	next, err := r.state.Increment(key, by)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(goToLua(L, next))
	return 1
}

func (r *Runtime) luaStateAppend(L *lua.LState) int {
	key := L.CheckString(1)
	v, err := luaToGo(L.CheckAny(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	n, err := r.state.Append(key, v)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LNumber(n))
	return 1
}

func (r *Runtime) luaStateAll(L *lua.LState) int {
	L.Push(goToLua(L, r.state.Snapshot()))
	return 1
}

// luaLog implements Log.<level>(message[, fields])
func (r *Runtime) luaLog(level zerolog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		message := L.CheckString(1)
		details := map[string]any{
			"level":   level.String(),
			"message": message,
		}
		var fields map[string]any
		if tbl := L.OptTable(2, nil); tbl != nil {
			v, err := luaToGo(tbl)
			if err != nil {
				L.ArgError(2, err.Error())
				return 0
			}
			if m, ok := v.(map[string]any); ok {
				fields = m
				details["fields"] = m
			}
		}

		r.emitter.Emit(models.EventLog, models.StageProgress, details)
		ev := r.log.WithLevel(level).Str("source", chunkName)
		for _, k := range sortedFields(fields) {
			ev = ev.Interface(k, fields[k])
		}
		ev.Msg(message)
		return 0
	}
}

// luaHumanAsk implements Human.ask(prompt[, options])
func (r *Runtime) luaHumanAsk(L *lua.LState) int {
	req := hitl.Request{
		Prompt:  L.CheckString(1),
		Options: stringList(L.OptTable(2, nil)),
	}
	r.emitter.Emit(models.EventHITL, models.StageStart, map[string]any{
		"prompt":  req.Prompt,
		"options": req.Options,
	})

	answer, err := r.human.Ask(r.ctx, req)
	if err != nil {
		r.emitter.Emit(models.EventHITL, models.StageError, map[string]any{
			"prompt": req.Prompt,
			"error":  err.Error(),
		})
		if errors.Is(err, hitl.ErrCancelled) {
			L.RaiseError("Human.ask: %v", err)
			return 0
		}
		r.raise(L, err)
		return 0
	}

	r.emitter.Emit(models.EventHITL, models.StageComplete, map[string]any{
		"prompt": req.Prompt,
		"answer": answer,
	})
	L.Push(lua.LString(answer))
	return 1
}

func (r *Runtime) luaIterations(L *lua.LState) int {
	n := 0
	if r.agents != nil {
		n = r.agents.Iterations()
	}
	L.Push(lua.LNumber(n))
	return 1
}

// scriptError maps a PCall failure onto the error the coordinator reports.
func (r *Runtime) scriptError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	msg := err.Error()
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		msg = apiErr.Object.String()
	}

	// Host errors keep their type when they are what stopped the script
	if r.hostErr != nil && strings.Contains(msg, r.hostErr.Error()) {
		return r.hostErr
	}

	ie := &InterpreterError{Message: msg}
	if m := errPosition.FindStringSubmatch(msg); m != nil {
		ie.Line, _ = strconv.Atoi(m[1])
		ie.Message = m[2]
	}
	return ie
}

func syntaxError(err error) error {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		var perr *parse.Error
		if errors.As(apiErr.Cause, &perr) {
			msg := strings.TrimSpace(perr.Message)
			if perr.Token != "" {
				msg = fmt.Sprintf("%s near '%s'", msg, perr.Token)
			}
			return &InterpreterError{Message: "syntax error: " + msg, Line: perr.Pos.Line}
		}
	}
	return &InterpreterError{Message: "syntax error: " + err.Error()}
}
