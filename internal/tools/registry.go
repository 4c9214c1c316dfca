// Package tools owns the per-run tool ledger: the built-in done tool,
// external tools reached through an Invoker, and the ordered record of
// every call agents make.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/mpataki/tactus/internal/models"
)

// Done is the built-in terminal tool.
const Done = "done"

var (
	ErrNoSuchCall  = errors.New("no such tool call")
	ErrUnknownTool = errors.New("unknown tool")
)

type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"inputSchema,omitempty"`
}

// Invoker executes external tools.
type Invoker interface {
	Tools(ctx context.Context) ([]Spec, error)
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// ToolError is a failed tool invocation. It is recorded on the call and
// never aborts a run.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

func doneSpec() Spec {
	return Spec{
		Name:        Done,
		Description: "Signal that the task is complete. Pass a short reason describing the outcome.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Why the task is complete",
				},
			},
		},
	}
}

// Registry is the tool namespace and call ledger of one run.
type Registry struct {
	invoker Invoker
	specs   map[string]Spec
	schemas map[string]*gojsonschema.Schema

	mu    sync.Mutex
	seq   int
	calls []*models.ToolCall
	now   func() time.Time
}

// NewRegistry enumerates the invoker's tools once. A nil invoker leaves
// only done available.
func NewRegistry(ctx context.Context, invoker Invoker) (*Registry, error) {
	r := &Registry{
		invoker: invoker,
		specs:   make(map[string]Spec),
		schemas: make(map[string]*gojsonschema.Schema),
		now:     time.Now,
	}
	if err := r.add(doneSpec()); err != nil {
		return nil, err
	}
	if invoker == nil {
		return r, nil
	}
	external, err := invoker.Tools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	for _, s := range external {
		if s.Name == Done {
			continue
		}
		if err := r.add(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(s Spec) error {
	r.specs[s.Name] = s
	if len(s.Schema) == 0 {
		return nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(s.Schema))
	if err != nil {
		return fmt.Errorf("invalid input schema for tool %s: %w", s.Name, err)
	}
	r.schemas[s.Name] = schema
	return nil
}

// Known lists every tool name in the namespace, done included.
func (r *Registry) Known() []string {
	names := make([]string, 0, len(r.specs))
	for n := range r.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Specs returns the specs for names in the given order, skipping unknown ones.
func (r *Registry) Specs(names []string) []Spec {
	out := make([]Spec, 0, len(names))
	for _, n := range names {
		if s, ok := r.specs[n]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Record stamps the next sequence number, runs the tool and stores the
// outcome. Tool failures end up in ToolCall.Error.
func (r *Registry) Record(ctx context.Context, agent, id, name string, args map[string]any) *models.ToolCall {
	call := r.stamp(agent, id, name, args)

	result, err := r.invoke(ctx, name, call.Args)
	if err != nil {
		call.Error = (&ToolError{Tool: name, Err: err}).Error()
	} else {
		call.Result = result
	}
	return r.store(call)
}

// Reject records a call that was refused without running it.
func (r *Registry) Reject(agent, id, name string, args map[string]any, reason error) *models.ToolCall {
	call := r.stamp(agent, id, name, args)
	call.Error = (&ToolError{Tool: name, Err: reason}).Error()
	return r.store(call)
}

func (r *Registry) stamp(agent, id, name string, args map[string]any) *models.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	if id == "" {
		id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	}
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()
	return &models.ToolCall{Seq: seq, ID: id, Agent: agent, Name: name, Args: args, At: r.now()}
}

func (r *Registry) store(call *models.ToolCall) *models.ToolCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	c := *call
	return &c
}

func (r *Registry) invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	if _, ok := r.specs[name]; !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTool, name)
	}
	if err := r.validateArgs(name, args); err != nil {
		return nil, err
	}
	if name == Done {
		reason, _ := args["reason"].(string)
		return map[string]any{"status": "done", "reason": reason}, nil
	}
	if r.invoker == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownTool, name)
	}
	return r.invoker.Invoke(ctx, name, args)
}

func (r *Registry) validateArgs(name string, args map[string]any) error {
	schema, ok := r.schemas[name]
	if !ok {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid arguments: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// Called reports whether any agent has called name during the run.
func (r *Registry) Called(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.Name == name {
			return true
		}
	}
	return false
}

// LastCall returns the call to name with the highest sequence number.
func (r *Registry) LastCall(name string) (*models.ToolCall, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last *models.ToolCall
	for _, c := range r.calls {
		if c.Name == name && (last == nil || c.Seq > last.Seq) {
			last = c
		}
	}
	if last == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchCall, name)
	}
	c := *last
	return &c, nil
}

// Calls returns the ledger in sequence order.
func (r *Registry) Calls() []models.ToolCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ToolCall, len(r.calls))
	for i, c := range r.calls {
		out[i] = *c
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Used returns distinct tool names in first-use order.
func (r *Registry) Used() []string {
	seen := make(map[string]bool)
	var names []string
	for _, c := range r.Calls() {
		if !seen[c.Name] {
			seen[c.Name] = true
			names = append(names, c.Name)
		}
	}
	return names
}
