package tools

import (
	"context"
	"fmt"
)

// Func is an in-process tool.
type Func struct {
	Spec Spec
	Fn   func(ctx context.Context, args map[string]any) (any, error)
}

// Local serves in-process tools as an Invoker.
type Local []Func

func (l Local) Tools(context.Context) ([]Spec, error) {
	specs := make([]Spec, 0, len(l))
	for _, f := range l {
		specs = append(specs, f.Spec)
	}
	return specs, nil
}

func (l Local) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	for _, f := range l {
		if f.Spec.Name == name {
			return f.Fn(ctx, args)
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownTool, name)
}
