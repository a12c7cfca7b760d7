package tools

import (
	"context"
	"fmt"

	"github.com/ZanzyTHEbar/dragonflow"
)

// FuncTool adapts a Go function to a resolvable package tool.
type FuncTool struct {
	name        string
	fn          dragonflow.ToolFunc
	params      []dragonflow.ParamSpec
	returns     string
	description string
	category    string
	awaitable   bool
	cacheKey    dragonflow.CacheKeyFunc
	validator   func(map[string]any) error
}

// ToolOption represents an option for configuring a FuncTool.
type ToolOption func(*FuncTool)

// WithValidator sets a custom validator run before every invocation.
func WithValidator(validator func(map[string]any) error) ToolOption {
	return func(t *FuncTool) {
		t.validator = validator
	}
}

// WithCategory sets the tool's category.
func WithCategory(category string) ToolOption {
	return func(t *FuncTool) {
		t.category = category
	}
}

// WithDescription sets a detailed description for the tool.
func WithDescription(description string) ToolOption {
	return func(t *FuncTool) {
		t.description = description
	}
}

// WithParams declares the tool's parameters.
func WithParams(params ...dragonflow.ParamSpec) ToolOption {
	return func(t *FuncTool) {
		t.params = append(t.params, params...)
	}
}

// WithReturns sets the declared return type.
func WithReturns(returns string) ToolOption {
	return func(t *FuncTool) {
		t.returns = returns
	}
}

// WithCacheKey opts the tool into caching with a custom key function.
func WithCacheKey(fn dragonflow.CacheKeyFunc) ToolOption {
	return func(t *FuncTool) {
		t.cacheKey = fn
	}
}

// WithCacheArgs opts the tool into caching keyed on the named arguments.
// With no names every argument is part of the key.
func WithCacheArgs(names ...string) ToolOption {
	return WithCacheKey(SelectArgs(names...))
}

// Awaitable marks a tool that honors ctx and may run outside the blocking pool.
func Awaitable() ToolOption {
	return func(t *FuncTool) {
		t.awaitable = true
	}
}

// Param declares a required parameter.
func Param(name, typ string) dragonflow.ParamSpec {
	return dragonflow.ParamSpec{Name: name, Type: typ}
}

// OptionalParam declares a parameter with a default.
func OptionalParam(name, typ string, def any) dragonflow.ParamSpec {
	return dragonflow.ParamSpec{Name: name, Type: typ, Default: def, HasDefault: true}
}

// SelectArgs returns a cache key function that keeps the named arguments.
func SelectArgs(names ...string) dragonflow.CacheKeyFunc {
	return func(args map[string]any) (map[string]any, error) {
		if len(names) == 0 {
			return args, nil
		}
		out := make(map[string]any, len(names))
		for _, n := range names {
			v, ok := args[n]
			if !ok {
				return nil, fmt.Errorf("cache argument '%s' not present", n)
			}
			out[n] = v
		}
		return out, nil
	}
}

// NewFuncTool creates a package tool under a qualified name such as "text.summarize".
func NewFuncTool(name string, fn dragonflow.ToolFunc, options ...ToolOption) *FuncTool {
	t := &FuncTool{name: name, fn: fn}
	for _, option := range options {
		option(t)
	}
	return t
}

// Name returns the qualified name.
func (t *FuncTool) Name() string { return t.name }

// Category returns the tool category.
func (t *FuncTool) Category() string { return t.category }

// Resolve builds the shared callable.
func (t *FuncTool) Resolve() *dragonflow.ResolvedTool {
	fn := t.fn
	validator := t.validator
	name := t.name
	return &dragonflow.ResolvedTool{
		Name:          shortName(name),
		QualifiedName: name,
		Kind:          dragonflow.ToolKindPackage,
		Description:   t.description,
		Params:        append([]dragonflow.ParamSpec(nil), t.params...),
		Returns:       t.returns,
		Awaitable:     t.awaitable,
		CacheKey:      t.cacheKey,
		Func: func(ctx context.Context, args map[string]any) (any, error) {
			if fn == nil {
				return nil, fmt.Errorf("tool function is nil")
			}
			if validator != nil {
				if err := validator(args); err != nil {
					return nil, dragonflow.NewValidationError("validate", fmt.Sprintf("input validation failed for %s", name), err)
				}
			}
			return fn(ctx, args)
		},
	}
}
