package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/retry"
)

// ToolDefinition declares a tool a model may call by name.
type ToolDefinition = dragonflow.ToolDefinition

// FunctionSchema is the provider-facing description of a callable tool.
type FunctionSchema struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

// Caller executes a resolved tool. *bridge.Bridge satisfies it.
type Caller interface {
	Call(ctx context.Context, tool *dragonflow.ResolvedTool, args map[string]any) (any, error)
}

type directCaller struct{}

func (directCaller) Call(ctx context.Context, tool *dragonflow.ResolvedTool, args map[string]any) (any, error) {
	return tool.Func(ctx, args)
}

// Invoker dispatches model-directed tool calls by name.
type Invoker struct {
	resolver *Resolver
	caller   Caller
	policy   retry.Policy

	mu      sync.RWMutex
	tools   map[string]*dragonflow.ResolvedTool
	schemas map[string]FunctionSchema
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithCaller routes invocations through c, typically the bridge.
func WithCaller(c Caller) InvokerOption {
	return func(i *Invoker) { i.caller = c }
}

// WithInvokePolicy sets the retry policy around each invocation.
func WithInvokePolicy(p retry.Policy) InvokerOption {
	return func(i *Invoker) { i.policy = p }
}

// NewInvoker creates an invoker that resolves definitions with resolver.
func NewInvoker(resolver *Resolver, opts ...InvokerOption) *Invoker {
	i := &Invoker{
		resolver: resolver,
		caller:   directCaller{},
		policy:   retry.Policy{Tries: 1},
		tools:    make(map[string]*dragonflow.ResolvedTool),
		schemas:  make(map[string]FunctionSchema),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Register resolves each definition and builds its schema.
func (i *Invoker) Register(defs ...ToolDefinition) error {
	for _, def := range defs {
		if def.Name == "" {
			return dragonflow.NewValidationError("register", "tool definition has no name", nil)
		}
		t, err := i.resolver.resolveDefinition(def)
		if err != nil {
			return err
		}
		desc := def.Description
		if desc == "" {
			desc = t.Description
		}
		i.mu.Lock()
		if _, exists := i.tools[def.Name]; exists {
			i.mu.Unlock()
			return dragonflow.NewValidationError("register", fmt.Sprintf("tool '%s' already registered", def.Name), nil)
		}
		i.tools[def.Name] = t
		i.schemas[def.Name] = FunctionSchema{Name: def.Name, Description: desc, Parameters: ParamsSchema(t.Params)}
		i.mu.Unlock()
	}
	return nil
}

// Schemas lists the registered tools sorted by name.
func (i *Invoker) Schemas() []FunctionSchema {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]FunctionSchema, 0, len(i.schemas))
	for _, s := range i.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Invoke decodes argsJSON, validates it and calls the named tool.
func (i *Invoker) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (any, error) {
	i.mu.RLock()
	t, ok := i.tools[name]
	i.mu.RUnlock()
	if !ok {
		return nil, dragonflow.NewToolNotFoundError("invoke", name)
	}
	args := map[string]any{}
	if trimmed := bytes.TrimSpace(argsJSON); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &args); err != nil {
			return nil, dragonflow.NewValidationError("invoke", fmt.Sprintf("arguments for '%s' are not a JSON object", name), err)
		}
	}
	bound, err := t.BindArgs(args)
	if err != nil {
		return nil, err
	}
	return retry.Do(ctx, i.policy, func(ctx context.Context) (any, error) {
		out, err := i.caller.Call(ctx, t, bound)
		if err != nil && !dragonflow.IsEngineError(err) {
			err = dragonflow.NewToolExecutionError("invoke", t.QualifiedName, err)
		}
		return out, err
	})
}

// ParamsSchema renders declared parameters as a JSON-Schema object.
func ParamsSchema(params []dragonflow.ParamSpec) *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type:       "object",
		Properties: jsonschema.NewProperties(),
	}
	for _, p := range params {
		prop := &jsonschema.Schema{Type: jsonType(p.Type), Description: p.Description}
		if p.HasDefault {
			prop.Default = p.Default
		} else {
			s.Required = append(s.Required, p.Name)
		}
		s.Properties.Set(p.Name, prop)
	}
	return s
}

func jsonType(typ string) string {
	switch typ {
	case "string":
		return "string"
	case "bool":
		return "boolean"
	case "int":
		return "integer"
	case "number", "float":
		return "number"
	case "array", "list":
		return "array"
	case "object", "dict":
		return "object"
	}
	return ""
}
