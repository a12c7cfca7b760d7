package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
	"github.com/ZanzyTHEbar/dragonflow/internal/retry"
)

// Resolver turns node tool sources into callables. Each node is resolved at
// most once and each script file is introspected at most once.
type Resolver struct {
	registry  *Registry
	prompts   PromptRunner
	functions *ExpressionFunctions
	baseDir   string
	policy    retry.Policy
	log       *logging.Logger

	mu       sync.Mutex
	resolved map[string]*dragonflow.ResolvedTool
	scripts  map[string]*scriptSpec
	count    atomic.Int64
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPrompts enables prompt tools.
func WithPrompts(p PromptRunner) ResolverOption {
	return func(r *Resolver) { r.prompts = p }
}

// WithExpressionFunctions replaces the inline expression whitelist.
func WithExpressionFunctions(f *ExpressionFunctions) ResolverOption {
	return func(r *Resolver) { r.functions = f }
}

// WithBaseDir sets the directory relative script paths are resolved against.
func WithBaseDir(dir string) ResolverOption {
	return func(r *Resolver) { r.baseDir = dir }
}

// WithRetryPolicy sets the policy wrapped around prompt calls.
func WithRetryPolicy(p retry.Policy) ResolverOption {
	return func(r *Resolver) { r.policy = p }
}

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(log *logging.Logger) ResolverOption {
	return func(r *Resolver) { r.log = log.WithComponent("resolver") }
}

// NewResolver creates a resolver over a package tool registry.
func NewResolver(registry *Registry, opts ...ResolverOption) *Resolver {
	if registry == nil {
		registry = NewRegistry()
	}
	r := &Resolver{
		registry:  registry,
		functions: NewExpressionFunctions(),
		policy:    retry.DefaultPolicy(),
		log:       logging.Nop(),
		resolved:  make(map[string]*dragonflow.ResolvedTool),
		scripts:   make(map[string]*scriptSpec),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the package tool registry.
func (r *Resolver) Registry() *Registry { return r.registry }

// Resolutions returns how many sources were actually resolved, memo hits excluded.
func (r *Resolver) Resolutions() int64 { return r.count.Load() }

// Resolve returns the callable for node, resolving it on first use.
func (r *Resolver) Resolve(node *dragonflow.Node) (*dragonflow.ResolvedTool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.resolved[node.Name]; ok {
		return t, nil
	}
	t, err := r.resolveSource(node.Name, node.Source)
	if err != nil {
		return nil, err
	}
	r.count.Add(1)
	r.resolved[node.Name] = t
	r.log.Debug("Resolved tool", logging.Fields(logging.FieldNode, node.Name, logging.FieldTool, t.QualifiedName))
	return t, nil
}

// ResolveFlow resolves every node of flow and fails on the first artifact
// that cannot be found or parsed.
func (r *Resolver) ResolveFlow(flow *dragonflow.Flow) (map[string]*dragonflow.ResolvedTool, error) {
	out := make(map[string]*dragonflow.ResolvedTool, len(flow.Nodes))
	for _, name := range flow.Order() {
		node, _ := flow.Node(name)
		t, err := r.Resolve(node)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

// resolveSource must be called with r.mu held.
func (r *Resolver) resolveSource(name string, src dragonflow.ToolSource) (*dragonflow.ResolvedTool, error) {
	switch src.Kind {
	case dragonflow.ToolKindPackage, "":
		ft, ok := r.registry.Lookup(src.Ref)
		if !ok {
			return nil, dragonflow.NewToolResolutionError(name, fmt.Sprintf("unknown package tool '%s'", src.Ref), nil)
		}
		t := ft.Resolve()
		if len(src.Params) > 0 {
			t.Params = src.Params
		}
		return t, nil

	case dragonflow.ToolKindScript:
		if src.Ref == "" {
			return nil, dragonflow.NewToolResolutionError(name, "script source has no path", nil)
		}
		path := src.Ref
		if !filepath.IsAbs(path) && r.baseDir != "" {
			path = filepath.Join(r.baseDir, path)
		}
		spec, ok := r.scripts[path]
		if !ok {
			if _, err := os.Stat(path); err != nil {
				return nil, dragonflow.NewToolResolutionError(name, fmt.Sprintf("script '%s' not found", path), err)
			}
			var err error
			spec, err = loadScript(path)
			if err != nil {
				return nil, dragonflow.NewToolResolutionError(name, fmt.Sprintf("malformed script '%s'", path), err)
			}
			r.scripts[path] = spec
		}
		t := spec.resolve(name)
		if len(src.Params) > 0 {
			t.Params = src.Params
		}
		return t, nil

	case dragonflow.ToolKindInline:
		t, err := r.functions.inlineTool(name, src.Expression)
		if err != nil {
			return nil, dragonflow.NewToolResolutionError(name, "malformed inline expression", err)
		}
		return t, nil

	case dragonflow.ToolKindPrompt:
		if r.prompts == nil {
			return nil, dragonflow.NewToolResolutionError(name, "no prompt provider configured", nil)
		}
		if !r.prompts.Has(src.Ref) {
			return nil, dragonflow.NewToolResolutionError(name, fmt.Sprintf("unknown prompt '%s'", src.Ref), nil)
		}
		return promptTool(name, src.Ref, r.prompts, src.Params, r.policy), nil
	}
	return nil, dragonflow.NewToolResolutionError(name, fmt.Sprintf("unsupported tool kind '%s'", src.Kind), nil)
}

// resolveDefinition resolves a standalone definition without memoizing it
// under a node name.
func (r *Resolver) resolveDefinition(def ToolDefinition) (*dragonflow.ResolvedTool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.resolveSource(def.Name, def.Source)
	if err != nil {
		return nil, err
	}
	r.count.Add(1)
	return t, nil
}
