package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"

	"github.com/ZanzyTHEbar/dragonflow"
)

// ExpressionFunctions is the whitelist of functions inline expressions may call.
type ExpressionFunctions struct {
	mu        sync.RWMutex
	functions map[string]govaluate.ExpressionFunction
}

// NewExpressionFunctions returns a whitelist seeded with the built-in helpers.
func NewExpressionFunctions() *ExpressionFunctions {
	f := &ExpressionFunctions{functions: make(map[string]govaluate.ExpressionFunction)}
	f.Register("len", exprLen)
	f.Register("upper", stringFunc(strings.ToUpper))
	f.Register("lower", stringFunc(strings.ToLower))
	f.Register("trim", stringFunc(strings.TrimSpace))
	f.Register("contains", exprContains)
	return f
}

// Register adds or replaces a function.
func (f *ExpressionFunctions) Register(name string, fn govaluate.ExpressionFunction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.functions[name] = fn
}

func (f *ExpressionFunctions) snapshot() map[string]govaluate.ExpressionFunction {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]govaluate.ExpressionFunction, len(f.functions))
	for k, v := range f.functions {
		out[k] = v
	}
	return out
}

// Compile parses an expression and returns its variables.
func (f *ExpressionFunctions) Compile(expr string) (*govaluate.EvaluableExpression, []string, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil, fmt.Errorf("empty expression")
	}
	parsed, err := govaluate.NewEvaluableExpressionWithFunctions(expr, f.snapshot())
	if err != nil {
		return nil, nil, err
	}
	seen := map[string]struct{}{}
	var vars []string
	for _, v := range parsed.Vars() {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			vars = append(vars, v)
		}
	}
	sort.Strings(vars)
	return parsed, vars, nil
}

// inlineTool builds a tool whose parameters are the expression's variables.
// Inline expressions are pure, so they always offer a cache key.
func (f *ExpressionFunctions) inlineTool(name, expr string) (*dragonflow.ResolvedTool, error) {
	parsed, vars, err := f.Compile(expr)
	if err != nil {
		return nil, err
	}
	params := make([]dragonflow.ParamSpec, len(vars))
	for i, v := range vars {
		params[i] = dragonflow.ParamSpec{Name: v, Type: "any"}
	}
	return &dragonflow.ResolvedTool{
		Name:          name,
		QualifiedName: "inline:" + name,
		Kind:          dragonflow.ToolKindInline,
		Description:   expr,
		Params:        params,
		Returns:       "any",
		CacheKey:      SelectArgs(),
		Func: func(ctx context.Context, args map[string]any) (any, error) {
			result, err := parsed.Evaluate(toNumbers(args))
			if err != nil {
				return nil, fmt.Errorf("failed to evaluate expression %q: %w", expr, err)
			}
			return result, nil
		},
	}, nil
}

// toNumbers widens integers to float64, the only numeric type govaluate handles.
func toNumbers(args map[string]any) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		case int32:
			out[k] = float64(n)
		default:
			out[k] = v
		}
	}
	return out
}

func exprLen(args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("len expects 1 argument")
	}
	switch v := args[0].(type) {
	case string:
		return float64(len(v)), nil
	case []interface{}:
		return float64(len(v)), nil
	case map[string]interface{}:
		return float64(len(v)), nil
	}
	return nil, fmt.Errorf("len: unsupported type %T", args[0])
}

func exprContains(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("contains expects 2 arguments")
	}
	s, ok1 := args[0].(string)
	sub, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("contains expects strings")
	}
	return strings.Contains(s, sub), nil
}

func stringFunc(fn func(string) string) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected 1 argument")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", args[0])
		}
		return fn(s), nil
	}
}
