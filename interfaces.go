package dragonflow

import (
	"context"
	"fmt"
	"sort"
)

// ToolFunc is the callable behind every resolved tool.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// CacheKeyFunc selects the cache-relevant subset of a tool's arguments.
type CacheKeyFunc func(args map[string]any) (map[string]any, error)

// ResolvedTool is a callable with its declared contract. It is built once per
// node and shared read-only by every line.
type ResolvedTool struct {
	Name          string
	QualifiedName string
	Kind          ToolKind
	Description   string
	Params        []ParamSpec
	Returns       string
	// Awaitable tools honor ctx and run outside the blocking pool.
	Awaitable bool
	CacheKey  CacheKeyFunc
	Func      ToolFunc
}

// Param returns the declared parameter with the given name.
func (t *ResolvedTool) Param(name string) (ParamSpec, bool) {
	for _, p := range t.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// BindArgs validates concrete inputs against the declared parameters and
// fills in defaults. Tools without declared parameters accept any input.
func (t *ResolvedTool) BindArgs(inputs map[string]any) (map[string]any, error) {
	args := make(map[string]any, len(inputs))
	for k, v := range inputs {
		args[k] = v
	}
	if len(t.Params) == 0 {
		return args, nil
	}
	declared := make(map[string]struct{}, len(t.Params))
	for _, p := range t.Params {
		declared[p.Name] = struct{}{}
		v, ok := args[p.Name]
		if !ok {
			if p.HasDefault {
				args[p.Name] = p.Default
				continue
			}
			return nil, NewValidationError("validate", fmt.Sprintf("tool '%s' is missing required input '%s'", t.QualifiedName, p.Name), nil)
		}
		if err := CheckType(p.Type, v); err != nil {
			return nil, NewValidationError("validate", fmt.Sprintf("tool '%s' input '%s'", t.QualifiedName, p.Name), err)
		}
	}
	var unknown []string
	for k := range args {
		if _, ok := declared[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, NewValidationError("validate", fmt.Sprintf("tool '%s' does not accept inputs %v", t.QualifiedName, unknown), nil)
	}
	return args, nil
}

// KnownType reports whether typ is a supported parameter type name.
func KnownType(typ string) bool {
	switch typ {
	case "", "any", "string", "bool", "int", "number", "float", "array", "list", "object", "dict":
		return true
	}
	return false
}

// CheckType verifies v against a declared parameter type. nil always passes
// since bypassed upstream values resolve to nil.
func CheckType(typ string, v any) error {
	if v == nil {
		return nil
	}
	ok := true
	switch typ {
	case "", "any":
	case "string":
		_, ok = v.(string)
	case "bool":
		_, ok = v.(bool)
	case "int":
		switch n := v.(type) {
		case int, int32, int64:
		case float64:
			ok = n == float64(int64(n))
		default:
			ok = false
		}
	case "number", "float":
		switch v.(type) {
		case int, int32, int64, float32, float64:
		default:
			ok = false
		}
	case "array", "list":
		_, ok = v.([]any)
	case "object", "dict":
		_, ok = v.(map[string]any)
	default:
		return fmt.Errorf("unknown parameter type '%s'", typ)
	}
	if !ok {
		return fmt.Errorf("expected %s, got %T", typ, v)
	}
	return nil
}

// CacheStorage is the backend behind the cache manager. Implementations must
// tolerate concurrent writers from independent worker processes.
type CacheStorage interface {
	GetRecords(ctx context.Context, hashID string) ([]CacheRecord, error)
	Store(ctx context.Context, record CacheRecord) error
	Delete(ctx context.Context, hashID string) error
}

// RunStorage receives run records for persistence. The engine never reads
// them back.
type RunStorage interface {
	PersistNodeRun(ctx context.Context, run *NodeRunInfo) error
	PersistLineResult(ctx context.Context, line *LineResult) error
	PersistAggregation(ctx context.Context, flowRunID string, result *AggregationResult) error
}
