package dragonflow

import (
	"context"
	"maps"
	"sort"
)

type envKey struct{}

type correlationKey struct{}

// WithEnv returns a context whose subprocess tools see env on top of the
// process environment. Keys already set on ctx are overridden by env.
func WithEnv(ctx context.Context, env map[string]string) context.Context {
	if len(env) == 0 {
		return ctx
	}
	merged := maps.Clone(EnvFrom(ctx))
	if merged == nil {
		merged = make(map[string]string, len(env))
	}
	maps.Copy(merged, env)
	return context.WithValue(ctx, envKey{}, merged)
}

// EnvFrom returns the environment overrides carried by ctx.
func EnvFrom(ctx context.Context) map[string]string {
	env, _ := ctx.Value(envKey{}).(map[string]string)
	return env
}

// EnvList renders overrides as sorted KEY=VALUE pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// WithCorrelationID tags ctx with the id of the request that caused the work.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFrom returns the correlation id set by WithCorrelationID.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
