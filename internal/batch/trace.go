package batch

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ZanzyTHEbar/dragonflow"
)

var propagator = propagation.TraceContext{}

// stamp fills the cross-process metadata of item from the context it was
// submitted with. Precedence for environment keys: item, then ctx, then env.
func stamp(ctx context.Context, item *dragonflow.WorkItem, env map[string]string) {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	item.Context.TraceParent = carrier.Get("traceparent")
	item.Context.TraceState = carrier.Get("tracestate")
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		item.Context.TraceID = sc.TraceID().String()
	}
	if item.Context.CorrelationID == "" {
		item.Context.CorrelationID = dragonflow.CorrelationIDFrom(ctx)
	}
	if item.Context.CorrelationID == "" {
		item.Context.CorrelationID = item.RunID
	}

	merged := maps.Clone(env)
	if merged == nil {
		merged = map[string]string{}
	}
	maps.Copy(merged, dragonflow.EnvFrom(ctx))
	maps.Copy(merged, item.Context.Env)
	if len(merged) > 0 {
		item.Context.Env = merged
	}
}

// restore rebuilds on the worker side what stamp recorded: the remote parent
// span, the correlation id and the environment overrides.
func restore(ctx context.Context, item dragonflow.WorkItem) context.Context {
	if item.Context.TraceParent != "" {
		carrier := propagation.MapCarrier{"traceparent": item.Context.TraceParent}
		if item.Context.TraceState != "" {
			carrier.Set("tracestate", item.Context.TraceState)
		}
		ctx = propagator.Extract(ctx, carrier)
	}
	ctx = dragonflow.WithCorrelationID(ctx, item.Context.CorrelationID)
	return dragonflow.WithEnv(ctx, item.Context.Env)
}
