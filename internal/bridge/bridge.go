// Package bridge runs awaitable and blocking tools side by side without one
// kind starving the other.
//
// Awaitable tools honor their context and each get their own goroutine.
// Blocking tools are admitted through a bounded set of slots so a handful of
// slow calls cannot pile up unbounded threads inside a worker. A tool that
// calls back into the engine already holds a slot; such nested calls are
// detected through the context and handed to a dedicated goroutine instead of
// queueing behind their own caller.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
)

// DefaultBlockingSlots bounds concurrent blocking tool calls per bridge.
const DefaultBlockingSlots = 4

type scopeKey struct{}

// InScope reports whether ctx belongs to a call already running inside a bridge.
func InScope(ctx context.Context) bool {
	_, ok := ctx.Value(scopeKey{}).(*Bridge)
	return ok
}

// Bridge dispatches tool calls.
type Bridge struct {
	slots  chan struct{}
	wg     conc.WaitGroup
	log    *logging.Logger
	active atomic.Int64
	peak   atomic.Int64
	nested atomic.Int64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(log *logging.Logger) Option {
	return func(b *Bridge) { b.log = log.WithComponent("bridge") }
}

// New creates a bridge with the given number of blocking slots.
func New(blockingSlots int, opts ...Option) *Bridge {
	if blockingSlots <= 0 {
		blockingSlots = DefaultBlockingSlots
	}
	b := &Bridge{
		slots: make(chan struct{}, blockingSlots),
		log:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type outcome struct {
	value any
	err   error
}

// Call invokes tool with args and waits for the result or for ctx to end.
// A blocking tool that ignores ctx keeps its slot until it returns.
func (b *Bridge) Call(ctx context.Context, tool *dragonflow.ResolvedTool, args map[string]any) (any, error) {
	if tool == nil || tool.Func == nil {
		return nil, dragonflow.NewInternalError("bridge", "tool has no callable", nil)
	}
	switch {
	case tool.Awaitable:
		return b.spawn(ctx, tool, args)
	case InScope(ctx):
		b.nested.Add(1)
		b.log.Debug("nested blocking call moved to dedicated goroutine", logging.Fields(logging.FieldTool, tool.QualifiedName))
		return b.spawn(ctx, tool, args)
	}

	select {
	case b.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, dragonflow.NewCancelledError("bridge", ctx.Err())
	}
	cur := b.active.Add(1)
	for {
		peak := b.peak.Load()
		if cur <= peak || b.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	release := func() {
		b.active.Add(-1)
		<-b.slots
	}
	return b.run(ctx, tool, args, release)
}

func (b *Bridge) spawn(ctx context.Context, tool *dragonflow.ResolvedTool, args map[string]any) (any, error) {
	return b.run(ctx, tool, args, func() {})
}

func (b *Bridge) run(ctx context.Context, tool *dragonflow.ResolvedTool, args map[string]any, release func()) (any, error) {
	done := make(chan outcome, 1)
	callCtx := context.WithValue(ctx, scopeKey{}, b)
	b.wg.Go(func() {
		defer release()
		var out outcome
		var pc panics.Catcher
		pc.Try(func() {
			out.value, out.err = tool.Func(callCtx, args)
		})
		if r := pc.Recovered(); r != nil {
			err := dragonflow.NewToolExecutionError("invoke", tool.QualifiedName, fmt.Errorf("panic: %v", r.Value))
			err.Stack = trimStack(string(r.Stack))
			out = outcome{err: err}
		}
		done <- out
	})
	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats reports bridge counters.
type Stats struct {
	Active int64
	Peak   int64
	Nested int64
}

// Stats returns a snapshot of the counters.
func (b *Bridge) Stats() Stats {
	return Stats{Active: b.active.Load(), Peak: b.peak.Load(), Nested: b.nested.Load()}
}

// Close waits for every dispatched call to return.
func (b *Bridge) Close() {
	b.wg.Wait()
}

// trimStack keeps the tool's frames from a goroutine dump.
func trimStack(dump string) []string {
	lines := strings.Split(strings.TrimSpace(dump), "\n")
	var out []string
	for i := 0; i < len(lines); i++ {
		fn := strings.TrimSpace(lines[i])
		if !strings.Contains(fn, "(") || strings.HasPrefix(fn, "goroutine ") {
			continue
		}
		loc := ""
		if i+1 < len(lines) {
			loc = strings.TrimSpace(lines[i+1])
			i++
		}
		if strings.HasPrefix(fn, "panic(") || strings.HasPrefix(fn, "runtime") ||
			strings.Contains(fn, "/internal/bridge.") || strings.Contains(fn, "sourcegraph/conc") {
			continue
		}
		out = append(out, fn+"\n\t"+loc)
	}
	return out
}
