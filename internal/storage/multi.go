package storage

import (
	"context"

	"github.com/sourcegraph/conc/pool"

	"github.com/ZanzyTHEbar/dragonflow"
)

// Multi fans every write out to several sinks concurrently. A write fails
// when any sink fails; the other sinks still receive it.
type Multi []dragonflow.RunStorage

func (m Multi) each(ctx context.Context, fn func(ctx context.Context, s dragonflow.RunStorage) error) error {
	p := pool.New().WithErrors().WithContext(ctx)
	for _, s := range m {
		sink := s
		p.Go(func(ctx context.Context) error { return fn(ctx, sink) })
	}
	return p.Wait()
}

func (m Multi) PersistNodeRun(ctx context.Context, run *dragonflow.NodeRunInfo) error {
	return m.each(ctx, func(ctx context.Context, s dragonflow.RunStorage) error {
		return s.PersistNodeRun(ctx, run)
	})
}

func (m Multi) PersistLineResult(ctx context.Context, line *dragonflow.LineResult) error {
	return m.each(ctx, func(ctx context.Context, s dragonflow.RunStorage) error {
		return s.PersistLineResult(ctx, line)
	})
}

func (m Multi) PersistAggregation(ctx context.Context, flowRunID string, result *dragonflow.AggregationResult) error {
	return m.each(ctx, func(ctx context.Context, s dragonflow.RunStorage) error {
		return s.PersistAggregation(ctx, flowRunID, result)
	})
}
