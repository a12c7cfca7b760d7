// Package storage holds the sinks node runs, line results and aggregation
// results are persisted to.
package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"github.com/ZanzyTHEbar/dragonflow"
)

// MemorySink keeps every record in process memory.
type MemorySink struct {
	mu           sync.RWMutex
	nodeRuns     map[string]*dragonflow.NodeRunInfo
	lines        map[string]map[int]*dragonflow.LineResult
	aggregations map[string]*dragonflow.AggregationResult
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		nodeRuns:     map[string]*dragonflow.NodeRunInfo{},
		lines:        map[string]map[int]*dragonflow.LineResult{},
		aggregations: map[string]*dragonflow.AggregationResult{},
	}
}

// PersistNodeRun stores run under its run id, replacing an earlier record.
func (s *MemorySink) PersistNodeRun(ctx context.Context, run *dragonflow.NodeRunInfo) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeRuns[run.RunID] = run
	return nil
}

// PersistLineResult stores the line under its flow run id and index.
func (s *MemorySink) PersistLineResult(ctx context.Context, line *dragonflow.LineResult) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lines[line.RunID] == nil {
		s.lines[line.RunID] = map[int]*dragonflow.LineResult{}
	}
	s.lines[line.RunID][line.Index] = line
	return nil
}

// PersistAggregation stores the aggregation result of a flow run.
func (s *MemorySink) PersistAggregation(ctx context.Context, flowRunID string, result *dragonflow.AggregationResult) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregations[flowRunID] = result
	return nil
}

// NodeRun returns the node run with the given id.
func (s *MemorySink) NodeRun(runID string) (*dragonflow.NodeRunInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.nodeRuns[runID]
	return run, ok
}

// Lines returns the lines of a flow run ordered by index.
func (s *MemorySink) Lines(flowRunID string) []*dragonflow.LineResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*dragonflow.LineResult, 0, len(s.lines[flowRunID]))
	for _, l := range s.lines[flowRunID] {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Aggregation returns the aggregation result of a flow run.
func (s *MemorySink) Aggregation(flowRunID string) (*dragonflow.AggregationResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.aggregations[flowRunID]
	return r, ok
}

// Len reports how many node runs are stored.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodeRuns)
}
