package executor

import (
	"sync"
	"time"

	"github.com/ZanzyTHEbar/dragonflow"
)

// Recorder receives node observations, typically *metrics.Metrics.
type Recorder interface {
	ObserveNode(flow, status string, d time.Duration)
	ObserveCache(hit bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveNode(string, string, time.Duration) {}
func (nopRecorder) ObserveCache(bool)                         {}

// ExecutorMetrics tracks statistics about node execution.
type ExecutorMetrics struct {
	NodesExecuted    int
	NodesCompleted   int
	NodesFailed      int
	NodesBypassed    int
	NodesCanceled    int
	CacheHits        int
	TotalDuration    time.Duration
	LongestNodeTime  time.Duration
	ShortestNodeTime time.Duration

	mu sync.Mutex
}

func (m *ExecutorMetrics) observe(run *dragonflow.NodeRunInfo, cached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch run.Status {
	case dragonflow.StatusCompleted:
		m.NodesCompleted++
	case dragonflow.StatusFailed:
		m.NodesFailed++
	case dragonflow.StatusBypassed:
		m.NodesBypassed++
		return
	case dragonflow.StatusCanceled:
		m.NodesCanceled++
	}
	if cached {
		m.CacheHits++
		return
	}
	d := run.Duration()
	m.NodesExecuted++
	m.TotalDuration += d
	if d > m.LongestNodeTime {
		m.LongestNodeTime = d
	}
	if d > 0 && (m.ShortestNodeTime == 0 || d < m.ShortestNodeTime) {
		m.ShortestNodeTime = d
	}
}

// Copy returns a snapshot without the mutex.
func (m *ExecutorMetrics) Copy() ExecutorMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ExecutorMetrics{
		NodesExecuted:    m.NodesExecuted,
		NodesCompleted:   m.NodesCompleted,
		NodesFailed:      m.NodesFailed,
		NodesBypassed:    m.NodesBypassed,
		NodesCanceled:    m.NodesCanceled,
		CacheHits:        m.CacheHits,
		TotalDuration:    m.TotalDuration,
		LongestNodeTime:  m.LongestNodeTime,
		ShortestNodeTime: m.ShortestNodeTime,
	}
}

// nodeCounts summarizes a set of node runs for AggregationResult.Metrics.
func nodeCounts(runs map[string]*dragonflow.NodeRunInfo) map[string]any {
	out := map[string]any{}
	var total time.Duration
	for _, r := range runs {
		key := string(r.Status)
		n, _ := out[key].(int)
		out[key] = n + 1
		total += r.Duration()
	}
	out["duration_ms"] = total.Milliseconds()
	return out
}
