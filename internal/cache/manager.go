// Package cache memoizes node outputs across runs and processes.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
	"github.com/ZanzyTHEbar/dragonflow/internal/retry"
)

// Key identifies a cacheable invocation.
type Key struct {
	HashID      string
	CacheString string
	FlowID      string
}

// KeyErrorHandler receives failures of a tool's cache key function.
type KeyErrorHandler func(tool string, err error)

// Manager computes cache keys and reads and writes records through a backend.
// Backend failures are logged and never surface to callers.
type Manager struct {
	storage    dragonflow.CacheStorage
	policy     retry.Policy
	log        *logging.Logger
	onKeyError KeyErrorHandler
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger. Cache key failures go to a "cache-key"
// child logger unless WithKeyErrorHandler overrides it.
func WithLogger(log *logging.Logger) Option {
	return func(m *Manager) { m.log = log.WithComponent("cache") }
}

// WithRetryPolicy sets the policy wrapped around backend calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithKeyErrorHandler replaces the default WARN log for failing key functions.
func WithKeyErrorHandler(h KeyErrorHandler) Option {
	return func(m *Manager) { m.onKeyError = h }
}

// NewManager creates a manager over storage.
func NewManager(storage dragonflow.CacheStorage, opts ...Option) *Manager {
	m := &Manager{
		storage: storage,
		policy:  retry.Policy{Tries: 3, Delay: 50 * time.Millisecond, Backoff: 2},
		log:     logging.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.onKeyError == nil {
		keyLog := m.log.WithComponent("cache-key")
		m.onKeyError = func(tool string, err error) {
			keyLog.Warn("Cache key function failed; caching skipped", logging.Fields(logging.FieldTool, tool, logging.FieldError, err))
		}
	}
	return m
}

// ComputeKey derives the cache key for an invocation. It reports false when
// the tool declares no key function or the key function fails.
func (m *Manager) ComputeKey(flowID string, tool *dragonflow.ResolvedTool, args map[string]any) (*Key, bool) {
	if m == nil || m.storage == nil || tool == nil || tool.CacheKey == nil {
		return nil, false
	}
	var subset map[string]any
	var keyErr error
	var catcher panics.Catcher
	catcher.Try(func() { subset, keyErr = tool.CacheKey(args) })
	if r := catcher.Recovered(); r != nil {
		keyErr = fmt.Errorf("cache key function panicked: %v", r.Value)
	}
	if keyErr != nil {
		m.onKeyError(tool.QualifiedName, keyErr)
		return nil, false
	}
	cacheString, err := CacheString(flowID, tool.QualifiedName, subset)
	if err != nil {
		m.onKeyError(tool.QualifiedName, err)
		return nil, false
	}
	return &Key{HashID: HashID(cacheString), CacheString: cacheString, FlowID: flowID}, true
}

// Lookup returns the newest record under key.
func (m *Manager) Lookup(ctx context.Context, key *Key) (*dragonflow.CacheRecord, bool) {
	if key == nil {
		return nil, false
	}
	records, err := retry.Do(ctx, m.policy, func(ctx context.Context) ([]dragonflow.CacheRecord, error) {
		return m.storage.GetRecords(ctx, key.HashID)
	})
	if err != nil {
		m.log.Warn("Cache lookup failed", logging.Fields("hash_id", key.HashID, logging.FieldError, dragonflow.NewCacheError("lookup", "get_records", err)))
		return nil, false
	}
	var newest *dragonflow.CacheRecord
	for i := range records {
		r := &records[i]
		if r.CacheString != key.CacheString {
			continue
		}
		if newest == nil || r.ProducedAt.After(newest.ProducedAt) {
			newest = r
		}
	}
	if newest == nil {
		return nil, false
	}
	out := *newest
	return &out, true
}

// Store records a completed node run under key. Incomplete runs are ignored.
func (m *Manager) Store(ctx context.Context, key *Key, run *dragonflow.NodeRunInfo) {
	if key == nil || run == nil || run.Status != dragonflow.StatusCompleted {
		return
	}
	produced := run.EndTime
	if produced.IsZero() {
		produced = m.now()
	}
	rec := dragonflow.CacheRecord{
		HashID:      key.HashID,
		CacheString: key.CacheString,
		RunID:       run.RunID,
		FlowRunID:   run.FlowRunID,
		FlowID:      key.FlowID,
		Output:      run.Output,
		ProducedAt:  produced,
	}
	err := retry.DoErr(ctx, m.policy, func(ctx context.Context) error {
		return m.storage.Store(ctx, rec)
	})
	if err != nil {
		m.log.Warn("Cache store failed", logging.Fields("hash_id", key.HashID, logging.FieldNode, run.Node, logging.FieldError, dragonflow.NewCacheError("store", "store", err)))
	}
}

// CacheString is the canonical text a cache key hashes: the cache-relevant
// arguments, the flow id and the tool's qualified name as JSON with sorted keys.
func CacheString(flowID, tool string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	b, err := json.Marshal(map[string]any{
		"args":    args,
		"flow_id": flowID,
		"tool":    tool,
	})
	if err != nil {
		return "", fmt.Errorf("cache arguments are not serializable: %w", err)
	}
	return string(b), nil
}

// HashID is the hex SHA-1 of a cache string.
func HashID(cacheString string) string {
	sum := sha1.Sum([]byte(cacheString))
	return hex.EncodeToString(sum[:])
}
