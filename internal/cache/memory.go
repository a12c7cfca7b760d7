package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"github.com/ZanzyTHEbar/dragonflow"
)

// MemoryStorage is a thread-safe in-process cache backend. Records never
// leave the process, so it only serves single-process runs and tests.
type MemoryStorage struct {
	mutex   sync.RWMutex
	records map[string][]dragonflow.CacheRecord
	ttl     time.Duration
}

// NewMemoryStorage creates a memory backend. A zero ttl keeps records forever;
// otherwise records older than ttl are ignored and dropped on the next write.
func NewMemoryStorage(ttl time.Duration) *MemoryStorage {
	return &MemoryStorage{
		records: make(map[string][]dragonflow.CacheRecord),
		ttl:     ttl,
	}
}

// GetRecords returns the live records stored under hashID.
func (c *MemoryStorage) GetRecords(ctx context.Context, hashID string) ([]dragonflow.CacheRecord, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.live(c.records[hashID], time.Now()), nil
}

// Store appends a record.
func (c *MemoryStorage) Store(ctx context.Context, record dragonflow.CacheRecord) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	existing := c.live(c.records[record.HashID], time.Now())
	c.records[record.HashID] = append(existing, record)
	return nil
}

// Delete removes every record under hashID.
func (c *MemoryStorage) Delete(ctx context.Context, hashID string) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, found := c.records[hashID]; !found {
		return errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}
	delete(c.records, hashID)
	return nil
}

// Len returns the number of stored records.
func (c *MemoryStorage) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	n := 0
	for _, recs := range c.records {
		n += len(recs)
	}
	return n
}

func (c *MemoryStorage) live(recs []dragonflow.CacheRecord, now time.Time) []dragonflow.CacheRecord {
	out := make([]dragonflow.CacheRecord, 0, len(recs))
	for _, r := range recs {
		if c.ttl > 0 && now.Sub(r.ProducedAt) > c.ttl {
			continue
		}
		out = append(out, r)
	}
	return out
}
