package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPostgresStorage(t *testing.T) {
	dsn := os.Getenv("DRAGONFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DRAGONFLOW_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := NewPostgresPool(ctx, dsn, 2)
	if err != nil {
		t.Fatalf("NewPostgresPool: %v", err)
	}
	defer pool.Close()
	c, err := NewPostgresStorage(ctx, pool)
	if err != nil {
		t.Fatalf("NewPostgresStorage: %v", err)
	}

	hash := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)
	_ = c.Store(ctx, record(hash, now, "old"))
	_ = c.Store(ctx, record(hash, now.Add(time.Second), "new"))
	got, err := c.GetRecords(ctx, hash)
	if err != nil {
		t.Fatalf("GetRecords: %v", err)
	}
	if len(got) != 2 || got[0].Output != "new" {
		t.Fatalf("unexpected records %+v", got)
	}
	if err := c.Delete(ctx, hash); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}
