package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" validate:"required"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
	PoolSize int           `mapstructure:"pool_size"`
}

// ApplyDefaults fills in unset fields.
func (c *RedisConfig) ApplyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "dragonflow:cache:"
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
}

// RedisStorage keeps one Redis list of JSON records per hash id.
type RedisStorage struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
	log    *logging.Logger
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, cfg RedisConfig, log *logging.Logger) (*RedisStorage, error) {
	cfg.ApplyDefaults()
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pong, err := rdb.Ping(ctx).Result()
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	if pong != "PONG" {
		_ = rdb.Close()
		return nil, fmt.Errorf("unexpected redis ping response: %s", pong)
	}
	if log == nil {
		log = logging.Nop()
	}
	log = log.WithComponent("cache-redis")
	log.Info("Redis cache connected", logging.Fields("addr", cfg.Addr, "db", cfg.DB))
	return &RedisStorage{rdb: rdb, prefix: cfg.Prefix, ttl: cfg.TTL, log: log}, nil
}

func (c *RedisStorage) key(hashID string) string { return c.prefix + hashID }

// GetRecords returns every record pushed under hashID.
func (c *RedisStorage) GetRecords(ctx context.Context, hashID string) ([]dragonflow.CacheRecord, error) {
	raw, err := c.rdb.LRange(ctx, c.key(hashID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	out := make([]dragonflow.CacheRecord, 0, len(raw))
	for _, item := range raw {
		var rec dragonflow.CacheRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			c.log.Warn("Skipping undecodable cache record", logging.Fields("hash_id", hashID, logging.FieldError, err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Store pushes a record and refreshes the list TTL.
func (c *RedisStorage) Store(ctx context.Context, record dragonflow.CacheRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}
	key := c.key(record.HashID)
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, payload)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

// Delete drops the list under hashID.
func (c *RedisStorage) Delete(ctx context.Context, hashID string) error {
	return c.rdb.Del(ctx, c.key(hashID)).Err()
}

// Close closes the Redis connection.
func (c *RedisStorage) Close() error {
	return c.rdb.Close()
}
