// Package store defines the optional durable stores behind the bridge.
//
// Both interfaces MUST be replaceable with no-ops: the bridge's behavior is
// identical without them. EventLog journals dashboard events to a JSONL
// file for offline analysis; Cache offers an external key/value layer
// (Redis) for deployments that want prediction results shared across
// processes.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tradebridge/internal/config"
	"tradebridge/pkg/types"
)

// EventLog appends events to a durable journal.
type EventLog interface {
	Append(ctx context.Context, evt types.Event) error
	Close() error
}

// Cache is an external key/value store with TTL semantics.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Close() error
}

// Open selects implementations from config. Empty settings yield no-ops.
func Open(cfg config.StoreConfig) (EventLog, Cache, error) {
	var log EventLog = NopLog{}
	var cache Cache = NopCache{}

	if cfg.EventLogPath != "" {
		fl, err := OpenFileLog(cfg.EventLogPath)
		if err != nil {
			return nil, nil, err
		}
		log = fl
	}
	if cfg.RedisAddr != "" {
		cache = NewRedisCache(cfg.RedisAddr)
	}
	return log, cache, nil
}

// ————————————————————————————————————————————————————————————————————————
// No-op implementations (the default)
// ————————————————————————————————————————————————————————————————————————

// NopLog discards every event.
type NopLog struct{}

func (NopLog) Append(context.Context, types.Event) error { return nil }
func (NopLog) Close() error                              { return nil }

// NopCache never hits.
type NopCache struct{}

func (NopCache) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (NopCache) Set(context.Context, string, string, time.Duration) error {
	return nil
}
func (NopCache) Close() error { return nil }

// ————————————————————————————————————————————————————————————————————————
// File-backed event log
// ————————————————————————————————————————————————————————————————————————

// FileLog appends one JSON object per line. Appends are mutex-serialized;
// no fsync per event — the journal is an analysis aid, not a ledger.
type FileLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFileLog opens (creating if needed) the journal at path.
func OpenFileLog(path string) (*FileLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create event log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &FileLog{f: f}, nil
}

func (l *FileLog) Append(_ context.Context, evt types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Redis-backed cache
// ————————————————————————————————————————————————————————————————————————

// RedisCache wraps go-redis behind the Cache interface.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects lazily; errors surface on first use.
func NewRedisCache(addr string) *RedisCache {
	return &RedisCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error { return c.client.Close() }
