package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryCounter keeps usage in process memory. Old windows are pruned on Add.
type MemoryCounter struct {
	mu   sync.Mutex
	used map[string]int64
	ends map[string]time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{used: map[string]int64{}, ends: map[string]time.Time{}}
}

func memKey(platform string, w Window) string {
	return platform + "|" + strconv.FormatInt(w.Start.Unix(), 10)
}

func (m *MemoryCounter) Used(_ context.Context, platform string, w Window) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[memKey(platform, w)], nil
}

func (m *MemoryCounter) Add(_ context.Context, platform string, w Window, units int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, end := range m.ends {
		if at.Sub(end) > 48*time.Hour {
			delete(m.ends, k)
			delete(m.used, k)
		}
	}
	k := memKey(platform, w)
	m.used[k] += units
	m.ends[k] = w.End
	return nil
}

// RedisCounter shares usage between processes with one INCRBY key per platform window.
type RedisCounter struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisCounter(rdb redis.Cmdable, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "crosspost:quota"
	}
	return &RedisCounter{rdb: rdb, prefix: prefix}
}

func (r *RedisCounter) key(platform string, w Window) string {
	return fmt.Sprintf("%s:%s:%d", r.prefix, platform, w.Start.Unix())
}

func (r *RedisCounter) Used(ctx context.Context, platform string, w Window) (int64, error) {
	n, err := r.rdb.Get(ctx, r.key(platform, w)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *RedisCounter) Add(ctx context.Context, platform string, w Window, units int64, _ time.Time) error {
	key := r.key(platform, w)
	pipe := r.rdb.TxPipeline()
	pipe.IncrBy(ctx, key, units)
	// Keep a day of slack so late readers still see the closed window.
	pipe.ExpireAt(ctx, key, w.End.Add(24*time.Hour))
	_, err := pipe.Exec(ctx)
	return err
}
