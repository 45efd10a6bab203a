package ratelimit

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps windows in process memory under a single lock.
// Concurrent Records for the same key serialize on the mutex, so two
// racing callers cannot both slip under a limit their combined count
// would exceed.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]time.Time)}
}

func (s *MemoryStore) Record(ctx context.Context, key string, at time.Time, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := at.Add(-window)
	kept := s.entries[key][:0]
	for _, ts := range s.entries[key] {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.entries[key] = append(kept, at)
	return nil
}

func (s *MemoryStore) Timestamps(ctx context.Context, key string, since time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []time.Time
	for _, ts := range s.entries[key] {
		if !ts.Before(since) {
			out = append(out, ts)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// RedisStore keeps each window in a sorted set scored by unix nanos, so
// every instance of the service counts against the same window. ZADD is
// atomic on the server side, which gives the per-key serialization the
// memory store gets from its mutex.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Record(ctx context.Context, key string, at time.Time, window time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.UnixNano()),
		Member: strconv.FormatInt(at.UnixNano(), 10),
	})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(at.Add(-window).UnixNano(), 10))
	pipe.Expire(ctx, key, window)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Timestamps(ctx context.Context, key string, since time.Time) ([]time.Time, error) {
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]time.Time, 0, len(members))
	for _, m := range members {
		nanos, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, time.Unix(0, nanos))
	}
	return out, nil
}
