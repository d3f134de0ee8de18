package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aiox-platform/kbchat/internal/llm"
)

const (
	DefaultKey        = "kbchat:transcript"
	DefaultMaxEntries = 1000
	DefaultTTL        = 30 * 24 * time.Hour
)

// RedisStore keeps the most recent messages in a capped Redis list.
type RedisStore struct {
	client     *redis.Client
	key        string
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

func NewRedisStore(client *redis.Client, key string, maxEntries int, ttl time.Duration) *RedisStore {
	if key == "" {
		key = DefaultKey
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &RedisStore{client: client, key: key, maxEntries: maxEntries, ttl: ttl, now: time.Now}
}

// Record appends a message and trims the list to maxEntries.
func (s *RedisStore) Record(ctx context.Context, role llm.Role, text string) error {
	data, err := json.Marshal(Entry{Role: string(role), Content: text, Timestamp: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.key, string(data))
	pipe.LTrim(ctx, s.key, int64(-s.maxEntries), -1)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec for %s: %w", s.key, err)
	}
	return nil
}

// Recent returns up to limit of the newest entries, oldest first.
func (s *RedisStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	vals, err := s.client.LRange(ctx, s.key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", s.key, err)
	}

	entries := make([]Entry, 0, len(vals))
	for _, v := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue // skip malformed entries
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Clear deletes the whole transcript.
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}
