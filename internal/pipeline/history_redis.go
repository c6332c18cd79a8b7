package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// HistoryStore persists the conversation log of each session.
type HistoryStore interface {
	Append(ctx context.Context, sessionID string, entries ...HistoryEntry) error
	Load(ctx context.Context, sessionID string) ([]HistoryEntry, error)
}

// RedisHistoryStore keeps one Redis list per session, refreshed to ttl on
// every append.
type RedisHistoryStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisHistoryConfig holds connection settings for NewRedisHistoryStore.
type RedisHistoryConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// NewRedisHistoryStore connects and pings Redis.
func NewRedisHistoryStore(ctx context.Context, cfg RedisHistoryConfig) (*RedisHistoryStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "voicechat:"
	}
	return &RedisHistoryStore{client: client, prefix: prefix + "history:", ttl: cfg.TTL}, nil
}

func (s *RedisHistoryStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Append pushes entries in order.
func (s *RedisHistoryStore) Append(ctx context.Context, sessionID string, entries ...HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]any, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal history entry: %w", err)
		}
		values = append(values, data)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.key(sessionID), values...)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(sessionID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history append: %w", err)
	}
	return nil
}

// Load returns the whole log, oldest first. An unknown session yields an
// empty log.
func (s *RedisHistoryStore) Load(ctx context.Context, sessionID string) ([]HistoryEntry, error) {
	raw, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history load: %w", err)
	}
	entries := make([]HistoryEntry, 0, len(raw))
	for _, r := range raw {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Ping checks connectivity.
func (s *RedisHistoryStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisHistoryStore) Close() error {
	return s.client.Close()
}
