package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avvvet/bookbuddy-intent/internal/models"
)

const (
	contextKeyPrefix = "context:"
	pruneRetries     = 3
)

// RedisStore implements Store with one Redis list per user
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration // key TTL, refreshed on every append
}

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	// Parse Redis URL
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreFromClient(client, ttl), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

// contextKey generates the Redis key for a user's history
func (r *RedisStore) contextKey(userID string) string {
	return contextKeyPrefix + userID
}

// Append pushes and trims in one MULTI/EXEC so the list never exceeds max
func (r *RedisStore) Append(ctx context.Context, userID string, entry models.ContextEntry, max int) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal context entry: %w", err)
	}

	key := r.contextKey(userID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-max), -1)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append context entry: %w", err)
	}
	return nil
}

// List loads a user's entries, oldest first
func (r *RedisStore) List(ctx context.Context, userID string) ([]models.ContextEntry, error) {
	raw, err := r.client.LRange(ctx, r.contextKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load context from Redis: %w", err)
	}
	return decodeEntries(raw)
}

// Prune scans every user key and drops expired heads
func (r *RedisStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	iter := r.client.Scan(ctx, 0, contextKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := r.pruneKey(ctx, iter.Val(), cutoff)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan context keys: %w", err)
	}
	return removed, nil
}

// pruneKey trims one list under WATCH so a concurrent append is never lost.
// Entries are appended in time order, so expired ones form a prefix.
func (r *RedisStore) pruneKey(ctx context.Context, key string, cutoff time.Time) (int, error) {
	var removed int
	prune := func(tx *redis.Tx) error {
		raw, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		entries, err := decodeEntries(raw)
		if err != nil {
			return err
		}

		removed = 0
		for _, e := range entries {
			if !e.Timestamp.Before(cutoff) {
				break
			}
			removed++
		}
		if removed == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if removed == len(entries) {
				pipe.Del(ctx, key)
			} else {
				pipe.LTrim(ctx, key, int64(removed), -1)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < pruneRetries; attempt++ {
		err := r.client.Watch(ctx, prune, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to prune %s: %w", key, err)
		}
		return removed, nil
	}
	return 0, fmt.Errorf("failed to prune %s: too much contention", key)
}

// Clear removes a user's history from Redis
func (r *RedisStore) Clear(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, r.contextKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear context: %w", err)
	}
	return nil
}

// Users lists users with a history key
func (r *RedisStore) Users(ctx context.Context) ([]string, error) {
	var users []string
	iter := r.client.Scan(ctx, 0, contextKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		users = append(users, strings.TrimPrefix(iter.Val(), contextKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan context keys: %w", err)
	}
	return users, nil
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Ping verifies the Redis connection is alive
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func decodeEntries(raw []string) ([]models.ContextEntry, error) {
	entries := make([]models.ContextEntry, 0, len(raw))
	for _, item := range raw {
		var entry models.ContextEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to parse context entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
