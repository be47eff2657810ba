package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketbridge/marketbridge/internal/config"
	"github.com/marketbridge/marketbridge/internal/core"
)

const (
	redisHistoryLimit = 1000
	redisPingTimeout  = 5 * time.Second
	redisRateLimitTTL = 2 * time.Hour
	redisWatchRetries = 10
)

// RedisStore shares window limiter state and recent history between
// dispatcher instances.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis address is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	keyPrefix = strings.TrimSuffix(strings.TrimSpace(keyPrefix), ":")
	if keyPrefix == "" {
		keyPrefix = config.AppName
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// Close releases the client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Ping verifies the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("store is not initialized")
	}
	return s.client.Ping(ctx).Err()
}

// Driver returns the store driver name.
func (s *RedisStore) Driver() string {
	return "redis"
}

func (s *RedisStore) key(kind, marketplace string) string {
	return s.keyPrefix + ":" + kind + ":" + marketplace
}

// GetRateLimit returns stored window limiter state, or nil when absent.
func (s *RedisStore) GetRateLimit(ctx context.Context, marketplace string) (*core.RateLimitState, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("store is not initialized")
	}
	marketplace = strings.TrimSpace(marketplace)
	if marketplace == "" {
		return nil, errors.New("marketplace is required")
	}

	raw, err := s.client.Get(ctx, s.key("ratelimit", marketplace)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch rate limit: %w", err)
	}

	var state core.RateLimitState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode rate limit: %w", err)
	}
	return &state, nil
}

// UpdateRateLimit persists window limiter state. State expires after two
// hours, which outlives the longest window.
func (s *RedisStore) UpdateRateLimit(ctx context.Context, marketplace string, state *core.RateLimitState) error {
	if s == nil || s.client == nil {
		return errors.New("store is not initialized")
	}
	marketplace = strings.TrimSpace(marketplace)
	if marketplace == "" {
		return errors.New("marketplace is required")
	}
	if state == nil {
		return errors.New("rate limit state is required")
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode rate limit: %w", err)
	}
	if err := s.client.Set(ctx, s.key("ratelimit", marketplace), raw, redisRateLimitTTL).Err(); err != nil {
		return fmt.Errorf("store rate limit: %w", err)
	}
	return nil
}

// ModifyRateLimit applies fn to the stored state inside WATCH/MULTI so
// dispatchers sharing the server cannot overwrite each other's counts. A
// missing key reaches fn as zero state. Conflicting writers retry.
func (s *RedisStore) ModifyRateLimit(ctx context.Context, marketplace string, fn func(*core.RateLimitState) bool) error {
	if s == nil || s.client == nil {
		return errors.New("store is not initialized")
	}
	marketplace = strings.TrimSpace(marketplace)
	if marketplace == "" {
		return errors.New("marketplace is required")
	}
	key := s.key("ratelimit", marketplace)

	txf := func(tx *redis.Tx) error {
		var state core.RateLimitState
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("fetch rate limit: %w", err)
		default:
			if err := json.Unmarshal(raw, &state); err != nil {
				return fmt.Errorf("decode rate limit: %w", err)
			}
		}

		if !fn(&state) {
			return nil
		}
		out, err := json.Marshal(&state)
		if err != nil {
			return fmt.Errorf("encode rate limit: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redisRateLimitTTL)
			return nil
		})
		return err
	}

	for i := 0; i < redisWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update rate limit %q: too much contention", marketplace)
}

// Record pushes a metrics sample onto the marketplace's bounded history.
func (s *RedisStore) Record(ctx context.Context, rec core.MetricsRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	return s.push(ctx, "metrics", rec.Marketplace, rec)
}

// RecordHealth pushes a health record onto the marketplace's bounded history.
func (s *RedisStore) RecordHealth(ctx context.Context, rec core.HealthRecord) error {
	if rec.CheckedAt.IsZero() {
		rec.CheckedAt = time.Now().UTC()
	}
	return s.push(ctx, "health", rec.Marketplace, rec)
}

func (s *RedisStore) push(ctx context.Context, kind, marketplace string, value any) error {
	if s == nil || s.client == nil {
		return errors.New("store is not initialized")
	}
	if strings.TrimSpace(marketplace) == "" {
		return errors.New("marketplace is required")
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}

	key := s.key(kind, marketplace)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, redisHistoryLimit-1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store %s: %w", kind, err)
	}
	return nil
}

// ListMetrics returns samples for q.Marketplace newest first. Only the
// bounded recent history kept in Redis is visible.
func (s *RedisStore) ListMetrics(ctx context.Context, q MetricsQuery) ([]core.MetricsRecord, error) {
	return listHistory(ctx, s, "metrics", q, func(rec core.MetricsRecord) time.Time { return rec.RecordedAt })
}

// ListHealth returns health records for q.Marketplace newest first.
func (s *RedisStore) ListHealth(ctx context.Context, q MetricsQuery) ([]core.HealthRecord, error) {
	return listHistory(ctx, s, "health", q, func(rec core.HealthRecord) time.Time { return rec.CheckedAt })
}

// listHistory walks a newest-first list and stops at q.Limit entries or
// the first entry older than q.Since.
func listHistory[T any](ctx context.Context, s *RedisStore, kind string, q MetricsQuery, at func(T) time.Time) ([]T, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("store is not initialized")
	}
	name := strings.TrimSpace(q.Marketplace)
	if name == "" {
		return nil, errors.New("marketplace is required")
	}
	values, err := s.client.LRange(ctx, s.key(kind, name), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}

	out := make([]T, 0, len(values))
	for _, raw := range values {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		var rec T
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if !q.Since.IsZero() && at(rec).Before(q.Since) {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

// ResetMetrics drops stored metrics and health history for a marketplace.
func (s *RedisStore) ResetMetrics(ctx context.Context, marketplace string) (int64, error) {
	if s == nil || s.client == nil {
		return 0, errors.New("store is not initialized")
	}
	if strings.TrimSpace(marketplace) == "" {
		return 0, errors.New("marketplace is required")
	}
	n, err := s.client.Del(ctx, s.key("metrics", marketplace), s.key("health", marketplace)).Result()
	if err != nil {
		return 0, fmt.Errorf("reset metrics: %w", err)
	}
	return n, nil
}
