package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"market-sync/internal/tracker"
)

const keyPrefix = "latest:"

// RedisMirror copies committed prices to redis so other processes can read
// them and a restart can warm up from them.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisMirror(addr, password string, db int, ttl time.Duration) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisMirrorWithClient(client, ttl), nil
}

func NewRedisMirrorWithClient(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisMirror{client: client, ttl: ttl}
}

func key(instrument string) string {
	return keyPrefix + instrument
}

// Store writes rec under its instrument id.
func (m *RedisMirror) Store(ctx context.Context, rec tracker.PriceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal price: %w", err)
	}
	if err := m.client.Set(ctx, key(rec.InstrumentID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set latest price in redis: %w", err)
	}
	return nil
}

// Load returns the mirrored records that still exist for ids.
func (m *RedisMirror) Load(ctx context.Context, ids []string) ([]tracker.PriceRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}
	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get latest prices from redis: %w", err)
	}

	var out []tracker.PriceRecord
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec tracker.PriceRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal price %s: %w", keys[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Hook adapts Store to an aggregator update callback.
func (m *RedisMirror) Hook(timeout time.Duration, onErr func(error)) func(tracker.PriceRecord) {
	return func(rec tracker.PriceRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := m.Store(ctx, rec); err != nil && onErr != nil {
			onErr(err)
		}
	}
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
