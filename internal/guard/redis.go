package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRecords shares admission records between instances.
type RedisRecords struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewRedisRecords wraps a connected client.
func NewRedisRecords(client redis.UniversalClient, retention time.Duration) *RedisRecords {
	return &RedisRecords{client: client, retention: retention}
}

// DialRedis parses a redis:// URL and checks the connection.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (r *RedisRecords) Get(ctx context.Context, key string) (Record, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("corrupt admission record %q: %w", key, err)
	}
	return rec, true, nil
}

func (r *RedisRecords) Put(ctx context.Context, key string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, raw, r.retention).Err()
}
