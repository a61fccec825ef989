package snapshot

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
)

const redisKeyPrefix = "boombox:snapshot:"

// RedisStore keeps snapshots in Redis, one key per tenant. Suitable when
// the control plane may be rescheduled across hosts.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed snapshot store and verifies the
// connection with a ping.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "redis ping")
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Write(ctx context.Context, tenant string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	if err := s.client.Set(ctx, redisKeyPrefix+tenant, data, 0).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, tenant string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+tenant).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "redis get")
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		zlog.Warn().Str("tenant", tenant).Err(err).Msg("snapshot: corrupt record, treating as absent")
		return nil, nil
	}
	return &snap, nil
}

func (s *RedisStore) Delete(ctx context.Context, tenant string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+tenant).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
