package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps content in a redis instance so multiple nodes on one box
// can share a database.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

// Put stores data under (network, key) with no expiry.
func (s *RedisStore) Put(ctx context.Context, network string, key []byte, data []byte) error {
	return s.client.Set(ctx, storeKey(network, key), data, 0).Err()
}

// Get returns the stored bytes or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, network string, key []byte) ([]byte, error) {
	data, err := s.client.Get(ctx, storeKey(network, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Close releases the redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
