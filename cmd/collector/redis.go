package main

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// redisPublisherAdapter satisfies uiqueue.RedisPublisher against a real
// go-redis client, the concrete implementation behind the narrow seam
// internal/uiqueue tests against.
type redisPublisherAdapter struct {
	client *redis.Client
}

func newRedisPublisher(addr string) (*redisPublisherAdapter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &redisPublisherAdapter{client: client}, nil
}

func (a *redisPublisherAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.client.Publish(ctx, channel, message).Err()
}
