package events

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisStreamPublisher appends events to one Redis stream, capped at
// roughly maxLen entries.
type RedisStreamPublisher struct {
	client streamClient
	stream string
	maxLen int64
}

// NewRedisStreamPublisher connects using a redis:// URL.
func NewRedisStreamPublisher(ctx context.Context, url, stream string) (*RedisStreamPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisStreamPublisher(client, stream), nil
}

func newRedisStreamPublisher(client streamClient, stream string) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: 100000}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := e.encode()
	if err != nil {
		return err
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type": string(e.Type),
			"data": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

func (p *RedisStreamPublisher) Close() error {
	return p.client.Close()
}
