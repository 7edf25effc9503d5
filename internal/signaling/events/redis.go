package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes JSON-encoded events with Redis PUBLISH, using
// the event subject as the channel name.
type RedisPublisher struct {
	client redis.Cmdable
}

// NewRedisPublisher creates a publisher over an existing client. The client
// is owned by the caller.
func NewRedisPublisher(client redis.Cmdable) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.Type(), err)
	}
	if err := p.client.Publish(ctx, event.Subject(), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Subject(), err)
	}
	return nil
}

func (p *RedisPublisher) Close() error { return nil }
