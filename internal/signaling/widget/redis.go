package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces widget records in Redis.
const DefaultKeyPrefix = "click2call:widget:"

// RedisProvider reads widgets stored as JSON strings under prefix+id.
type RedisProvider struct {
	client redis.Cmdable
	prefix string
}

// NewRedisProvider creates a provider. An empty prefix uses DefaultKeyPrefix.
func NewRedisProvider(client redis.Cmdable, prefix string) *RedisProvider {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisProvider{client: client, prefix: prefix}
}

// Get implements Provider.
func (p *RedisProvider) Get(ctx context.Context, id string) (*Widget, error) {
	data, err := p.client.Get(ctx, p.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get widget %s: %w", id, err)
	}

	var w Widget
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode widget %s: %w", id, err)
	}
	if w.ID == "" {
		w.ID = id
	}
	if err := Validate(&w); err != nil {
		return nil, err
	}
	return &w, nil
}
