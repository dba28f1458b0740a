package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Dialer establishes the connection manager used by the distributed tier.
// The returned client owns pooling and reconnection.
type Dialer func(ctx context.Context) (redis.UniversalClient, error)

// RedisDialer returns a Dialer that builds a go-redis universal client from
// opts and verifies it with a PING.
func RedisDialer(opts *redis.UniversalOptions) Dialer {
	return func(ctx context.Context) (redis.UniversalClient, error) {
		client := redis.NewUniversalClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, err
		}
		return client, nil
	}
}

// ClientDialer wraps an already constructed client.
func ClientDialer(client redis.UniversalClient) Dialer {
	return func(ctx context.Context) (redis.UniversalClient, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		return client, nil
	}
}
