package containers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisContainer is a real Redis for tests that need server-side Lua and
// expiry semantics beyond what miniredis emulates.
type RedisContainer struct {
	*tcredis.RedisContainer
	Addr string
}

// NewRedisContainer starts a Redis test container.
func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	addr, err := container.Endpoint(ctx, "")
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		return nil, fmt.Errorf("failed to get redis endpoint: %w", err)
	}

	return &RedisContainer{RedisContainer: container, Addr: addr}, nil
}
