package containers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

const redisImage = "redis:7-alpine"

// Redis starts a Redis container and returns a redis:// URL for it.
func Redis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := redis.Run(ctx, redisImage)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "failed to start redis container")

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	return url
}
