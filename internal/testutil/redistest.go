package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisTest returns a client for REDIS_URL, or for a disposable Redis
// container when it is unset. The database is flushed on cleanup.
func RedisTest(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	ctx := context.Background()

	url := os.Getenv("REDIS_URL")
	terminate := func() {}
	if url == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForListeningPort("6379/tcp"),
			},
			Started: true,
		})
		if err != nil {
			t.Fatalf("redistest: start redis: %v", err)
		}
		terminate = func() { _ = container.Terminate(ctx) }
		endpoint, err := container.Endpoint(ctx, "redis")
		if err != nil {
			terminate()
			t.Fatalf("redistest: endpoint: %v", err)
		}
		url = endpoint
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		terminate()
		t.Fatalf("redistest: parse url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		terminate()
		t.Fatalf("redistest: ping: %v", err)
	}

	return client, func() {
		_ = client.FlushDB(ctx).Err()
		_ = client.Close()
		terminate()
	}
}
