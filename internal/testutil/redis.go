package testutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
)

// OpenRedis connects to TEST_REDIS_ADDR and returns a client plus a key
// prefix unique to the test. Keys under the prefix are deleted on cleanup.
// The test is skipped when no address is configured.
func OpenRedis(t *testing.T, prefix string) (*redis.Client, string) {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("Redis test address not set: export TEST_REDIS_ADDR to run")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("ping redis: %v", err)
	}

	keyPrefix := fmt.Sprintf("%s:", newSchemaName(prefix))
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			_ = client.Del(ctx, iter.Val()).Err()
		}
		_ = client.Close()
	})

	return client, keyPrefix
}
