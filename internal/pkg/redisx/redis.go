// Package redisx holds the Redis-backed helpers of the orchestrator: a
// per-saga lock shared by every instance and a stream publisher for the
// saga event log.
package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "saga"

// NewClient connects to addr and checks the connection.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisx: ping %s: %w", addr, err)
	}
	return client, nil
}

// GenerateKey builds a namespaced key, e.g. saga:lock:<id>.
func GenerateKey(operation, key string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, operation, key)
}
