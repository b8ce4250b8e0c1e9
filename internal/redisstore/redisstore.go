// Package redisstore constructs the shared Redis client used by the
// session, whitelist, counter, and access-log stores.
package redisstore

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hlsgate/hlsgate/internal/config"
)

// New builds a Redis client from configuration and verifies connectivity
// with a bounded ping. Mode selects single node, cluster, or sentinel.
func New(cfg config.RedisConfig) (goredis.UniversalClient, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var client goredis.UniversalClient

	switch cfg.Mode {
	case "cluster":
		client = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:       cfg.Addrs,
			Password:    cfg.Password,
			DialTimeout: timeout,
			PoolSize:    cfg.PoolSize,
		})
	case "sentinel":
		client = goredis.NewFailoverClient(&goredis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
			DialTimeout:   timeout,
			PoolSize:      cfg.PoolSize,
		})
	default:
		client = goredis.NewClient(&goredis.Options{
			Addr:        cfg.Addr(),
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: timeout,
			PoolSize:    cfg.PoolSize,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

// Ping probes Redis with a bounded timeout. Used by the health endpoint.
func Ping(ctx context.Context, client goredis.UniversalClient, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.Ping(ctx).Err()
}
