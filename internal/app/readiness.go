package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a dependency capable of Ping, covering
// both the pgx pool and the queue producer.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface{ Ping(ctx context.Context) RedisPingResult }

// BuildReadinessChecks returns three readiness checks: db, redis, and the
// queue broker. A nil dependency yields a check that always fails, so a
// misconfigured deployment is visible on /readyz instead of silently green.
func BuildReadinessChecks(pool Pinger, rdb RedisClient, queue Pinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	kafkaCheck := func(ctx context.Context) error {
		if queue == nil {
			return fmt.Errorf("queue not configured")
		}
		return queue.Ping(ctx)
	}
	return dbCheck, redisCheck, kafkaCheck
}
