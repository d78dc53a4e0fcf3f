package health

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/toko-paygate/internal/resilience"
)

// Probes checks the Postgres pool and Redis client.
type Probes struct {
	DB    *pgxpool.Pool
	Redis redis.Cmdable
}

// PingDB implements Checker.
func (p Probes) PingDB(ctx context.Context, timeout time.Duration) error {
	if p.DB == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.DB.Ping(ctx)
}

// PingRedis implements Checker.
func (p Probes) PingRedis(ctx context.Context, timeout time.Duration) error {
	if p.Redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Redis.Ping(ctx).Err()
}

// BreakerState adapts a circuit breaker to ProcessorState.
type BreakerState struct {
	Breaker *resilience.Breaker
}

// ProcessorState implements ProcessorState.
func (b BreakerState) ProcessorState() (string, time.Duration) {
	if b.Breaker == nil {
		return "unguarded", 0
	}
	return b.Breaker.State().String(), b.Breaker.RetryAfter()
}
