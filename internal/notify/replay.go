package notify

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Deliveries remembers which notes already reached the storefront.
type Deliveries interface {
	// Claim reports whether eventID is new; false means it was delivered before.
	Claim(ctx context.Context, eventID string) (bool, error)
	// Forget drops a claim after a failed attempt so the note can be delivered again.
	Forget(ctx context.Context, eventID string) error
}

// RedisDeliveries stores delivery claims as expiring Redis keys.
type RedisDeliveries struct {
	R      redis.Cmdable
	Prefix string
	TTL    time.Duration
}

func (d RedisDeliveries) key(eventID string) string {
	if d.Prefix == "" {
		return "paygate:delivered:" + eventID
	}
	return d.Prefix + eventID
}

func (d RedisDeliveries) Claim(ctx context.Context, eventID string) (bool, error) {
	ttl := d.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return d.R.SetNX(ctx, d.key(eventID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (d RedisDeliveries) Forget(ctx context.Context, eventID string) error {
	return d.R.Del(ctx, d.key(eventID)).Err()
}
