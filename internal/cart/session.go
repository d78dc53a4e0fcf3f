package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Session is a handle on one buyer's active cart.
type Session interface {
	ID() string
	Empty(ctx context.Context) error
}

// Carts resolves buyer cart sessions stored in Redis by the storefront.
type Carts struct {
	R      redis.Cmdable
	Prefix string
}

// Session returns the handle for sessionID. An empty id yields a handle whose Empty is a no-op.
func (c Carts) Session(sessionID string) Session {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || c.R == nil {
		return None{}
	}
	prefix := c.Prefix
	if prefix == "" {
		prefix = "cart:"
	}
	return &redisSession{r: c.R, id: sessionID, key: prefix + sessionID}
}

type redisSession struct {
	r   redis.Cmdable
	id  string
	key string
}

func (s *redisSession) ID() string { return s.id }

// Empty removes the cart contents together with any applied coupon entries.
func (s *redisSession) Empty(ctx context.Context) error {
	if err := s.r.Del(ctx, s.key, s.key+":items", s.key+":coupons").Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cart: empty session %s: %w", s.id, err)
	}
	return nil
}

// None is a Session for requests without a cart cookie.
type None struct{}

func (None) ID() string { return "" }
func (None) Empty(context.Context) error { return nil }
