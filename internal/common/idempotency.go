package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	redis "github.com/redis/go-redis/v9"
)

const idemPending = "pending"

// Idem makes checkout attempts idempotent per Idempotency-Key. The first request for a key runs;
// later ones get 409 with the status the first one ended with, or "pending" while it still runs.
type Idem struct {
	R   redis.Cmdable
	TTL time.Duration
}

func (i Idem) key(path, header string) string {
	sum := sha256.Sum256([]byte(path + "\x00" + header))
	return "idem:" + hex.EncodeToString(sum[:])
}

func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ttl := i.TTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ctx := r.Context()
		key := i.key(r.URL.Path, header)

		first, err := i.R.SetNX(ctx, key, idemPending, ttl).Result()
		if err != nil {
			JSONError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store unavailable", nil)
			return
		}
		if !first {
			previous, _ := i.R.Get(ctx, key).Result()
			JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", map[string]string{"previous": previous})
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		// A server-side failure must not burn the key: the buyer retries the same attempt.
		bg := context.WithoutCancel(ctx)
		if status >= http.StatusInternalServerError {
			_ = i.R.Del(bg, key).Err()
			return
		}
		_ = i.R.Set(bg, key, strconv.Itoa(status), redis.KeepTTL).Err()
	})
}
