package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/toko-paygate/internal/common"
)

// Checker pings the stores every payment flow depends on.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// ProcessorState reports the circuit in front of the payment processor and, while it is open, how
// long it keeps refusing calls.
type ProcessorState interface {
	ProcessorState() (state string, retryAfter time.Duration)
}

var draining atomic.Bool

// SetReady(false) starts draining: readiness fails while in-flight requests finish.
func SetReady(v bool) { draining.Store(!v) }

// Handler serves the liveness and readiness probes.
type Handler struct {
	Checker      Checker
	Processor    ProcessorState
	DBTimeout    time.Duration
	RedisTimeout time.Duration
}

func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Ready fails when Postgres or Redis is unreachable. The processor circuit is reported but never
// fails readiness, since cancel callbacks and reads keep working while PayPal is down.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if draining.Load() {
		common.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	if h.Checker == nil {
		common.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unconfigured"})
		return
	}

	dbStatus, redisStatus := "ok", "ok"
	var g errgroup.Group
	g.Go(func() error {
		if err := h.Checker.PingDB(r.Context(), orDefault(h.DBTimeout, 500*time.Millisecond)); err != nil {
			dbStatus = err.Error()
		}
		return nil
	})
	g.Go(func() error {
		if err := h.Checker.PingRedis(r.Context(), orDefault(h.RedisTimeout, 300*time.Millisecond)); err != nil {
			redisStatus = err.Error()
		}
		return nil
	})
	_ = g.Wait()

	body := map[string]string{"db": dbStatus, "redis": redisStatus}
	if h.Processor != nil {
		state, retryAfter := h.Processor.ProcessorState()
		body["paypal"] = state
		if retryAfter > 0 {
			body["paypal_retry_after"] = retryAfter.Round(time.Second).String()
		}
	}
	code := http.StatusOK
	if dbStatus != "ok" || redisStatus != "ok" {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, body)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
