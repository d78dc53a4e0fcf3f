package obs

import (
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger returns the process logger writing to stdout. Format "console" (or "text") switches to
// the human readable writer; an unknown level falls back to info.
func NewLogger(format, level string) zerolog.Logger {
	return newLogger(os.Stdout, format, level)
}

func newLogger(w io.Writer, format, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// sensitiveParams are query parameters that identify a buyer's approval and never reach the logs.
var sensitiveParams = []string{"token", "PayerID", "paymentId", "ba_token"}

// RedactQuery masks approval tokens and payer ids in a raw query string.
func RedactQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "[unparseable]"
	}
	for _, key := range sensitiveParams {
		if _, ok := values[key]; ok {
			values.Set(key, "redacted")
		}
	}
	return values.Encode()
}

// RequestLogger writes one access log line per request. Handlers can enrich the request scoped
// logger (zerolog.Ctx) and the extra fields land on that line.
type RequestLogger struct {
	Logger zerolog.Logger
}

func (l RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqLogger := l.Logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
		ctx := reqLogger.WithContext(r.Context())
		ww := wrap(w, r)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := statusOf(ww)
		evt := zerolog.Ctx(ctx).Info()
		if status >= http.StatusInternalServerError {
			evt = zerolog.Ctx(ctx).Error()
		}
		evt = evt.
			Str("method", r.Method).
			Str("route", routeOf(r)).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Int("bytes", ww.BytesWritten()).
			Str("remote_addr", r.RemoteAddr)
		if q := RedactQuery(r.URL.RawQuery); q != "" {
			evt = evt.Str("query", q)
		}
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			evt = evt.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
		}
		if ua := r.UserAgent(); ua != "" {
			evt = evt.Str("user_agent", ua)
		}
		evt.Msg("http_request")
	})
}
