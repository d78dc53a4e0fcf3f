package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-paygate/internal/events"
	"github.com/noah-isme/toko-paygate/internal/obs"
)

// Webhook forwards order notes to the storefront. It implements events.Notifier.
type Webhook struct {
	URL       string
	Secret    string
	Client    *http.Client
	Delivered Deliveries
	Now       func() time.Time
}

var _ events.Notifier = Webhook{}

type envelope struct {
	EventID    string          `json:"eventId"`
	Topic      string          `json:"topic"`
	OrderID    string          `json:"orderId"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Notify posts the note once. A non-2xx answer is an error; the caller only logs it, so a
// storefront outage never blocks a payment transition.
func (w Webhook) Notify(ctx context.Context, ev events.Event) (err error) {
	ctx, span := obs.StartSpan(ctx, "notify.webhook",
		attribute.String("event.topic", ev.Topic),
		attribute.String("order.id", ev.AggregateID))
	defer func() { obs.EndSpan(span, err) }()

	if err := ValidateURL(w.URL); err != nil {
		return err
	}
	if w.Delivered != nil {
		fresh, claimErr := w.Delivered.Claim(ctx, ev.ID)
		if claimErr != nil {
			return fmt.Errorf("notify: claim %s: %w", ev.ID, claimErr)
		}
		if !fresh {
			span.AddEvent("already delivered")
			return nil
		}
		defer func() {
			if err != nil {
				_ = w.Delivered.Forget(context.WithoutCancel(ctx), ev.ID)
			}
		}()
	}

	body, err := json.Marshal(envelope{
		EventID:    ev.ID,
		Topic:      ev.Topic,
		OrderID:    ev.AggregateID,
		Data:       ev.Payload,
		OccurredAt: ev.OccurredAt,
	})
	if err != nil {
		return err
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().Unix()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "toko-paygate-webhooks/1.0")
	req.Header.Set("X-Event-ID", ev.ID)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Signature", ComputeSignature(w.Secret, ts, ev.ID, body))

	client := w.Client
	if client == nil {
		client = HTTPClient(5 * time.Second)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver %s: %w", ev.Topic, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: deliver %s: status %d", ev.Topic, resp.StatusCode)
	}
	return nil
}

// ValidateURL accepts https endpoints, and plain http only on loopback hosts.
func ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
		return nil
	default:
		return errors.New("webhook url must be http or https")
	}
}

// ComputeSignature is the hex HMAC-SHA256 of "<ts>.<eventID>.<body>" under secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HTTPClient returns a traced client for webhook delivery.
func HTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
