package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/plutov/paypal/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-paygate/internal/common"
	"github.com/noah-isme/toko-paygate/internal/config"
	"github.com/noah-isme/toko-paygate/internal/order"
	"github.com/noah-isme/toko-paygate/internal/payment"
	"github.com/noah-isme/toko-paygate/internal/pricing"
	"github.com/noah-isme/toko-paygate/internal/resilience"
)

// fakePayPal serves the subset of the PayPal REST API the client uses.
type fakePayPal struct {
	mu          sync.Mutex
	createBody  map[string]any
	refundBody  map[string]any
	failWith    int
	failBody    string
	orderStatus string
	// captures overrides the captures reported by capture and get calls.
	captures string
}

func (f *fakePayPal) capturesJSON() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captures != "" {
		return f.captures
	}
	return `[{"id":"CAP-1","status":"COMPLETED","amount":{"currency_code":"USD","value":"29.50"}}]`
}

func (f *fakePayPal) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"name":"invalid_client","message":"Client Authentication failed"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"access_token":"tok","token_type":"Bearer","expires_in":32400}`)
	})
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		if f.fail(w) {
			return
		}
		body := map[string]any{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.createBody = body
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, `{"id":"ORDER-1","status":"CREATED","links":[
			{"href":"https://api.sandbox.paypal.com/v2/checkout/orders/ORDER-1","rel":"self","method":"GET"},
			{"href":"https://www.sandbox.paypal.com/checkoutnow?token=ORDER-1","rel":"approve","method":"GET"}]}`)
	})
	mux.HandleFunc("/v2/checkout/orders/ORDER-1", func(w http.ResponseWriter, r *http.Request) {
		if f.fail(w) {
			return
		}
		f.mu.Lock()
		status := f.orderStatus
		f.mu.Unlock()
		if status == "" {
			status = "APPROVED"
		}
		payments := ""
		if status == "COMPLETED" {
			payments = `,"payments":{"captures":` + f.capturesJSON() + `}`
		}
		writeJSON(w, http.StatusOK, `{"id":"ORDER-1","status":"`+status+`","payer":{"payer_id":"PAYER-1"},
			"purchase_units":[{"reference_id":"1001","invoice_id":"inv-1","amount":{"currency_code":"USD","value":"29.50",
			"breakdown":{"item_total":{"currency_code":"USD","value":"25.00"},"shipping":{"currency_code":"USD","value":"3.00"},
			"tax_total":{"currency_code":"USD","value":"1.50"}}}`+payments+`}]}`)
	})
	mux.HandleFunc("/v2/checkout/orders/ORDER-1/capture", func(w http.ResponseWriter, r *http.Request) {
		if f.fail(w) {
			return
		}
		writeJSON(w, http.StatusCreated, `{"id":"ORDER-1","status":"COMPLETED","purchase_units":[{"reference_id":"1001",
			"payments":{"captures":`+f.capturesJSON()+`}}]}`)
	})
	mux.HandleFunc("/v2/payments/captures/CAP-1/refund", func(w http.ResponseWriter, r *http.Request) {
		if f.fail(w) {
			return
		}
		body := map[string]any{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.refundBody = body
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, `{"id":"REF-1","status":"COMPLETED"}`)
	})
	return mux
}

func (f *fakePayPal) fail(w http.ResponseWriter) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith == 0 {
		return false
	}
	writeJSON(w, f.failWith, f.failBody)
	return true
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func newPayPal(t *testing.T, fake *fakePayPal, breaker *resilience.Breaker) *payment.PayPal {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	client, err := payment.NewPayPal(settings(), payment.PayPalOptions{
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
		Breaker: breaker,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return client
}

func TestPayPalLifecycle(t *testing.T) {
	fake := &fakePayPal{}
	client := newPayPal(t, fake, nil)
	ctx := context.Background()

	b := &payment.Builder{Settings: settings()}
	req, err := b.BuildRequest(sampleOrder("1001", order.StatusPending))
	require.NoError(t, err)

	intent, err := client.CreatePayment(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "ORDER-1", intent.ID)
	require.Equal(t, payment.IntentCreated, intent.State)
	require.Equal(t, "https://www.sandbox.paypal.com/checkoutnow?token=ORDER-1", intent.ApprovalURL)

	fake.mu.Lock()
	sent := fake.createBody
	fake.mu.Unlock()
	require.Equal(t, "CAPTURE", sent["intent"])
	units := sent["purchase_units"].([]any)
	require.Len(t, units, 1)
	unit := units[0].(map[string]any)
	require.Equal(t, req.InvoiceNumber, unit["invoice_id"])
	amount := unit["amount"].(map[string]any)
	require.Equal(t, "29.50", amount["value"])
	require.Equal(t, "USD", amount["currency_code"])
	breakdown := amount["breakdown"].(map[string]any)
	require.Equal(t, "25.00", breakdown["item_total"].(map[string]any)["value"])
	items := unit["items"].([]any)
	require.Len(t, items, 2)
	require.Equal(t, "Fee", items[1].(map[string]any)["name"])
	require.Equal(t, "1", items[1].(map[string]any)["quantity"])

	details, err := client.GetPayment(ctx, "ORDER-1")
	require.NoError(t, err)
	require.Equal(t, payment.IntentApproved, details.State)
	require.Equal(t, "PAYER-1", details.PayerID)
	require.Equal(t, "inv-1", details.InvoiceNumber)
	require.True(t, details.Amount.Equal(req.Amount))

	saleID, err := client.ExecutePayment(ctx, "ORDER-1", "PAYER-1", req.Amount)
	require.NoError(t, err)
	require.Equal(t, "CAP-1", saleID)

	refundID, err := client.RefundSale(ctx, "CAP-1", dec("10"), "USD", "damaged in transit")
	require.NoError(t, err)
	require.Equal(t, "REF-1", refundID)
	fake.mu.Lock()
	refundAmount := fake.refundBody["amount"].(map[string]any)
	note := fake.refundBody["note_to_payer"]
	fake.mu.Unlock()
	require.Equal(t, "10.00", refundAmount["value"])
	require.Equal(t, "damaged in transit", note)
}

func TestPayPalDeclinedCaptureIsNotATransaction(t *testing.T) {
	fake := &fakePayPal{captures: `[{"id":"CAP-9","status":"DECLINED"}]`}
	client := newPayPal(t, fake, nil)
	ctx := context.Background()

	saleID, err := client.ExecutePayment(ctx, "ORDER-1", "PAYER-1", pricing.Amount{Total: dec("29.50"), Currency: "USD"})
	require.Error(t, err)
	require.Empty(t, saleID)
	require.True(t, common.IsKind(err, common.KindValidation))
	require.False(t, common.IsRetryable(err))
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, "CAPTURE_DECLINED", appErr.Code)
	require.Equal(t, "DECLINED", appErr.Details.(map[string]any)["status"])

	fake.mu.Lock()
	fake.orderStatus = "COMPLETED"
	fake.mu.Unlock()
	details, err := client.GetPayment(ctx, "ORDER-1")
	require.NoError(t, err)
	require.Equal(t, payment.IntentFailed, details.State)
	require.Empty(t, details.TransactionID)
	require.Equal(t, "DECLINED", details.CaptureStatus)
}

func TestPayPalPendingCaptureCounts(t *testing.T) {
	fake := &fakePayPal{captures: `[{"id":"CAP-9","status":"DECLINED"},{"id":"CAP-2","status":"PENDING"}]`, orderStatus: "COMPLETED"}
	client := newPayPal(t, fake, nil)
	ctx := context.Background()

	saleID, err := client.ExecutePayment(ctx, "ORDER-1", "PAYER-1", pricing.Amount{Total: dec("29.50"), Currency: "USD"})
	require.NoError(t, err)
	require.Equal(t, "CAP-2", saleID)

	details, err := client.GetPayment(ctx, "ORDER-1")
	require.NoError(t, err)
	require.Equal(t, payment.IntentExecuted, details.State)
	require.Equal(t, "CAP-2", details.TransactionID)
}

func TestPayPalClientErrorIsNotRetryable(t *testing.T) {
	fake := &fakePayPal{
		failWith: http.StatusUnprocessableEntity,
		failBody: `{"name":"UNPROCESSABLE_ENTITY","message":"The requested action could not be performed.",
			"debug_id":"dbg-1","details":[{"issue":"INSTRUMENT_DECLINED","description":"The instrument presented was declined."}]}`,
	}
	client := newPayPal(t, fake, nil)

	_, err := client.ExecutePayment(context.Background(), "ORDER-1", "PAYER-1", pricing.Amount{Currency: "USD"})
	require.Error(t, err)
	require.True(t, common.IsKind(err, common.KindValidation))
	require.False(t, common.IsRetryable(err))
	require.Contains(t, common.Message(err), "The instrument presented was declined.")
}

func TestPayPalServerErrorIsRetryableAndTripsBreaker(t *testing.T) {
	fake := &fakePayPal{failWith: http.StatusServiceUnavailable, failBody: `{"name":"SERVICE_UNAVAILABLE","message":"Service Unavailable"}`}
	breaker := resilience.NewBreaker(2, 0.5, time.Minute)
	client := newPayPal(t, fake, breaker)

	for i := 0; i < 2; i++ {
		_, err := client.GetPayment(context.Background(), "ORDER-1")
		require.True(t, common.IsKind(err, common.KindRemoteAPI))
		require.True(t, common.IsRetryable(err))
	}
	_, err := client.GetPayment(context.Background(), "ORDER-1")
	require.True(t, common.IsKind(err, common.KindRemoteAPI))
	require.True(t, common.IsRetryable(err))
	require.Equal(t, resilience.Open, breaker.State())
}

func TestPayPalRejectedCredentials(t *testing.T) {
	fake := &fakePayPal{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	s := settings()
	s.ClientSecret = "wrong"
	client, err := payment.NewPayPal(s, payment.PayPalOptions{BaseURL: srv.URL, Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = client.GetPayment(context.Background(), "ORDER-1")
	require.True(t, common.IsKind(err, common.KindConfiguration))
}

func TestNewPayPalRequiresCredentials(t *testing.T) {
	_, err := payment.NewPayPal(config.Gateway{ClientID: "id"}, payment.PayPalOptions{})
	require.True(t, common.IsKind(err, common.KindConfiguration))
}

func TestAPIBaseFollowsSandboxFlag(t *testing.T) {
	require.Equal(t, paypal.APIBaseSandBox, payment.APIBase(true))
	require.Equal(t, paypal.APIBaseLive, payment.APIBase(false))
}
