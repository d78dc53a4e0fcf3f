package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/plutov/paypal/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/toko-paygate/internal/common"
	"github.com/noah-isme/toko-paygate/internal/config"
	"github.com/noah-isme/toko-paygate/internal/obs"
	"github.com/noah-isme/toko-paygate/internal/pricing"
	"github.com/noah-isme/toko-paygate/internal/resilience"
)

// ProviderPayPal labels metrics and logs for the PayPal client.
const ProviderPayPal = "paypal"

// PayPalOptions configures the PayPal client.
type PayPalOptions struct {
	// BaseURL overrides the sandbox/live API base, e.g. for tests.
	BaseURL string
	Timeout time.Duration
	Breaker *resilience.Breaker
	Logger  zerolog.Logger
}

// PayPal implements Client on the PayPal REST API. A sale intent maps to an order created with
// intent CAPTURE; executing it captures the order.
type PayPal struct {
	api    *paypal.Client
	logger zerolog.Logger
}

// APIBase returns the PayPal API base for the configured mode.
func APIBase(sandbox bool) string {
	if sandbox {
		return paypal.APIBaseSandBox
	}
	return paypal.APIBaseLive
}

// NewPayPal builds a client from gateway settings. Missing credentials fail with a
// ConfigurationError before any network call.
func NewPayPal(settings config.Gateway, opts PayPalOptions) (*PayPal, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = APIBase(settings.Sandbox)
	}
	api, err := paypal.NewClient(settings.ClientID, settings.ClientSecret, base)
	if err != nil {
		return nil, fmt.Errorf("paypal: new client: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	api.SetHTTPClient(&http.Client{
		Transport: otelhttp.NewTransport(&resilience.Transport{
			Base:    http.DefaultTransport,
			Breaker: opts.Breaker,
			Timeout: timeout,
		}),
	})
	return &PayPal{api: api, logger: opts.Logger.With().Str("provider", ProviderPayPal).Logger()}, nil
}

// CreatePayment implements Client.
func (p *PayPal) CreatePayment(ctx context.Context, req PaymentRequest) (Intent, error) {
	currency := req.Amount.Currency
	items := make([]paypal.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, paypal.Item{
			Name:       it.Name,
			UnitAmount: money(it.Price, currency),
			Quantity:   strconv.Itoa(it.Quantity),
			SKU:        it.SKU,
		})
	}
	unit := paypal.PurchaseUnitRequest{
		ReferenceID: req.OrderID,
		InvoiceID:   req.InvoiceNumber,
		CustomID:    req.OrderID,
		Description: req.Description,
		Amount: &paypal.PurchaseUnitAmount{
			Currency: currency,
			Value:    pricing.Format(req.Amount.Total, currency),
			Breakdown: &paypal.PurchaseUnitAmountBreakdown{
				ItemTotal: money(req.Amount.Subtotal, currency),
				Shipping:  money(req.Amount.Shipping, currency),
				TaxTotal:  money(req.Amount.Tax, currency),
			},
		},
		Items: items,
	}
	appCtx := &paypal.ApplicationContext{
		ReturnURL: req.RedirectURLs.Return,
		CancelURL: req.RedirectURLs.Cancel,
	}

	var created *paypal.Order
	err := p.call(ctx, "create", func(ctx context.Context) error {
		var err error
		created, err = p.api.CreateOrder(ctx, "CAPTURE", []paypal.PurchaseUnitRequest{unit}, nil, appCtx)
		return err
	})
	if err != nil {
		return Intent{}, err
	}
	approval := ""
	for _, link := range created.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			approval = link.Href
			break
		}
	}
	if approval == "" {
		return Intent{}, common.RemoteAPIError("processor returned no approval url", false, nil)
	}
	return Intent{
		ID:            created.ID,
		State:         stateOf(created.Status),
		ApprovalURL:   approval,
		ReturnURL:     req.RedirectURLs.Return,
		CancelURL:     req.RedirectURLs.Cancel,
		OrderID:       req.OrderID,
		InvoiceNumber: req.InvoiceNumber,
	}, nil
}

// GetPayment implements Client.
func (p *PayPal) GetPayment(ctx context.Context, intentID string) (PaymentDetails, error) {
	var fetched *paypal.Order
	err := p.call(ctx, "get", func(ctx context.Context) error {
		var err error
		fetched, err = p.api.GetOrder(ctx, intentID)
		return err
	})
	if err != nil {
		return PaymentDetails{}, err
	}
	details := PaymentDetails{ID: fetched.ID, State: stateOf(fetched.Status)}
	if fetched.Payer != nil {
		details.PayerID = fetched.Payer.PayerID
	}
	if len(fetched.PurchaseUnits) > 0 {
		unit := fetched.PurchaseUnits[0]
		details.InvoiceNumber = unit.InvoiceID
		if unit.Amount != nil {
			amount, err := amountOf(unit.Amount)
			if err != nil {
				return PaymentDetails{}, common.RemoteAPIError("processor returned an unreadable amount", false, err)
			}
			details.Amount = amount
		}
		if unit.Payments != nil && len(unit.Payments.Captures) > 0 {
			id, status, ok := settledCapture(unit.Payments.Captures)
			switch {
			case ok:
				details.TransactionID = id
			case details.State == IntentExecuted:
				// The order closed but no capture moved money.
				details.State = IntentFailed
				details.CaptureStatus = status
			}
		}
	}
	return details, nil
}

// ExecutePayment implements Client. The amount was authorised at creation and is checked by the
// caller against GetPayment, so it is only compared with what the processor reports as captured.
func (p *PayPal) ExecutePayment(ctx context.Context, intentID, payerID string, amount pricing.Amount) (string, error) {
	var captured *paypal.CaptureOrderResponse
	err := p.call(ctx, "execute", func(ctx context.Context) error {
		var err error
		captured, err = p.api.CaptureOrder(ctx, intentID, paypal.CaptureOrderRequest{})
		return err
	})
	if err != nil {
		return "", err
	}
	declined := ""
	for _, unit := range captured.PurchaseUnits {
		if unit.Payments == nil {
			continue
		}
		id, status, ok := settledCapture(unit.Payments.Captures)
		if !ok {
			if status != "" {
				declined = status
			}
			continue
		}
		for _, capture := range unit.Payments.Captures {
			if capture.ID != id || capture.Amount == nil {
				continue
			}
			if capture.Amount.Value != pricing.Format(amount.Total, amount.Currency) {
				p.logger.Warn().
					Str("intent_id", intentID).
					Str("payer_id", payerID).
					Str("captured", capture.Amount.Value).
					Str("expected", pricing.Format(amount.Total, amount.Currency)).
					Msg("captured amount differs from order total")
			}
		}
		if status == CaptureStatusPending {
			p.logger.Warn().Str("intent_id", intentID).Str("capture_id", id).Msg("capture pending at processor")
		}
		return id, nil
	}
	if declined != "" {
		return "", captureDeclined(intentID, declined)
	}
	return "", common.RemoteAPIError(fmt.Sprintf("processor reported capture status %s without a transaction", captured.Status), false, nil)
}

// Capture statuses reported by the processor.
const (
	CaptureStatusCompleted = "COMPLETED"
	CaptureStatusPending   = "PENDING"
	CaptureStatusDeclined  = "DECLINED"
	CaptureStatusFailed    = "FAILED"
)

// settledCapture returns the first capture that moved money. PENDING counts: the funds are held
// and settle without further calls. When nothing settled the last reported status is returned.
func settledCapture(captures []paypal.CaptureAmount) (string, string, bool) {
	last := ""
	for _, capture := range captures {
		if capture.ID == "" {
			continue
		}
		status := strings.ToUpper(capture.Status)
		if status == CaptureStatusCompleted || status == CaptureStatusPending {
			return capture.ID, status, true
		}
		if status == "" {
			status = "UNKNOWN"
		}
		last = status
	}
	return "", last, false
}

func captureDeclined(intentID, status string) error {
	return &common.AppError{
		Kind:       common.KindValidation,
		Code:       "CAPTURE_DECLINED",
		Message:    fmt.Sprintf("payment capture %s at the processor", strings.ToLower(status)),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"intentId": intentID, "status": status},
	}
}

// RefundSale implements Client.
func (p *PayPal) RefundSale(ctx context.Context, saleID string, amount decimal.Decimal, currency, note string) (string, error) {
	var refunded *paypal.RefundResponse
	err := p.call(ctx, "refund", func(ctx context.Context) error {
		var err error
		refunded, err = p.api.RefundCapture(ctx, saleID, paypal.RefundCaptureRequest{
			Amount:      money(amount, currency),
			NoteToPayer: note,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if refunded.ID == "" {
		return "", common.RemoteAPIError("processor returned no refund id", false, nil)
	}
	return refunded.ID, nil
}

func (p *PayPal) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	result := "success"
	if err != nil {
		err = classify(err)
		result = string(common.KindOf(err))
		p.logger.Warn().Err(err).Str("operation", op).Bool("retryable", common.IsRetryable(err)).Msg("paypal call failed")
	}
	obs.ObserveProcessorCall(op, result, obs.DurationMillis(time.Since(start)))
	return err
}

// classify maps transport and API failures onto the error taxonomy. Timeouts, network failures,
// throttling, 5xx and an open breaker are retryable; other 4xx responses are validation errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *paypal.ErrorResponse
	if errors.As(err, &apiErr) {
		status := 0
		if apiErr.Response != nil {
			status = apiErr.Response.StatusCode
		}
		msg := processorMessage(apiErr)
		if status == http.StatusUnauthorized {
			appErr := common.ConfigurationError("paypal rejected the client credentials")
			appErr.Err = err
			return appErr
		}
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError || status == 0 {
			return common.RemoteAPIError(msg, true, err)
		}
		return &common.AppError{
			Kind:       common.KindValidation,
			Code:       "PROCESSOR_REJECTED",
			Message:    msg,
			HTTPStatus: http.StatusUnprocessableEntity,
			Err:        err,
			Details:    map[string]any{"name": apiErr.Name, "debugId": apiErr.DebugID, "status": status},
		}
	}
	if resilience.IsOpen(err) {
		return common.RemoteAPIError("payment processor temporarily unavailable", true, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return common.RemoteAPIError("payment processor timed out", true, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return common.RemoteAPIError("payment processor unreachable", true, err)
	}
	if common.IsAppError(err) {
		return err
	}
	return common.RemoteAPIError("payment processor call failed", false, err)
}

func processorMessage(apiErr *paypal.ErrorResponse) string {
	msg := strings.TrimSpace(apiErr.Message)
	if msg == "" {
		msg = strings.TrimSpace(apiErr.Name)
	}
	for _, d := range apiErr.Details {
		detail := strings.TrimSpace(d.Description)
		if detail == "" {
			detail = strings.TrimSpace(d.Issue)
		}
		if detail != "" {
			msg = msg + ": " + detail
			break
		}
	}
	if msg == "" {
		msg = "payment processor rejected the request"
	}
	return msg
}

func stateOf(status string) IntentState {
	switch strings.ToUpper(status) {
	case "APPROVED", "SAVED":
		return IntentApproved
	case "COMPLETED":
		return IntentExecuted
	case "VOIDED":
		return IntentCancelled
	case "CREATED", "PAYER_ACTION_REQUIRED", "":
		return IntentCreated
	default:
		return IntentFailed
	}
}

func money(d decimal.Decimal, currency string) *paypal.Money {
	return &paypal.Money{Currency: currency, Value: pricing.Format(d, currency)}
}

func amountOf(a *paypal.PurchaseUnitAmount) (pricing.Amount, error) {
	total, err := decimal.NewFromString(a.Value)
	if err != nil {
		return pricing.Amount{}, err
	}
	amount := pricing.Amount{Total: total, Currency: strings.ToUpper(a.Currency)}
	if b := a.Breakdown; b != nil {
		if amount.Subtotal, err = moneyValue(b.ItemTotal); err != nil {
			return pricing.Amount{}, err
		}
		if amount.Shipping, err = moneyValue(b.Shipping); err != nil {
			return pricing.Amount{}, err
		}
		if amount.Tax, err = moneyValue(b.TaxTotal); err != nil {
			return pricing.Amount{}, err
		}
	}
	return amount, nil
}

func moneyValue(m *paypal.Money) (decimal.Decimal, error) {
	if m == nil || strings.TrimSpace(m.Value) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(m.Value)
}
