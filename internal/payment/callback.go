package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-paygate/internal/cart"
	"github.com/noah-isme/toko-paygate/internal/common"
	"github.com/noah-isme/toko-paygate/internal/config"
	"github.com/noah-isme/toko-paygate/internal/lock"
	"github.com/noah-isme/toko-paygate/internal/obs"
	"github.com/noah-isme/toko-paygate/internal/order"
	"github.com/noah-isme/toko-paygate/internal/pricing"
)

// Flow tells whether the buyer approved or cancelled at the processor.
type Flow string

const (
	FlowApproved  Flow = "approved"
	FlowCancelled Flow = "cancelled"
)

// CallbackPayload is the typed form of the redirect query string.
type CallbackPayload struct {
	Flow     Flow
	OrderID  string
	IntentID string
	PayerID  string
}

// ParseCallback reads the redirect query. It reports false when the request is not a gateway
// callback at all (no order id or no recognised flow marker), which callers treat as a no-op.
func ParseCallback(values url.Values) (CallbackPayload, bool) {
	orderID := strings.TrimSpace(values.Get(ParamOrderID))
	if orderID == "" || orderID == "0" {
		return CallbackPayload{}, false
	}
	var flow Flow
	switch strings.ToLower(strings.TrimSpace(values.Get(ParamFlow))) {
	case flowReturn, "approved":
		flow = FlowApproved
	case flowCancel, "cancelled", "canceled":
		flow = FlowCancelled
	default:
		return CallbackPayload{}, false
	}
	intentID := strings.TrimSpace(values.Get("paymentId"))
	if intentID == "" {
		intentID = strings.TrimSpace(values.Get("token"))
	}
	return CallbackPayload{
		Flow:     flow,
		OrderID:  orderID,
		IntentID: intentID,
		PayerID:  strings.TrimSpace(values.Get("PayerID")),
	}, true
}

// Outcome summarises what a callback did.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeAlreadyFinal is a duplicate callback for an order that is already paid.
	OutcomeAlreadyFinal Outcome = "already_final"
	// OutcomeIgnored is a callback for an order that can no longer be paid.
	OutcomeIgnored Outcome = "ignored"
)

// CallbackResult tells the transport where to send the buyer.
type CallbackResult struct {
	Outcome       Outcome
	OrderID       string
	Status        order.Status
	TransactionID string
	RedirectURL   string
	// Message is the buyer-facing failure text.
	Message string
}

// Locker serialises work on one order across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// CallbackHandler reconciles redirect callbacks with order state.
type CallbackHandler struct {
	Orders   *order.Coordinator
	Client   Client
	Settings config.Gateway
	Locker   Locker
	LockTTL  time.Duration
	Logger   zerolog.Logger
}

// Handle processes one callback. A failed capture is reported both as an OutcomeFailed result and
// as the processor error.
func (h *CallbackHandler) Handle(ctx context.Context, payload CallbackPayload, session cart.Session) (res CallbackResult, err error) {
	ctx, span := obs.StartSpan(ctx, "payment.callback",
		attribute.String("order.id", payload.OrderID),
		attribute.String("payment.flow", string(payload.Flow)),
	)
	defer func() {
		result := string(res.Outcome)
		if result == "" {
			result = string(common.KindOf(err))
		}
		span.SetAttributes(attribute.String("payment.outcome", result))
		obs.CountPaymentCallback(string(payload.Flow), result)
		obs.EndSpan(span, err)
	}()

	if session == nil {
		session = cart.None{}
	}
	run := func(ctx context.Context) error {
		res, err = h.handle(ctx, payload, session)
		return nil
	}
	if h.Locker == nil {
		_ = run(ctx)
		return res, err
	}
	ttl := h.LockTTL
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	if lockErr := h.Locker.WithLock(ctx, lock.OrderKey(payload.OrderID), ttl, run); lockErr != nil {
		if errors.Is(lockErr, lock.ErrNotAcquired) {
			return CallbackResult{}, common.NewAppError("PAYMENT_IN_PROGRESS", "payment for this order is already being processed", http.StatusConflict, lockErr)
		}
		return CallbackResult{}, fmt.Errorf("lock order %s: %w", payload.OrderID, lockErr)
	}
	return res, err
}

func (h *CallbackHandler) handle(ctx context.Context, payload CallbackPayload, session cart.Session) (CallbackResult, error) {
	log := h.Logger.With().Str("order_id", payload.OrderID).Str("flow", string(payload.Flow)).Logger()

	o, err := h.Orders.Get(ctx, payload.OrderID)
	if err != nil {
		return CallbackResult{}, err
	}
	if o.Status.Paid() {
		log.Info().Str("status", string(o.Status)).Msg("duplicate callback for paid order")
		return h.final(o, OutcomeAlreadyFinal), nil
	}
	if !o.Status.Payable() {
		log.Warn().Str("status", string(o.Status)).Msg("callback for order that cannot be paid")
		return h.final(o, OutcomeIgnored), nil
	}

	if payload.Flow == FlowCancelled {
		return h.cancel(ctx, o, log)
	}
	return h.approve(ctx, o, payload, session, log)
}

func (h *CallbackHandler) cancel(ctx context.Context, o order.Order, log zerolog.Logger) (CallbackResult, error) {
	updated, err := h.Orders.Apply(ctx, o.ID, order.EventCancel, order.Change{})
	if err != nil {
		if common.IsKind(err, common.KindStateConflict) {
			return h.final(updated, OutcomeIgnored), nil
		}
		return CallbackResult{}, err
	}
	log.Info().Msg("payment cancelled by buyer")
	return CallbackResult{
		Outcome:     OutcomeCancelled,
		OrderID:     o.ID,
		Status:      updated.Status,
		RedirectURL: h.Settings.CheckoutURL,
	}, nil
}

func (h *CallbackHandler) approve(ctx context.Context, o order.Order, payload CallbackPayload, session cart.Session, log zerolog.Logger) (CallbackResult, error) {
	if payload.IntentID == "" || payload.PayerID == "" {
		return CallbackResult{}, common.ValidationError("INVALID_CALLBACK", "payment id and payer id are required")
	}
	if o.IntentID != "" && o.IntentID != payload.IntentID {
		log.Warn().Str("intent_id", payload.IntentID).Str("expected_intent_id", o.IntentID).Msg("callback intent does not belong to order")
		return CallbackResult{}, common.ValidationError("INVALID_CALLBACK", "payment %s does not belong to order %s", payload.IntentID, o.ID)
	}
	if err := h.Settings.Validate(); err != nil {
		return CallbackResult{}, err
	}
	log = log.With().Str("intent_id", payload.IntentID).Logger()

	amount, err := pricing.Decompose(o)
	if err != nil {
		return h.fail(ctx, o, err, log)
	}

	details, err := h.Client.GetPayment(ctx, payload.IntentID)
	if err != nil {
		if common.IsRetryable(err) {
			log.Warn().Err(err).Msg("fetch payment failed, order left unchanged")
			return CallbackResult{}, err
		}
		return h.fail(ctx, o, err, log)
	}
	if details.PayerID != "" && details.PayerID != payload.PayerID {
		return CallbackResult{}, common.ValidationError("INVALID_CALLBACK", "payer does not match payment %s", payload.IntentID)
	}

	transactionID := ""
	switch details.State {
	case IntentExecuted:
		// Captured by an earlier attempt whose response was lost.
		transactionID = details.TransactionID
	case IntentCreated, IntentApproved:
	default:
		return h.fail(ctx, o, common.ValidationError("PAYMENT_NOT_APPROVED", "payment %s is %s at the processor", details.ID, details.State), log)
	}
	if err := matchAmount(amount, details.Amount); err != nil {
		return h.fail(ctx, o, err, log)
	}

	if transactionID == "" {
		transactionID, err = h.Client.ExecutePayment(ctx, payload.IntentID, payload.PayerID, amount)
		if err != nil {
			if common.IsRetryable(err) {
				log.Warn().Err(err).Msg("execute payment outcome unknown, order left unchanged")
				return CallbackResult{}, err
			}
			// A concurrent attempt may have captured the intent first.
			recovered, ok := h.capturedElsewhere(ctx, payload.IntentID, log)
			if !ok {
				return h.fail(ctx, o, err, log)
			}
			log.Info().Err(err).Str("transaction_id", recovered).Msg("execute rejected, intent already captured")
			transactionID = recovered
		}
	}

	updated, err := h.Orders.Apply(ctx, o.ID, order.EventExecuteSuccess, order.Change{TransactionID: transactionID})
	if err != nil {
		log.Error().Err(err).Str("transaction_id", transactionID).Msg("captured payment could not be recorded")
		if updated.Status.Paid() {
			return h.final(updated, OutcomeAlreadyFinal), nil
		}
		return CallbackResult{}, err
	}
	if err := session.Empty(ctx); err != nil {
		log.Warn().Err(err).Msg("empty cart after payment")
	}
	log.Info().Str("transaction_id", transactionID).Msg("payment completed")
	return CallbackResult{
		Outcome:       OutcomeCompleted,
		OrderID:       o.ID,
		Status:        updated.Status,
		TransactionID: transactionID,
		RedirectURL:   h.orderReceivedURL(o.ID),
	}, nil
}

// capturedElsewhere reports the transaction of an intent that the processor already holds as
// captured.
func (h *CallbackHandler) capturedElsewhere(ctx context.Context, intentID string, log zerolog.Logger) (string, bool) {
	details, err := h.Client.GetPayment(ctx, intentID)
	if err != nil {
		log.Warn().Err(err).Msg("re-read payment after rejected execute")
		return "", false
	}
	if details.State != IntentExecuted || details.TransactionID == "" {
		return "", false
	}
	return details.TransactionID, true
}

func (h *CallbackHandler) fail(ctx context.Context, o order.Order, cause error, log zerolog.Logger) (CallbackResult, error) {
	msg := common.Message(cause)
	log.Error().Err(cause).Msg("payment execution failed")
	updated, err := h.Orders.Apply(ctx, o.ID, order.EventExecuteFailure, order.Change{FailureReason: msg})
	if err != nil && !common.IsKind(err, common.KindStateConflict) {
		return CallbackResult{}, errors.Join(cause, err)
	}
	if err != nil && updated.Status.Paid() {
		log.Info().Msg("order paid by a concurrent callback")
		return h.final(updated, OutcomeAlreadyFinal), nil
	}
	return CallbackResult{
		Outcome:     OutcomeFailed,
		OrderID:     o.ID,
		Status:      updated.Status,
		RedirectURL: h.Settings.CheckoutURL,
		Message:     msg,
	}, cause
}

func (h *CallbackHandler) final(o order.Order, outcome Outcome) CallbackResult {
	res := CallbackResult{
		Outcome:       outcome,
		OrderID:       o.ID,
		Status:        o.Status,
		TransactionID: o.TransactionID,
		RedirectURL:   h.Settings.CheckoutURL,
	}
	if o.Status.Paid() {
		res.RedirectURL = h.orderReceivedURL(o.ID)
	}
	return res
}

func (h *CallbackHandler) orderReceivedURL(orderID string) string {
	base := h.Settings.OrderReceivedURL
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return base
	}
	q := u.Query()
	q.Set(ParamOrderID, orderID)
	u.RawQuery = q.Encode()
	return u.String()
}

// matchAmount compares the recomputed order amount with what the processor holds. A breakdown is
// only compared when the processor returned one.
func matchAmount(expected, remote pricing.Amount) error {
	if remote.Currency == "" && remote.Total.IsZero() {
		return nil
	}
	if !strings.EqualFold(expected.Currency, remote.Currency) || !expected.Total.Equal(remote.Total) {
		return common.ValidationError("AMOUNT_MISMATCH", "processor amount %s %s does not match order total %s %s",
			pricing.Format(remote.Total, remote.Currency), remote.Currency,
			pricing.Format(expected.Total, expected.Currency), expected.Currency)
	}
	if !remote.Subtotal.IsZero() && !expected.Subtotal.Equal(remote.Subtotal) {
		return common.ValidationError("AMOUNT_MISMATCH", "processor item total %s does not match order subtotal %s",
			pricing.Format(remote.Subtotal, remote.Currency), pricing.Format(expected.Subtotal, expected.Currency))
	}
	return nil
}
