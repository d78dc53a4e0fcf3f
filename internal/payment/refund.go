package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-paygate/internal/common"
	"github.com/noah-isme/toko-paygate/internal/config"
	"github.com/noah-isme/toko-paygate/internal/lock"
	"github.com/noah-isme/toko-paygate/internal/obs"
	"github.com/noah-isme/toko-paygate/internal/order"
	"github.com/noah-isme/toko-paygate/internal/pricing"
)

// RefundRequest is a refund against a captured sale.
type RefundRequest struct {
	SaleID   string
	Amount   decimal.Decimal
	Currency string
	Reason   string
}

// RefundInput is what an operator submits.
type RefundInput struct {
	OrderID  string
	Amount   decimal.Decimal
	Reason   string
	Operator string
}

// RefundResult carries the processor refund id.
type RefundResult struct {
	OrderID  string
	RefundID string
	Status   order.Status
}

// RefundProcessor issues refunds for completed orders. Failed refunds are never retried here.
type RefundProcessor struct {
	Orders   *order.Coordinator
	Client   Client
	Settings config.Gateway
	Locker   Locker
	LockTTL  time.Duration
	Logger   zerolog.Logger
}

// Refund refunds in.Amount of the order's captured sale.
func (p *RefundProcessor) Refund(ctx context.Context, in RefundInput) (res RefundResult, err error) {
	ctx, span := obs.StartSpan(ctx, "payment.refund", attribute.String("order.id", in.OrderID))
	defer func() {
		result := "success"
		if err != nil {
			result = string(common.KindOf(err))
		}
		obs.CountPaymentRefund(ProviderPayPal, result)
		obs.EndSpan(span, err)
	}()

	if p.Locker == nil {
		return p.refund(ctx, in)
	}
	ttl := p.LockTTL
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	lockErr := p.Locker.WithLock(ctx, lock.OrderKey(in.OrderID), ttl, func(ctx context.Context) error {
		res, err = p.refund(ctx, in)
		return nil
	})
	if lockErr != nil {
		if errors.Is(lockErr, lock.ErrNotAcquired) {
			return RefundResult{}, common.NewAppError("PAYMENT_IN_PROGRESS", "payment for this order is already being processed", http.StatusConflict, lockErr)
		}
		return RefundResult{}, fmt.Errorf("lock order %s: %w", in.OrderID, lockErr)
	}
	return res, err
}

func (p *RefundProcessor) refund(ctx context.Context, in RefundInput) (RefundResult, error) {
	o, err := p.Orders.Get(ctx, in.OrderID)
	if err != nil {
		return RefundResult{}, err
	}
	req, err := p.BuildRequest(o, in)
	if err != nil {
		return RefundResult{}, err
	}
	if err := p.Settings.Validate(); err != nil {
		return RefundResult{}, err
	}

	log := p.Logger.With().Str("order_id", o.ID).Str("sale_id", req.SaleID).Str("amount", req.Amount.String()).Logger()
	refundID, err := p.Client.RefundSale(ctx, req.SaleID, req.Amount, req.Currency, req.Reason)
	if err != nil {
		log.Error().Err(err).Msg("refund failed")
		return RefundResult{}, common.RefundError(common.Message(err), err)
	}

	updated, err := p.Orders.Apply(ctx, o.ID, order.EventRefundSuccess, order.Change{RefundID: refundID, Actor: in.Operator})
	if err != nil {
		log.Error().Err(err).Str("refund_id", refundID).Msg("issued refund could not be recorded")
		return RefundResult{}, err
	}
	log.Info().Str("refund_id", refundID).Str("reason", req.Reason).Msg("refund issued")
	return RefundResult{OrderID: o.ID, RefundID: refundID, Status: updated.Status}, nil
}

// BuildRequest checks the refund preconditions and derives the request. It performs no I/O.
func (p *RefundProcessor) BuildRequest(o order.Order, in RefundInput) (RefundRequest, error) {
	if o.Status != order.StatusCompleted || strings.TrimSpace(o.TransactionID) == "" {
		return RefundRequest{}, common.ValidationError("ORDER_NOT_REFUNDABLE", "order %s is %s and has no captured sale to refund", o.ID, o.Status)
	}
	if !in.Amount.IsPositive() {
		return RefundRequest{}, common.ValidationError("INVALID_AMOUNT", "refund amount must be greater than zero")
	}
	captured, err := pricing.Decompose(o)
	if err != nil {
		return RefundRequest{}, err
	}
	amount := pricing.Round(in.Amount, captured.Currency)
	if amount.GreaterThan(captured.Total) {
		return RefundRequest{}, common.ValidationError("INVALID_AMOUNT", "refund amount %s exceeds captured total %s",
			pricing.Format(amount, captured.Currency), pricing.Format(captured.Total, captured.Currency))
	}
	if !amount.IsPositive() {
		return RefundRequest{}, common.ValidationError("INVALID_AMOUNT", "refund amount must be greater than zero")
	}
	return RefundRequest{
		SaleID:   o.TransactionID,
		Amount:   amount,
		Currency: captured.Currency,
		Reason:   strings.TrimSpace(in.Reason),
	}, nil
}
