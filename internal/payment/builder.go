package payment

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-paygate/internal/common"
	"github.com/noah-isme/toko-paygate/internal/config"
	"github.com/noah-isme/toko-paygate/internal/obs"
	"github.com/noah-isme/toko-paygate/internal/order"
	"github.com/noah-isme/toko-paygate/internal/pricing"
)

// Callback query parameters appended to the redirect URLs.
const (
	ParamFlow    = "pgatewc"
	ParamOrderID = "order_id"

	flowReturn = "true"
	flowCancel = "cancel"
)

// FeeItemName is the name fee lines carry in the itemized cart.
const FeeItemName = "Fee"

// CreateResult is returned to the checkout flow, which redirects the buyer to ApprovalURL.
type CreateResult struct {
	OrderID       string
	IntentID      string
	ApprovalURL   string
	InvoiceNumber string
}

// Builder assembles and submits the authorization request for an order.
type Builder struct {
	Orders   *order.Coordinator
	Client   Client
	Settings config.Gateway
	Logger   zerolog.Logger
	// NewInvoiceNumber defaults to a random UUID. Every attempt gets a fresh one.
	NewInvoiceNumber func() string
}

// Create registers a sale with the processor and returns the approval URL. On failure the order is
// left untouched.
func (b *Builder) Create(ctx context.Context, orderID string) (res CreateResult, err error) {
	ctx, span := obs.StartSpan(ctx, "payment.create", attribute.String("order.id", orderID))
	defer func() {
		result := "success"
		if err != nil {
			result = string(common.KindOf(err))
		}
		obs.CountPaymentCreate(ProviderPayPal, result)
		obs.EndSpan(span, err)
	}()

	if !b.Settings.Enabled {
		return CreateResult{}, common.ConfigurationError("paypal gateway is disabled")
	}
	if err := b.Settings.Validate(); err != nil {
		return CreateResult{}, err
	}
	o, err := b.Orders.Get(ctx, orderID)
	if err != nil {
		return CreateResult{}, err
	}
	if !o.Status.Payable() {
		return CreateResult{}, common.StateConflictError("order %s is %s and cannot be paid", o.ID, o.Status)
	}
	req, err := b.BuildRequest(o)
	if err != nil {
		return CreateResult{}, err
	}

	log := b.Logger.With().Str("order_id", o.ID).Str("invoice_number", req.InvoiceNumber).Logger()
	intent, err := b.Client.CreatePayment(ctx, req)
	if err != nil {
		log.Error().Err(err).Bool("retryable", common.IsRetryable(err)).Msg("create payment failed")
		return CreateResult{}, err
	}
	span.SetAttributes(attribute.String("payment.intent_id", intent.ID))

	if _, err := b.Orders.Apply(ctx, o.ID, order.EventIntentCreated, order.Change{IntentID: intent.ID}); err != nil {
		log.Error().Err(err).Str("intent_id", intent.ID).Msg("record payment intent")
		return CreateResult{}, err
	}
	log.Info().Str("intent_id", intent.ID).Msg("payment created")
	return CreateResult{
		OrderID:       o.ID,
		IntentID:      intent.ID,
		ApprovalURL:   intent.ApprovalURL,
		InvoiceNumber: req.InvoiceNumber,
	}, nil
}

// BuildRequest derives the create-payment request for o. It performs no I/O.
func (b *Builder) BuildRequest(o order.Order) (PaymentRequest, error) {
	amount, err := pricing.Decompose(o)
	if err != nil {
		return PaymentRequest{}, err
	}
	if err := amount.Validate(); err != nil {
		return PaymentRequest{}, err
	}
	returnURL, err := CallbackURL(b.Settings.ReturnURL, flowReturn, o.ID)
	if err != nil {
		return PaymentRequest{}, err
	}
	cancelURL, err := CallbackURL(b.Settings.ReturnURL, flowCancel, o.ID)
	if err != nil {
		return PaymentRequest{}, err
	}
	return PaymentRequest{
		Intent:        IntentSale,
		OrderID:       o.ID,
		Payer:         Payer{PaymentMethod: PaymentMethodPayPal},
		Items:         lineItems(o, amount.Currency),
		Amount:        amount,
		InvoiceNumber: b.invoiceNumber(),
		Description:   b.Settings.Description,
		RedirectURLs:  RedirectURLs{Return: returnURL, Cancel: cancelURL},
	}, nil
}

func (b *Builder) invoiceNumber() string {
	if b.NewInvoiceNumber != nil {
		return b.NewInvoiceNumber()
	}
	return uuid.NewString()
}

func lineItems(o order.Order, currency string) []Item {
	items := make([]Item, 0, len(o.Items))
	for _, li := range o.Items {
		item := Item{
			Name:     li.Name,
			Quantity: li.Quantity,
			Price:    pricing.Round(li.UnitPrice, currency),
			Currency: currency,
			SKU:      strings.TrimSpace(li.SKU),
		}
		if li.Kind == order.ItemFee {
			item.Name = FeeItemName
			item.Quantity = 1
			item.SKU = ""
		}
		items = append(items, item)
	}
	return items
}

// CallbackURL appends the flow marker and order id to base, keeping any query it already has.
func CallbackURL(base, flow, orderID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", common.ConfigurationError("invalid return url %q", base)
	}
	q := u.Query()
	q.Set(ParamFlow, flow)
	q.Set(ParamOrderID, orderID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
