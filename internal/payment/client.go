package payment

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-paygate/internal/pricing"
)

// IntentSale is the only payment intent the gateway creates: authorize and capture in one approval.
const IntentSale = "sale"

// PaymentMethodPayPal is the fixed payer descriptor sent with every request.
const PaymentMethodPayPal = "paypal"

// IntentState is the lifecycle state of a payment intent at the processor.
type IntentState string

const (
	IntentCreated   IntentState = "created"
	IntentApproved  IntentState = "approved"
	IntentExecuted  IntentState = "executed"
	IntentCancelled IntentState = "cancelled"
	IntentFailed    IntentState = "failed"
)

// Client is the remote processor. Every call is one synchronous round trip without retries.
type Client interface {
	CreatePayment(ctx context.Context, req PaymentRequest) (Intent, error)
	GetPayment(ctx context.Context, intentID string) (PaymentDetails, error)
	// ExecutePayment captures an approved intent and returns the sale (transaction) id.
	ExecutePayment(ctx context.Context, intentID, payerID string, amount pricing.Amount) (string, error)
	// RefundSale refunds part or all of a sale. note is passed to the payer as the refund reason.
	RefundSale(ctx context.Context, saleID string, amount decimal.Decimal, currency, note string) (string, error)
}

// Payer describes how the buyer pays.
type Payer struct {
	PaymentMethod string
}

// Item is one line of the itemized cart sent to the processor.
type Item struct {
	Name     string
	Quantity int
	Price    decimal.Decimal
	Currency string
	SKU      string
}

// RedirectURLs are where the processor sends the buyer after approving or cancelling.
type RedirectURLs struct {
	Return string
	Cancel string
}

// PaymentRequest is a create-payment call.
type PaymentRequest struct {
	Intent        string
	OrderID       string
	Payer         Payer
	Items         []Item
	Amount        pricing.Amount
	InvoiceNumber string
	Description   string
	RedirectURLs  RedirectURLs
}

// Intent is a single checkout attempt registered with the processor.
type Intent struct {
	ID            string
	State         IntentState
	ApprovalURL   string
	ReturnURL     string
	CancelURL     string
	OrderID       string
	InvoiceNumber string
}

// PaymentDetails is what the processor reports for an existing intent.
type PaymentDetails struct {
	ID            string
	State         IntentState
	PayerID       string
	InvoiceNumber string
	Amount        pricing.Amount
	// TransactionID is set once the intent has been executed.
	TransactionID string
	// CaptureStatus carries the processor status of a capture that did not settle.
	CaptureStatus string
}
