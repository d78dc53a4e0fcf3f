package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the local lifecycle status of an order.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusProcessing      Status = "processing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusRefunded        Status = "refunded"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAwaitingPayment, StatusProcessing, StatusCompleted,
		StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Paid reports whether the payment for the order has already been captured. Callbacks for paid
// orders are duplicates.
func (s Status) Paid() bool {
	return s == StatusCompleted || s == StatusProcessing
}

// Terminal reports whether no payment transition may start from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusProcessing, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Payable reports whether a payment may be created or executed for an order in s.
func (s Status) Payable() bool {
	return s == StatusPending || s == StatusAwaitingPayment
}

// ItemKind distinguishes purchased products from flat fees.
type ItemKind string

const (
	ItemProduct ItemKind = "product"
	ItemFee     ItemKind = "fee"
)

// LineItem is one priced line of an order.
type LineItem struct {
	Kind      ItemKind
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	SKU       string
	// Currency is optional; when set it must equal the order currency.
	Currency string
}

// Order is the subset of an order the payment flow reads and transitions.
type Order struct {
	ID            string
	Items         []LineItem
	Currency      string
	Status        Status
	ShippingTotal decimal.Decimal
	TaxTotal      decimal.Decimal
	TransactionID string
	IntentID      string
	RefundID      string
	FailureReason string
	UpdatedAt     time.Time
}
