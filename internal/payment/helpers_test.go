package payment_test

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-paygate/internal/common"
	"github.com/noah-isme/toko-paygate/internal/config"
	"github.com/noah-isme/toko-paygate/internal/events"
	"github.com/noah-isme/toko-paygate/internal/order"
	"github.com/noah-isme/toko-paygate/internal/payment"
	"github.com/noah-isme/toko-paygate/internal/pricing"
)

type executeCall struct {
	IntentID string
	PayerID  string
	Amount   pricing.Amount
}

type refundCall struct {
	SaleID   string
	Amount   decimal.Decimal
	Currency string
	Note     string
}

// stubClient records calls and returns canned responses.
type stubClient struct {
	mu sync.Mutex

	createErr  error
	details    payment.PaymentDetails
	getErr     error
	executeErr error
	refundErr  error

	creates  []payment.PaymentRequest
	gets     []string
	executes []executeCall
	refunds  []refundCall
}

func (s *stubClient) CreatePayment(_ context.Context, req payment.PaymentRequest) (payment.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates = append(s.creates, req)
	if s.createErr != nil {
		return payment.Intent{}, s.createErr
	}
	return payment.Intent{
		ID:            "PAY-1",
		State:         payment.IntentCreated,
		ApprovalURL:   "https://www.sandbox.paypal.com/checkoutnow?token=PAY-1",
		ReturnURL:     req.RedirectURLs.Return,
		CancelURL:     req.RedirectURLs.Cancel,
		OrderID:       req.OrderID,
		InvoiceNumber: req.InvoiceNumber,
	}, nil
}

func (s *stubClient) GetPayment(_ context.Context, intentID string) (payment.PaymentDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets = append(s.gets, intentID)
	if s.getErr != nil {
		return payment.PaymentDetails{}, s.getErr
	}
	return s.details, nil
}

func (s *stubClient) ExecutePayment(_ context.Context, intentID, payerID string, amount pricing.Amount) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executes = append(s.executes, executeCall{IntentID: intentID, PayerID: payerID, Amount: amount})
	if s.executeErr != nil {
		return "", s.executeErr
	}
	return "SALE-1", nil
}

func (s *stubClient) RefundSale(_ context.Context, saleID string, amount decimal.Decimal, currency, note string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds = append(s.refunds, refundCall{SaleID: saleID, Amount: amount, Currency: currency, Note: note})
	if s.refundErr != nil {
		return "", s.refundErr
	}
	return "REFUND-1", nil
}

func (s *stubClient) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.creates) + len(s.gets) + len(s.executes) + len(s.refunds)
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func settings() config.Gateway {
	return config.Gateway{
		Enabled:            true,
		Description:        config.DefaultDescription,
		Sandbox:            true,
		CheckoutButtonText: config.DefaultCheckoutButtonText,
		ClientID:           "client",
		ClientSecret:       "secret",
		ReturnURL:          "https://shop.example.com/paypal/callback?lang=en",
		CheckoutURL:        "https://shop.example.com/checkout",
		OrderReceivedURL:   "https://shop.example.com/checkout/order-received",
	}
}

func sampleOrder(id string, status order.Status) order.Order {
	return order.Order{
		ID:       id,
		Currency: "USD",
		Status:   status,
		Items: []order.LineItem{
			{Kind: order.ItemProduct, Name: "Mug", Quantity: 2, UnitPrice: dec("10.00"), SKU: "MUG-1"},
			{Kind: order.ItemFee, Name: "Handling", Quantity: 1, UnitPrice: dec("5.00")},
		},
		ShippingTotal: dec("3.00"),
		TaxTotal:      dec("1.50"),
	}
}

func approvedDetails() payment.PaymentDetails {
	return payment.PaymentDetails{
		ID:      "PAY-1",
		State:   payment.IntentApproved,
		PayerID: "PAYER-1",
		Amount: pricing.Amount{
			Subtotal: dec("25.00"),
			Tax:      dec("1.50"),
			Shipping: dec("3.00"),
			Total:    dec("29.50"),
			Currency: "USD",
		},
	}
}

type fixture struct {
	store  *order.MemoryStore
	events *events.MemoryStore
	orders *order.Coordinator
	client *stubClient
}

func newFixture(orders ...order.Order) *fixture {
	store := order.NewMemoryStore(orders...)
	eventStore := &events.MemoryStore{}
	return &fixture{
		store:  store,
		events: eventStore,
		orders: order.NewCoordinator(store, &events.Bus{Store: eventStore}, zerolog.Nop()),
		client: &stubClient{details: approvedDetails()},
	}
}

func (f *fixture) status(id string) order.Status {
	o, err := f.store.Get(context.Background(), id)
	if err != nil {
		return ""
	}
	return o.Status
}

func processorRejected(msg string) error {
	return &common.AppError{Kind: common.KindValidation, Code: "PROCESSOR_REJECTED", Message: msg, HTTPStatus: 422}
}
