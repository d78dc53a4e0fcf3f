package payment_test

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-paygate/internal/common"
	"github.com/noah-isme/toko-paygate/internal/events"
	"github.com/noah-isme/toko-paygate/internal/order"
	"github.com/noah-isme/toko-paygate/internal/payment"
	"github.com/noah-isme/toko-paygate/internal/pricing"
)

func newBuilder(f *fixture) *payment.Builder {
	return &payment.Builder{Orders: f.orders, Client: f.client, Settings: settings(), Logger: zerolog.Nop()}
}

func TestBuildRequest(t *testing.T) {
	f := newFixture()
	b := newBuilder(f)

	req, err := b.BuildRequest(sampleOrder("1001", order.StatusPending))
	require.NoError(t, err)
	require.Equal(t, payment.IntentSale, req.Intent)
	require.Equal(t, payment.PaymentMethodPayPal, req.Payer.PaymentMethod)
	require.Equal(t, "29.50", pricing.Format(req.Amount.Total, "USD"))
	require.Equal(t, "25.00", pricing.Format(req.Amount.Subtotal, "USD"))
	require.Equal(t, settings().Description, req.Description)
	require.NotEmpty(t, req.InvoiceNumber)

	require.Len(t, req.Items, 2)
	require.Equal(t, "Mug", req.Items[0].Name)
	require.Equal(t, 2, req.Items[0].Quantity)
	require.Equal(t, "MUG-1", req.Items[0].SKU)
	require.Equal(t, "USD", req.Items[0].Currency)
	require.Equal(t, payment.FeeItemName, req.Items[1].Name)
	require.Equal(t, 1, req.Items[1].Quantity)
	require.Empty(t, req.Items[1].SKU)

	ret, err := url.Parse(req.RedirectURLs.Return)
	require.NoError(t, err)
	require.Equal(t, "/paypal/callback", ret.Path)
	require.Equal(t, "en", ret.Query().Get("lang"))
	require.Equal(t, "true", ret.Query().Get(payment.ParamFlow))
	require.Equal(t, "1001", ret.Query().Get(payment.ParamOrderID))

	cancel, err := url.Parse(req.RedirectURLs.Cancel)
	require.NoError(t, err)
	require.Equal(t, "cancel", cancel.Query().Get(payment.ParamFlow))
	require.Equal(t, "1001", cancel.Query().Get(payment.ParamOrderID))
}

func TestBuildRequestUsesFreshInvoiceNumbers(t *testing.T) {
	b := newBuilder(newFixture())
	o := sampleOrder("1001", order.StatusPending)

	first, err := b.BuildRequest(o)
	require.NoError(t, err)
	second, err := b.BuildRequest(o)
	require.NoError(t, err)
	require.NotEqual(t, first.InvoiceNumber, second.InvoiceNumber)
	require.True(t, first.Amount.Equal(second.Amount))
}

func TestBuildRequestRejectsInvalidLines(t *testing.T) {
	b := newBuilder(newFixture())
	o := sampleOrder("1001", order.StatusPending)
	o.Items[0].Currency = "EUR"

	_, err := b.BuildRequest(o)
	require.True(t, common.IsKind(err, common.KindValidation))
}

func TestCallbackURLKeepsExistingQuery(t *testing.T) {
	got, err := payment.CallbackURL("https://shop.example.com/?wc-api=pgatewc", "true", "77")
	require.NoError(t, err)
	u, err := url.Parse(got)
	require.NoError(t, err)
	require.Equal(t, "pgatewc", u.Query().Get("wc-api"))
	require.Equal(t, "77", u.Query().Get("order_id"))

	_, err = payment.CallbackURL("not a url", "true", "77")
	require.True(t, common.IsKind(err, common.KindConfiguration))
}

func TestCreateMovesOrderToAwaitingPayment(t *testing.T) {
	f := newFixture(sampleOrder("1001", order.StatusPending))
	b := newBuilder(f)

	res, err := b.Create(context.Background(), "1001")
	require.NoError(t, err)
	require.Equal(t, "PAY-1", res.IntentID)
	require.Contains(t, res.ApprovalURL, "token=PAY-1")
	require.NotEmpty(t, res.InvoiceNumber)

	o, err := f.store.Get(context.Background(), "1001")
	require.NoError(t, err)
	require.Equal(t, order.StatusAwaitingPayment, o.Status)
	require.Equal(t, "PAY-1", o.IntentID)

	notes := f.events.ForAggregate("1001")
	require.Len(t, notes, 1)
	require.Equal(t, events.TopicPaymentIntentCreated, notes[0].Topic)
}

func TestCreateRetryUsesNewInvoiceNumber(t *testing.T) {
	f := newFixture(sampleOrder("1001", order.StatusPending))
	b := newBuilder(f)

	_, err := b.Create(context.Background(), "1001")
	require.NoError(t, err)
	_, err = b.Create(context.Background(), "1001")
	require.NoError(t, err)

	require.Len(t, f.client.creates, 2)
	require.NotEqual(t, f.client.creates[0].InvoiceNumber, f.client.creates[1].InvoiceNumber)
	require.Equal(t, order.StatusAwaitingPayment, f.status("1001"))
}

func TestCreateRemoteFailureLeavesOrderPending(t *testing.T) {
	f := newFixture(sampleOrder("1001", order.StatusPending))
	f.client.createErr = common.RemoteAPIError("Service Unavailable", true, errors.New("503"))
	b := newBuilder(f)

	_, err := b.Create(context.Background(), "1001")
	require.Error(t, err)
	require.True(t, common.IsKind(err, common.KindRemoteAPI))
	require.True(t, common.IsRetryable(err))
	require.Equal(t, "Service Unavailable", common.Message(err))
	require.Equal(t, order.StatusPending, f.status("1001"))
	require.Empty(t, f.events.ForAggregate("1001"))
}

func TestCreateRequiresCredentials(t *testing.T) {
	f := newFixture(sampleOrder("1001", order.StatusPending))
	b := newBuilder(f)
	b.Settings.ClientSecret = ""

	_, err := b.Create(context.Background(), "1001")
	require.True(t, common.IsKind(err, common.KindConfiguration))
	require.Zero(t, f.client.calls())

	b.Settings = settings()
	b.Settings.Enabled = false
	_, err = b.Create(context.Background(), "1001")
	require.True(t, common.IsKind(err, common.KindConfiguration))
	require.Zero(t, f.client.calls())
}

func TestCreateRejectsOrdersThatCannotBePaid(t *testing.T) {
	f := newFixture(sampleOrder("1001", order.StatusCompleted))
	b := newBuilder(f)

	_, err := b.Create(context.Background(), "1001")
	require.True(t, common.IsKind(err, common.KindStateConflict))
	require.Zero(t, f.client.calls())

	_, err = b.Create(context.Background(), "404")
	require.True(t, common.IsKind(err, common.KindNotFound))
}
