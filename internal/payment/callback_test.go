package payment_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-paygate/internal/cart"
	"github.com/noah-isme/toko-paygate/internal/common"
	"github.com/noah-isme/toko-paygate/internal/events"
	"github.com/noah-isme/toko-paygate/internal/lock"
	"github.com/noah-isme/toko-paygate/internal/order"
	"github.com/noah-isme/toko-paygate/internal/payment"
	"github.com/noah-isme/toko-paygate/internal/pricing"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newCallbackHandler(f *fixture) *payment.CallbackHandler {
	return &payment.CallbackHandler{Orders: f.orders, Client: f.client, Settings: settings(), Logger: zerolog.Nop()}
}

func approvedPayload(orderID string) payment.CallbackPayload {
	return payment.CallbackPayload{Flow: payment.FlowApproved, OrderID: orderID, IntentID: "PAY-1", PayerID: "PAYER-1"}
}

func awaitingOrder(id string) order.Order {
	o := sampleOrder(id, order.StatusAwaitingPayment)
	o.IntentID = "PAY-1"
	return o
}

type countingSession struct {
	emptied int
}

func (s *countingSession) ID() string { return "sess" }
func (s *countingSession) Empty(context.Context) error {
	s.emptied++
	return nil
}

func TestParseCallback(t *testing.T) {
	cases := []struct {
		query string
		ok    bool
		want  payment.CallbackPayload
	}{
		{"pgatewc=true&order_id=12&paymentId=PAY-1&PayerID=P1", true,
			payment.CallbackPayload{Flow: payment.FlowApproved, OrderID: "12", IntentID: "PAY-1", PayerID: "P1"}},
		{"pgatewc=true&order_id=12&token=ORDER-9&PayerID=P1", true,
			payment.CallbackPayload{Flow: payment.FlowApproved, OrderID: "12", IntentID: "ORDER-9", PayerID: "P1"}},
		{"pgatewc=cancel&order_id=12&token=ORDER-9", true,
			payment.CallbackPayload{Flow: payment.FlowCancelled, OrderID: "12", IntentID: "ORDER-9"}},
		{"pgatewc=cancelled&order_id=12", true,
			payment.CallbackPayload{Flow: payment.FlowCancelled, OrderID: "12"}},
		{"pgatewc=true&order_id=0", false, payment.CallbackPayload{}},
		{"pgatewc=true&order_id=", false, payment.CallbackPayload{}},
		{"pgatewc=maybe&order_id=12", false, payment.CallbackPayload{}},
		{"order_id=12", false, payment.CallbackPayload{}},
	}
	for _, tc := range cases {
		values, err := url.ParseQuery(tc.query)
		require.NoError(t, err)
		got, ok := payment.ParseCallback(values)
		require.Equal(t, tc.ok, ok, tc.query)
		require.Equal(t, tc.want, got, tc.query)
	}
}

func TestApprovedCallbackCompletesOrderAndEmptiesCart(t *testing.T) {
	mr, rdb := newRedis(t)
	mr.HSet("cart:sess-1:items", "MUG-1", "2")

	f := newFixture(awaitingOrder("1001"))
	h := newCallbackHandler(f)
	session := cart.Carts{R: rdb, Prefix: "cart:"}.Session("sess-1")

	res, err := h.Handle(context.Background(), approvedPayload("1001"), session)
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeCompleted, res.Outcome)
	require.Equal(t, "SALE-1", res.TransactionID)
	require.Contains(t, res.RedirectURL, "/checkout/order-received")
	require.Contains(t, res.RedirectURL, "order_id=1001")

	o, err := f.store.Get(context.Background(), "1001")
	require.NoError(t, err)
	require.Equal(t, order.StatusCompleted, o.Status)
	require.Equal(t, "SALE-1", o.TransactionID)
	require.False(t, mr.Exists("cart:sess-1:items"))

	require.Len(t, f.client.gets, 1)
	require.Len(t, f.client.executes, 1)
	require.Equal(t, "PAYER-1", f.client.executes[0].PayerID)

	notes := f.events.ForAggregate("1001")
	require.Len(t, notes, 1)
	require.Equal(t, events.TopicOrderPaid, notes[0].Topic)
}

func TestExecuteAmountMatchesCreationAmount(t *testing.T) {
	f := newFixture(sampleOrder("1001", order.StatusPending))
	b := newBuilder(f)
	created, err := b.Create(context.Background(), "1001")
	require.NoError(t, err)

	h := newCallbackHandler(f)
	payload := approvedPayload("1001")
	payload.IntentID = created.IntentID
	_, err = h.Handle(context.Background(), payload, cart.None{})
	require.NoError(t, err)

	require.Len(t, f.client.executes, 1)
	require.True(t, f.client.creates[0].Amount.Equal(f.client.executes[0].Amount))
}

func TestDuplicateApprovedCallbackIsNoop(t *testing.T) {
	f := newFixture(awaitingOrder("1001"))
	h := newCallbackHandler(f)
	session := &countingSession{}

	first, err := h.Handle(context.Background(), approvedPayload("1001"), session)
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeCompleted, first.Outcome)

	second, err := h.Handle(context.Background(), approvedPayload("1001"), session)
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeAlreadyFinal, second.Outcome)
	require.Equal(t, "SALE-1", second.TransactionID)

	require.Len(t, f.client.gets, 1)
	require.Len(t, f.client.executes, 1)
	require.Equal(t, 1, session.emptied)
	require.Len(t, f.events.ForAggregate("1001"), 1)
}

func TestApprovedCallbackForCompletedOrderMakesNoCalls(t *testing.T) {
	for _, status := range []order.Status{order.StatusCompleted, order.StatusProcessing} {
		o := awaitingOrder("1001")
		o.Status = status
		f := newFixture(o)
		h := newCallbackHandler(f)

		res, err := h.Handle(context.Background(), approvedPayload("1001"), cart.None{})
		require.NoError(t, err)
		require.Equal(t, payment.OutcomeAlreadyFinal, res.Outcome)
		require.Zero(t, f.client.calls())
		require.Equal(t, status, f.status("1001"))
	}
}

func TestCallbackForCancelledOrFailedOrderIsIgnored(t *testing.T) {
	for _, status := range []order.Status{order.StatusCancelled, order.StatusFailed, order.StatusRefunded} {
		o := awaitingOrder("1001")
		o.Status = status
		f := newFixture(o)
		h := newCallbackHandler(f)

		res, err := h.Handle(context.Background(), approvedPayload("1001"), cart.None{})
		require.NoError(t, err)
		require.Equal(t, payment.OutcomeIgnored, res.Outcome)
		require.Zero(t, f.client.calls())
		require.Equal(t, status, f.status("1001"))
		require.Empty(t, f.events.ForAggregate("1001"))
	}
}

func TestExecuteFailureMarksOrderFailedAndKeepsCart(t *testing.T) {
	f := newFixture(awaitingOrder("1001"))
	f.client.executeErr = processorRejected("Instrument declined")
	h := newCallbackHandler(f)
	session := &countingSession{}

	res, err := h.Handle(context.Background(), approvedPayload("1001"), session)
	require.Error(t, err)
	require.Equal(t, payment.OutcomeFailed, res.Outcome)
	require.Equal(t, "Instrument declined", res.Message)
	require.Equal(t, "Instrument declined", common.Message(err))
	require.Equal(t, settings().CheckoutURL, res.RedirectURL)

	o, getErr := f.store.Get(context.Background(), "1001")
	require.NoError(t, getErr)
	require.Equal(t, order.StatusFailed, o.Status)
	require.Equal(t, "Instrument declined", o.FailureReason)
	require.Zero(t, session.emptied)

	notes := f.events.ForAggregate("1001")
	require.Len(t, notes, 1)
	require.Equal(t, events.TopicPaymentFailed, notes[0].Topic)
}

func TestRetryableExecuteErrorLeavesOrderUnchanged(t *testing.T) {
	f := newFixture(awaitingOrder("1001"))
	f.client.executeErr = common.RemoteAPIError("payment processor timed out", true, context.DeadlineExceeded)
	h := newCallbackHandler(f)

	_, err := h.Handle(context.Background(), approvedPayload("1001"), cart.None{})
	require.True(t, common.IsRetryable(err))
	require.Equal(t, order.StatusAwaitingPayment, f.status("1001"))
}

func TestCallbackRecoversCaptureFromEarlierAttempt(t *testing.T) {
	f := newFixture(awaitingOrder("1001"))
	f.client.details.State = payment.IntentExecuted
	f.client.details.TransactionID = "SALE-EARLIER"
	h := newCallbackHandler(f)

	res, err := h.Handle(context.Background(), approvedPayload("1001"), cart.None{})
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeCompleted, res.Outcome)
	require.Equal(t, "SALE-EARLIER", res.TransactionID)
	require.Empty(t, f.client.executes)
}

func TestAmountMismatchFailsWithoutExecuting(t *testing.T) {
	f := newFixture(awaitingOrder("1001"))
	f.client.details.Amount = pricing.Amount{Total: dec("19.50"), Currency: "USD"}
	h := newCallbackHandler(f)

	res, err := h.Handle(context.Background(), approvedPayload("1001"), cart.None{})
	require.True(t, common.IsKind(err, common.KindValidation))
	require.Equal(t, payment.OutcomeFailed, res.Outcome)
	require.Empty(t, f.client.executes)
	require.Equal(t, order.StatusFailed, f.status("1001"))
}

func TestGetPaymentRejectionFailsOrder(t *testing.T) {
	f := newFixture(awaitingOrder("1001"))
	f.client.getErr = processorRejected("Order not found")
	h := newCallbackHandler(f)

	_, err := h.Handle(context.Background(), approvedPayload("1001"), cart.None{})
	require.Error(t, err)
	require.Equal(t, order.StatusFailed, f.status("1001"))
	require.Empty(t, f.client.executes)
}

func TestCallbackRejectsForeignIntent(t *testing.T) {
	f := newFixture(awaitingOrder("1001"))
	h := newCallbackHandler(f)
	payload := approvedPayload("1001")
	payload.IntentID = "PAY-OTHER"

	_, err := h.Handle(context.Background(), payload, cart.None{})
	require.True(t, common.IsKind(err, common.KindValidation))
	require.Zero(t, f.client.calls())
	require.Equal(t, order.StatusAwaitingPayment, f.status("1001"))

	payload = approvedPayload("1001")
	payload.PayerID = ""
	_, err = h.Handle(context.Background(), payload, cart.None{})
	require.True(t, common.IsKind(err, common.KindValidation))
	require.Zero(t, f.client.calls())
}

func TestCancelledCallbackCancelsOrder(t *testing.T) {
	f := newFixture(awaitingOrder("1001"))
	h := newCallbackHandler(f)
	session := &countingSession{}

	res, err := h.Handle(context.Background(), payment.CallbackPayload{Flow: payment.FlowCancelled, OrderID: "1001"}, session)
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeCancelled, res.Outcome)
	require.Equal(t, settings().CheckoutURL, res.RedirectURL)
	require.Equal(t, order.StatusCancelled, f.status("1001"))
	require.Zero(t, f.client.calls())
	require.Zero(t, session.emptied)
}

func TestCallbackUnknownOrder(t *testing.T) {
	f := newFixture()
	h := newCallbackHandler(f)
	_, err := h.Handle(context.Background(), approvedPayload("404"), cart.None{})
	require.True(t, common.IsKind(err, common.KindNotFound))
	require.Zero(t, f.client.calls())
}

func TestConcurrentCallbacksCaptureOnce(t *testing.T) {
	_, rdb := newRedis(t)
	f := newFixture(awaitingOrder("1001"))
	h := newCallbackHandler(f)
	h.Locker = lock.Locker{R: rdb, RetryBackoff: 2 * time.Millisecond}

	var wg sync.WaitGroup
	outcomes := make(chan payment.Outcome, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.Handle(context.Background(), approvedPayload("1001"), cart.None{})
			if err == nil {
				outcomes <- res.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	completed := 0
	for o := range outcomes {
		if o == payment.OutcomeCompleted {
			completed++
		} else {
			require.Equal(t, payment.OutcomeAlreadyFinal, o)
		}
	}
	require.Equal(t, 1, completed)
	require.Len(t, f.client.executes, 1)
	require.Equal(t, order.StatusCompleted, f.status("1001"))
}

func TestCallbackLockHeldElsewhere(t *testing.T) {
	mr, rdb := newRedis(t)
	require.NoError(t, mr.Set(lock.OrderKey("1001"), "other"))
	f := newFixture(awaitingOrder("1001"))
	h := newCallbackHandler(f)
	h.Locker = lock.Locker{R: rdb, RetryBackoff: 2 * time.Millisecond, MaxWait: 10 * time.Millisecond}

	_, err := h.Handle(context.Background(), approvedPayload("1001"), cart.None{})
	require.Error(t, err)
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, "PAYMENT_IN_PROGRESS", appErr.Code)
	require.Zero(t, f.client.calls())
}

// racingClient captures on the first execute and rejects the second, as the processor does when
// two approvals for one intent arrive together.
type racingClient struct {
	stubClient
	entered  chan struct{}
	release  chan struct{}
	captured bool
	execs    int
}

func (c *racingClient) GetPayment(_ context.Context, intentID string) (payment.PaymentDetails, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	details := approvedDetails()
	if c.captured {
		details.State = payment.IntentExecuted
		details.TransactionID = "SALE-1"
	}
	return details, nil
}

func (c *racingClient) ExecutePayment(_ context.Context, intentID, payerID string, amount pricing.Amount) (string, error) {
	c.mu.Lock()
	c.execs++
	first := c.execs == 1
	if !first {
		c.captured = true
	}
	c.mu.Unlock()
	if first {
		close(c.entered)
		<-c.release
		return "SALE-1", nil
	}
	return "", processorRejected("Order already captured")
}

func TestRejectedExecuteAfterConcurrentCaptureCompletesOrder(t *testing.T) {
	f := newFixture(awaitingOrder("1001"))
	client := &racingClient{entered: make(chan struct{}), release: make(chan struct{})}
	h := &payment.CallbackHandler{Orders: f.orders, Client: client, Settings: settings(), Logger: zerolog.Nop()}

	type outcome struct {
		res payment.CallbackResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := h.Handle(context.Background(), approvedPayload("1001"), cart.None{})
		first <- outcome{res, err}
	}()
	<-client.entered

	session := &countingSession{}
	res, err := h.Handle(context.Background(), approvedPayload("1001"), session)
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeCompleted, res.Outcome)
	require.Equal(t, "SALE-1", res.TransactionID)
	require.Equal(t, 1, session.emptied)

	close(client.release)
	a := <-first
	require.NoError(t, a.err)
	require.Equal(t, payment.OutcomeAlreadyFinal, a.res.Outcome)

	o, getErr := f.store.Get(context.Background(), "1001")
	require.NoError(t, getErr)
	require.Equal(t, order.StatusCompleted, o.Status)
	require.Equal(t, "SALE-1", o.TransactionID)
	require.Empty(t, o.FailureReason)
}

func TestDeclinedCaptureFailsOrderAndKeepsCart(t *testing.T) {
	f := newFixture(awaitingOrder("1001"))
	f.client.executeErr = &common.AppError{
		Kind:       common.KindValidation,
		Code:       "CAPTURE_DECLINED",
		Message:    "payment capture declined at the processor",
		HTTPStatus: 422,
		Details:    map[string]any{"status": "DECLINED"},
	}
	h := newCallbackHandler(f)
	session := &countingSession{}

	res, err := h.Handle(context.Background(), approvedPayload("1001"), session)
	require.Error(t, err)
	require.False(t, common.IsRetryable(err))
	require.Equal(t, payment.OutcomeFailed, res.Outcome)
	require.Equal(t, order.StatusFailed, f.status("1001"))
	require.Zero(t, session.emptied)
	require.Len(t, f.client.gets, 2)
}

func TestDeclinedCaptureFromEarlierAttemptFailsOrder(t *testing.T) {
	f := newFixture(awaitingOrder("1001"))
	f.client.details.State = payment.IntentFailed
	f.client.details.CaptureStatus = "DECLINED"
	h := newCallbackHandler(f)
	session := &countingSession{}

	res, err := h.Handle(context.Background(), approvedPayload("1001"), session)
	require.True(t, common.IsKind(err, common.KindValidation))
	require.Equal(t, payment.OutcomeFailed, res.Outcome)
	require.Empty(t, f.client.executes)
	require.Equal(t, order.StatusFailed, f.status("1001"))
	require.Zero(t, session.emptied)
}
