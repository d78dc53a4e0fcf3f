package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-paygate/internal/common"
	"github.com/noah-isme/toko-paygate/internal/events"
	"github.com/noah-isme/toko-paygate/internal/obs"
)

// EventEmitter records order notes for applied transitions.
type EventEmitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Coordinator is the only component allowed to change an order's status.
type Coordinator struct {
	Store  Store
	Events EventEmitter
	Logger zerolog.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(store Store, emitter EventEmitter, logger zerolog.Logger) *Coordinator {
	return &Coordinator{Store: store, Events: emitter, Logger: logger}
}

// Get loads an order, translating a missing row into a NotFoundError.
func (c *Coordinator) Get(ctx context.Context, id string) (Order, error) {
	o, err := c.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Order{}, common.NotFoundError("ORDER_NOT_FOUND", "order %s not found", id)
		}
		return Order{}, fmt.Errorf("load order %s: %w", id, err)
	}
	return o, nil
}

// Apply performs the transition for event with a compare-and-set on the order status. Illegal
// transitions return a StateConflictError and leave the order untouched.
func (c *Coordinator) Apply(ctx context.Context, orderID string, event Event, change Change) (Order, error) {
	to, from, ok := Target(event)
	if !ok {
		return Order{}, common.StateConflictError("unknown order event %q", event)
	}
	updated, err := c.Store.CompareAndSetStatus(ctx, orderID, from, to, change)
	if err != nil {
		obs.CountOrderTransition(string(event), "error")
		return Order{}, fmt.Errorf("transition order %s: %w", orderID, err)
	}
	if !updated {
		current, getErr := c.Get(ctx, orderID)
		if getErr != nil {
			obs.CountOrderTransition(string(event), "error")
			return Order{}, getErr
		}
		obs.CountOrderTransition(string(event), "rejected")
		c.Logger.Warn().
			Str("order_id", orderID).
			Str("event", string(event)).
			Str("status", string(current.Status)).
			Msg("order transition rejected")
		conflict := common.StateConflictError("order %s cannot apply %s from status %s", orderID, event, current.Status)
		conflict.Details = map[string]any{"status": current.Status}
		return current, conflict
	}
	obs.CountOrderTransition(string(event), "applied")

	current, err := c.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	c.Logger.Info().
		Str("order_id", orderID).
		Str("event", string(event)).
		Str("status", string(current.Status)).
		Msg("order transitioned")
	c.note(ctx, current, event, change)
	return current, nil
}

func (c *Coordinator) note(ctx context.Context, o Order, event Event, change Change) {
	if c.Events == nil {
		return
	}
	topic, payload := noteFor(o, event, change)
	if topic == "" {
		return
	}
	if _, err := c.Events.Emit(ctx, topic, o.ID, payload); err != nil {
		c.Logger.Error().Err(err).Str("order_id", o.ID).Str("topic", topic).Msg("record order note")
	}
}

func noteFor(o Order, event Event, change Change) (string, map[string]any) {
	switch event {
	case EventIntentCreated:
		return events.TopicPaymentIntentCreated, map[string]any{
			"intentId": change.IntentID,
			"note":     "Payment created with the processor. Awaiting buyer approval.",
		}
	case EventExecuteSuccess:
		return events.TopicOrderPaid, map[string]any{
			"transactionId": change.TransactionID,
			"intentId":      o.IntentID,
			"note":          fmt.Sprintf("Payment approved. Transaction id: %s", change.TransactionID),
		}
	case EventExecuteFailure:
		return events.TopicPaymentFailed, map[string]any{
			"intentId": o.IntentID,
			"reason":   change.FailureReason,
			"note":     fmt.Sprintf("Payment failed for intent %s: %s", o.IntentID, change.FailureReason),
		}
	case EventCancel:
		return events.TopicOrderCanceled, map[string]any{
			"note": "Buyer cancelled the payment at the processor.",
		}
	case EventRefundSuccess:
		payload := map[string]any{
			"refundId":      change.RefundID,
			"transactionId": o.TransactionID,
			"note":          fmt.Sprintf("Refund issued. Refund id: %s", change.RefundID),
		}
		if change.Actor != "" {
			payload["operatorId"] = change.Actor
		}
		return events.TopicOrderRefunded, payload
	}
	return "", nil
}
