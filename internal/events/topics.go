package events

// Topic constants for domain events emitted by the payment flow.
const (
	TopicPaymentIntentCreated = "payment.intent_created"
	TopicOrderPaid            = "order.paid"
	TopicPaymentFailed        = "payment.failed"
	TopicOrderCanceled        = "order.canceled"
	TopicOrderRefunded        = "order.refunded"
)

// DefaultTopics returns the canonical list of topics emitted for orders.
func DefaultTopics() []string {
	return []string{
		TopicPaymentIntentCreated,
		TopicOrderPaid,
		TopicPaymentFailed,
		TopicOrderCanceled,
		TopicOrderRefunded,
	}
}
