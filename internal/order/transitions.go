package order

// Event is an outcome that requests an order status change.
type Event string

const (
	EventIntentCreated  Event = "intent_created"
	EventExecuteSuccess Event = "execute_success"
	EventExecuteFailure Event = "execute_failure"
	EventCancel         Event = "cancel"
	EventRefundSuccess  Event = "refund_success"
)

type transition struct {
	from []Status
	to   Status
}

// transitions holds every legal status change. All but EventIntentCreated record a processor
// outcome; EventIntentCreated only marks a payable order as waiting on the buyer and never leaves
// the payable statuses.
var transitions = map[Event]transition{
	EventIntentCreated:  {from: []Status{StatusPending, StatusAwaitingPayment}, to: StatusAwaitingPayment},
	EventExecuteSuccess: {from: []Status{StatusPending, StatusAwaitingPayment}, to: StatusCompleted},
	EventExecuteFailure: {from: []Status{StatusPending, StatusAwaitingPayment}, to: StatusFailed},
	EventCancel:         {from: []Status{StatusPending, StatusAwaitingPayment}, to: StatusCancelled},
	EventRefundSuccess:  {from: []Status{StatusCompleted}, to: StatusRefunded},
}

// Target returns the status event leads to and the statuses it may start from.
func Target(event Event) (to Status, from []Status, ok bool) {
	t, ok := transitions[event]
	if !ok {
		return "", nil, false
	}
	return t.to, append([]Status(nil), t.from...), true
}

// CanApply reports whether event is legal for an order currently in status.
func CanApply(status Status, event Event) bool {
	t, ok := transitions[event]
	if !ok {
		return false
	}
	for _, s := range t.from {
		if s == status {
			return true
		}
	}
	return false
}
