package order

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by stores when the order does not exist.
var ErrNotFound = errors.New("order: not found")

// Change carries the fields written together with a status transition. Empty fields are left untouched.
type Change struct {
	TransactionID string
	IntentID      string
	RefundID      string
	FailureReason string
	// Actor names the operator behind a manual transition. It is only carried into the order note.
	Actor string
}

// Store is the order storage the payment flow depends on.
type Store interface {
	Get(ctx context.Context, id string) (Order, error)
	// CompareAndSetStatus moves the order to `to` only while its status is one of from. It reports
	// false when no row matched, either because the order is absent or its status changed.
	CompareAndSetStatus(ctx context.Context, id string, from []Status, to Status, change Change) (bool, error)
}

// MemoryStore is an in-process Store used by tests and local runs.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]Order
	now    func() time.Time
}

// NewMemoryStore returns a store seeded with the provided orders.
func NewMemoryStore(orders ...Order) *MemoryStore {
	s := &MemoryStore{orders: make(map[string]Order, len(orders)), now: time.Now}
	for _, o := range orders {
		s.orders[o.ID] = cloneOrder(o)
	}
	return s
}

// Put inserts or replaces an order.
func (s *MemoryStore) Put(o Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = cloneOrder(o)
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return cloneOrder(o), nil
}

// CompareAndSetStatus implements Store.
func (s *MemoryStore) CompareAndSetStatus(_ context.Context, id string, from []Status, to Status, change Change) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range from {
		if o.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	o.Status = to
	applyChange(&o, change)
	o.UpdatedAt = s.now()
	s.orders[id] = o
	return true, nil
}

func applyChange(o *Order, change Change) {
	if change.TransactionID != "" {
		o.TransactionID = change.TransactionID
	}
	if change.IntentID != "" {
		o.IntentID = change.IntentID
	}
	if change.RefundID != "" {
		o.RefundID = change.RefundID
	}
	if change.FailureReason != "" {
		o.FailureReason = change.FailureReason
	}
}

func cloneOrder(o Order) Order {
	o.Items = append([]LineItem(nil), o.Items...)
	return o
}
