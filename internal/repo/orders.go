package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-paygate/internal/order"
)

const orderSelect = `
SELECT id, currency, status, shipping_total::text, tax_total::text,
       COALESCE(transaction_id, ''), COALESCE(intent_id, ''), COALESCE(refund_id, ''),
       COALESCE(failure_reason, ''), updated_at
FROM orders
WHERE id = $1;
`

const orderItemsSelect = `
SELECT kind, name, quantity, unit_price::text, COALESCE(sku, ''), COALESCE(currency, '')
FROM order_items
WHERE order_id = $1
ORDER BY position;
`

const orderStatusCAS = `
UPDATE orders
SET status = $2,
    transaction_id = COALESCE(NULLIF($4, ''), transaction_id),
    intent_id = COALESCE(NULLIF($5, ''), intent_id),
    refund_id = COALESCE(NULLIF($6, ''), refund_id),
    failure_reason = COALESCE(NULLIF($7, ''), failure_reason),
    updated_at = now()
WHERE id = $1 AND status = ANY($3);
`

// orderInsert writes the order and its items in one statement.
const orderInsert = `
WITH o AS (
    INSERT INTO orders (id, currency, status, shipping_total, tax_total)
    VALUES ($1, $2, $3, $4::numeric, $5::numeric)
    RETURNING id
)
INSERT INTO order_items (order_id, position, kind, name, quantity, unit_price, sku, currency)
SELECT o.id, i.position, i.kind, i.name, i.quantity, i.unit_price::numeric, NULLIF(i.sku, ''), NULLIF(i.currency, '')
FROM o, unnest($6::int[], $7::text[], $8::text[], $9::int[], $10::text[], $11::text[], $12::text[])
    AS i(position, kind, name, quantity, unit_price, sku, currency);
`

// OrderStore implements order.Store on Postgres.
type OrderStore struct {
	DB DB
}

var _ order.Store = OrderStore{}

// Get implements order.Store.
func (s OrderStore) Get(ctx context.Context, id string) (order.Order, error) {
	var (
		o                 order.Order
		status            string
		shipping, taxText string
		updatedAt         time.Time
	)
	err := s.DB.QueryRow(ctx, orderSelect, id).Scan(
		&o.ID, &o.Currency, &status, &shipping, &taxText,
		&o.TransactionID, &o.IntentID, &o.RefundID, &o.FailureReason, &updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Order{}, order.ErrNotFound
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("repo: get order %s: %w", id, err)
	}
	o.Status = order.Status(status)
	o.UpdatedAt = updatedAt
	if o.ShippingTotal, err = decimal.NewFromString(shipping); err != nil {
		return order.Order{}, fmt.Errorf("repo: order %s shipping total: %w", id, err)
	}
	if o.TaxTotal, err = decimal.NewFromString(taxText); err != nil {
		return order.Order{}, fmt.Errorf("repo: order %s tax total: %w", id, err)
	}

	rows, err := s.DB.Query(ctx, orderItemsSelect, id)
	if err != nil {
		return order.Order{}, fmt.Errorf("repo: order %s items: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it        order.LineItem
			kind      string
			unitPrice string
		)
		if err := rows.Scan(&kind, &it.Name, &it.Quantity, &unitPrice, &it.SKU, &it.Currency); err != nil {
			return order.Order{}, fmt.Errorf("repo: scan order %s item: %w", id, err)
		}
		it.Kind = order.ItemKind(kind)
		if it.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
			return order.Order{}, fmt.Errorf("repo: order %s item price: %w", id, err)
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return order.Order{}, fmt.Errorf("repo: order %s items: %w", id, err)
	}
	return o, nil
}

// CompareAndSetStatus implements order.Store. The status guard runs inside the UPDATE, so two
// concurrent transitions from the same status cannot both succeed.
func (s OrderStore) CompareAndSetStatus(ctx context.Context, id string, from []order.Status, to order.Status, change order.Change) (bool, error) {
	fromText := make([]string, 0, len(from))
	for _, st := range from {
		fromText = append(fromText, string(st))
	}
	tag, err := s.DB.Exec(ctx, orderStatusCAS, id, string(to), fromText,
		change.TransactionID, change.IntentID, change.RefundID, change.FailureReason)
	if err != nil {
		return false, fmt.Errorf("repo: set order %s status %s: %w", id, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Create inserts o with its line items.
func (s OrderStore) Create(ctx context.Context, o order.Order) error {
	n := len(o.Items)
	var (
		positions  = make([]int, n)
		kinds      = make([]string, n)
		names      = make([]string, n)
		quantities = make([]int, n)
		prices     = make([]string, n)
		skus       = make([]string, n)
		currencies = make([]string, n)
	)
	for i, it := range o.Items {
		positions[i] = i
		kinds[i] = string(it.Kind)
		names[i] = it.Name
		quantities[i] = it.Quantity
		prices[i] = it.UnitPrice.String()
		skus[i] = it.SKU
		currencies[i] = it.Currency
	}
	status := o.Status
	if status == "" {
		status = order.StatusPending
	}
	_, err := s.DB.Exec(ctx, orderInsert, o.ID, o.Currency, string(status),
		o.ShippingTotal.String(), o.TaxTotal.String(),
		positions, kinds, names, quantities, prices, skus, currencies)
	if err != nil {
		return fmt.Errorf("repo: create order %s with %d items: %w", o.ID, n, err)
	}
	return nil
}
