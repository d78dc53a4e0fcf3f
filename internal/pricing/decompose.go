package pricing

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-paygate/internal/common"
	"github.com/noah-isme/toko-paygate/internal/order"
)

// Amount is the decomposition of an order total sent to the processor.
type Amount struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
	Currency string
}

// zeroDecimal lists currencies the processor accepts without a fractional part.
var zeroDecimal = map[string]bool{
	"HUF": true,
	"JPY": true,
	"KRW": true,
	"TWD": true,
}

// Places returns the number of minor-unit digits for currency.
func Places(currency string) int32 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// Round rounds d to the minor unit of currency.
func Round(d decimal.Decimal, currency string) decimal.Decimal {
	return d.Round(Places(currency))
}

// Format renders d with exactly the minor-unit digits of currency.
func Format(d decimal.Decimal, currency string) string {
	return d.StringFixed(Places(currency))
}

// Decompose computes the Amount of o. Both payment creation and capture use it so the two
// always agree for unchanged line items.
func Decompose(o order.Order) (Amount, error) {
	return Compute(o.Items, o.ShippingTotal, o.TaxTotal, o.Currency)
}

// Compute derives subtotal and total from items. Fee lines contribute their price once; product
// lines contribute unit price times quantity.
func Compute(items []order.LineItem, shipping, tax decimal.Decimal, currency string) (Amount, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return Amount{}, common.ValidationError("INVALID_CURRENCY", "order currency is required")
	}
	if shipping.IsNegative() {
		return Amount{}, common.ValidationError("INVALID_AMOUNT", "shipping total must not be negative")
	}
	if tax.IsNegative() {
		return Amount{}, common.ValidationError("INVALID_AMOUNT", "tax total must not be negative")
	}

	subtotal := decimal.Zero
	for i, item := range items {
		line, err := Contribution(item, currency)
		if err != nil {
			if appErr, ok := err.(*common.AppError); ok {
				appErr.Details = map[string]any{"line": i}
			}
			return Amount{}, err
		}
		subtotal = subtotal.Add(line)
	}

	amount := Amount{
		Subtotal: Round(subtotal, currency),
		Tax:      Round(tax, currency),
		Shipping: Round(shipping, currency),
		Currency: currency,
	}
	amount.Total = amount.Subtotal.Add(amount.Tax).Add(amount.Shipping)
	return amount, nil
}

// Contribution returns what a single line adds to the subtotal.
func Contribution(item order.LineItem, currency string) (decimal.Decimal, error) {
	if item.Currency != "" && !strings.EqualFold(item.Currency, currency) {
		return decimal.Zero, common.ValidationError("CURRENCY_MISMATCH", "line item %q is priced in %s, order currency is %s", item.Name, strings.ToUpper(item.Currency), currency)
	}
	if item.UnitPrice.IsNegative() {
		return decimal.Zero, common.ValidationError("INVALID_AMOUNT", "line item %q has a negative price", item.Name)
	}
	if item.Quantity < 0 {
		return decimal.Zero, common.ValidationError("INVALID_QUANTITY", "line item %q has a negative quantity", item.Name)
	}
	price := Round(item.UnitPrice, currency)
	switch item.Kind {
	case order.ItemFee:
		return price, nil
	case order.ItemProduct, "":
		if item.Quantity == 0 {
			return decimal.Zero, common.ValidationError("INVALID_QUANTITY", "line item %q must have a quantity of at least 1", item.Name)
		}
		return price.Mul(decimal.NewFromInt(int64(item.Quantity))), nil
	default:
		return decimal.Zero, common.ValidationError("INVALID_LINE_ITEM", "line item %q has unknown kind %q", item.Name, item.Kind)
	}
}

// Validate checks the sum invariant. A mismatch is reported, never corrected.
func (a Amount) Validate() error {
	if strings.TrimSpace(a.Currency) == "" {
		return common.ValidationError("INVALID_CURRENCY", "amount currency is required")
	}
	if !a.Subtotal.Add(a.Tax).Add(a.Shipping).Equal(a.Total) {
		return common.ValidationError("AMOUNT_MISMATCH", "total %s does not equal subtotal %s + tax %s + shipping %s",
			a.Total, a.Subtotal, a.Tax, a.Shipping)
	}
	return nil
}

// Equal reports whether a and b describe the same amount in the same currency.
func (a Amount) Equal(b Amount) bool {
	return strings.EqualFold(a.Currency, b.Currency) &&
		a.Subtotal.Equal(b.Subtotal) &&
		a.Tax.Equal(b.Tax) &&
		a.Shipping.Equal(b.Shipping) &&
		a.Total.Equal(b.Total)
}
