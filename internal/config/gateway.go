package config

import (
	"strings"

	"github.com/spf13/cast"

	"github.com/noah-isme/toko-paygate/internal/common"
)

const (
	DefaultDescription        = "Pay securely with credit or debit card, or your Paypal account."
	DefaultCheckoutButtonText = "Proceed to Paypal"
)

// Gateway is the merchant-facing settings surface of the PayPal gateway.
type Gateway struct {
	Enabled            bool
	Description        string
	Sandbox            bool
	CheckoutButtonText string
	ClientID           string
	ClientSecret       string
	// ReturnURL is the base URL the processor redirects the buyer back to.
	ReturnURL        string
	CheckoutURL      string
	OrderReceivedURL string
}

// Validate checks the only settings the payment core depends on: the API credentials.
func (g Gateway) Validate() error {
	if strings.TrimSpace(g.ClientID) == "" {
		return common.ConfigurationError("paypal client id is not configured")
	}
	if strings.TrimSpace(g.ClientSecret) == "" {
		return common.ConfigurationError("paypal client secret is not configured")
	}
	return nil
}

// Public returns the settings that are safe to expose to the storefront.
func (g Gateway) Public() map[string]any {
	return map[string]any{
		"enabled":            g.Enabled,
		"description":        g.Description,
		"sandbox":            g.Sandbox,
		"checkoutButtonText": g.CheckoutButtonText,
	}
}

// GatewayFromMap builds Gateway settings from a loosely typed settings record, e.g. an options row
// stored by an admin screen. Checkbox values may be "yes"/"no" strings or booleans.
func GatewayFromMap(values map[string]any, fallback Gateway) Gateway {
	g := fallback
	if v, ok := values["enabled"]; ok {
		g.Enabled = checkboxValue(v, g.Enabled)
	}
	if v, ok := values["sandbox"]; ok {
		g.Sandbox = checkboxValue(v, g.Sandbox)
	}
	if v := strings.TrimSpace(cast.ToString(values["description"])); v != "" {
		g.Description = v
	}
	if v := strings.TrimSpace(cast.ToString(values["checkout_button_text"])); v != "" {
		g.CheckoutButtonText = v
	}
	if v, ok := values["client_id"]; ok {
		g.ClientID = strings.TrimSpace(cast.ToString(v))
	}
	if v, ok := values["client_secret"]; ok {
		g.ClientSecret = strings.TrimSpace(cast.ToString(v))
	}
	if v := strings.TrimSpace(cast.ToString(values["return_url"])); v != "" {
		g.ReturnURL = v
	}
	if v := strings.TrimSpace(cast.ToString(values["checkout_url"])); v != "" {
		g.CheckoutURL = v
	}
	return g
}

func checkboxValue(v any, fallback bool) bool {
	if s, ok := v.(string); ok {
		return parseCheckbox(s, fallback)
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return fallback
	}
	return b
}

func parseCheckbox(value string, fallback bool) bool {
	return parseBoolDefault(value, fallback)
}
