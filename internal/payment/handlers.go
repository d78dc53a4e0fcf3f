package payment

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-paygate/internal/cart"
	"github.com/noah-isme/toko-paygate/internal/common"
)

// Handler exposes the gateway over HTTP.
type Handler struct {
	Gateway    Gateway
	Carts      cart.Carts
	CartCookie string
	Validate   *validator.Validate
}

type refundReq struct {
	Amount string `json:"amount" validate:"required,numeric"`
	Reason string `json:"reason" validate:"max=255"`
}

type refundResp struct {
	OrderID  string `json:"orderId"`
	RefundID string `json:"refundId"`
	Status   string `json:"status"`
}

// Checkout creates a payment for the order and returns the approval URL to redirect the buyer to.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "orderId is required", nil)
		return
	}
	res, err := h.Gateway.Create(r.Context(), orderID)
	if err != nil {
		common.JSON(w, common.StatusOf(err), map[string]any{
			"result": "failure",
			"error":  common.BodyOf(err),
		})
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"result":   "success",
		"redirect": res.ApprovalURL,
		"intentId": res.IntentID,
	})
}

// Callback handles the buyer returning from the processor.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	settings := h.Gateway.Settings()
	payload, ok := ParseCallback(r.URL.Query())
	if !ok {
		http.Redirect(w, r, settings.CheckoutURL, http.StatusSeeOther)
		return
	}
	res, err := h.Gateway.HandleCallback(r.Context(), payload, h.session(r))
	if err != nil {
		if res.Outcome == OutcomeFailed {
			zerolog.Ctx(r.Context()).Info().Str("order_id", payload.OrderID).Msg("payment failed, showing processor message")
		}
		common.WriteError(w, err)
		return
	}
	target := res.RedirectURL
	if target == "" {
		target = settings.CheckoutURL
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// Refund lets an operator refund a completed order.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "orderId is required", nil)
		return
	}
	var req refundReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := h.validator().Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid refund request", validationDetails(err))
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid amount", nil)
		return
	}
	operator, _ := common.OperatorID(r.Context())
	res, err := h.Gateway.Refund(r.Context(), RefundInput{OrderID: orderID, Amount: amount, Reason: req.Reason, Operator: operator})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, refundResp{OrderID: res.OrderID, RefundID: res.RefundID, Status: string(res.Status)})
}

// Settings returns the storefront-facing gateway settings.
func (h *Handler) Settings(w http.ResponseWriter, r *http.Request) {
	common.JSON(w, http.StatusOK, h.Gateway.Settings().Public())
}

func (h *Handler) session(r *http.Request) cart.Session {
	name := h.CartCookie
	if name == "" {
		name = "cart_session"
	}
	c, err := r.Cookie(name)
	if err != nil {
		return cart.None{}
	}
	return h.Carts.Session(c.Value)
}

func (h *Handler) validator() *validator.Validate {
	if h.Validate != nil {
		return h.Validate
	}
	return validator.New()
}

func validationDetails(err error) map[string]string {
	out := map[string]string{}
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			out[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	return out
}
