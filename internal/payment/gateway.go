package payment

import (
	"context"

	"github.com/noah-isme/toko-paygate/internal/cart"
	"github.com/noah-isme/toko-paygate/internal/config"
)

// Gateway is the capability the host checkout calls into.
type Gateway interface {
	Create(ctx context.Context, orderID string) (CreateResult, error)
	HandleCallback(ctx context.Context, payload CallbackPayload, session cart.Session) (CallbackResult, error)
	Refund(ctx context.Context, in RefundInput) (RefundResult, error)
	Settings() config.Gateway
}

// Service implements Gateway by composing the three flows.
type Service struct {
	Builder   *Builder
	Callbacks *CallbackHandler
	Refunds   *RefundProcessor
	Config    config.Gateway
}

var _ Gateway = (*Service)(nil)

// Create implements Gateway.
func (s *Service) Create(ctx context.Context, orderID string) (CreateResult, error) {
	return s.Builder.Create(ctx, orderID)
}

// HandleCallback implements Gateway.
func (s *Service) HandleCallback(ctx context.Context, payload CallbackPayload, session cart.Session) (CallbackResult, error) {
	return s.Callbacks.Handle(ctx, payload, session)
}

// Refund implements Gateway.
func (s *Service) Refund(ctx context.Context, in RefundInput) (RefundResult, error) {
	return s.Refunds.Refund(ctx, in)
}

// Settings implements Gateway.
func (s *Service) Settings() config.Gateway {
	return s.Config
}
