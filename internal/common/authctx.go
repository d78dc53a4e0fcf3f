package common

import "context"

type operatorKey struct{}

// WithOperatorID marks ctx as acting for the authenticated store operator.
func WithOperatorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operatorKey{}, id)
}

// OperatorID returns the operator attached by WithOperatorID. Storefront requests have none.
func OperatorID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(operatorKey{}).(string)
	return id, ok && id != ""
}
