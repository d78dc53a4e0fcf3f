package auth

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-paygate/internal/common"
)

// Middleware guards operator-only endpoints.
type Middleware struct {
	Service *Service
	// Scope is required on every token the middleware accepts.
	Scope string
}

// RequireOperator rejects requests without a valid operator token and attaches the operator
// identifier to the request context and logger.
func (m Middleware) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Service == nil {
			common.JSONError(w, http.StatusServiceUnavailable, "AUTH_NOT_CONFIGURED", "operator authentication is not configured", nil)
			return
		}
		operatorID, err := m.Service.Verify(extractToken(r), m.Scope)
		if err != nil {
			common.WriteError(w, err)
			return
		}
		ctx := common.WithOperatorID(r.Context(), operatorID)
		zerolog.Ctx(ctx).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("operator_id", operatorID)
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
