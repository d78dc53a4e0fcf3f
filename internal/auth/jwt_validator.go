package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ScopeClaim is the private claim listing the operator's granted scopes, space separated.
const ScopeClaim = "scope"

// ErrMissingScope reports a valid token that does not grant the required scope.
var ErrMissingScope = errors.New("auth: token lacks scope")

// TokenValidator validates the registered claims of an operator token and the scope it grants.
type TokenValidator struct {
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	Algorithm jwa.SignatureAlgorithm
	// Scope, when set, must appear in the token's scope claim.
	Scope string
}

// Validate checks a parsed operator token at now. The subject becomes the operator id recorded on
// refunds, so a token without one is rejected.
func (v TokenValidator) Validate(tok jwt.Token, algorithm jwa.SignatureAlgorithm, now time.Time) error {
	switch {
	case tok == nil:
		return errors.New("auth: token is nil")
	case algorithm == "":
		return errors.New("auth: token missing algorithm")
	case v.Algorithm != "" && algorithm != v.Algorithm:
		return fmt.Errorf("auth: unexpected token algorithm %s", algorithm)
	case strings.TrimSpace(tok.Subject()) == "":
		return errors.New("auth: token missing subject")
	}

	options := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
	}
	if v.ClockSkew > 0 {
		options = append(options, jwt.WithAcceptableSkew(v.ClockSkew))
	}
	if v.Issuer != "" {
		options = append(options, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		options = append(options, jwt.WithAudience(v.Audience))
	}
	if err := jwt.Validate(tok, options...); err != nil {
		return err
	}

	if v.Scope != "" && !slices.Contains(scopesOf(tok), v.Scope) {
		return fmt.Errorf("%w %q", ErrMissingScope, v.Scope)
	}
	return nil
}

// scopesOf reads the scope claim, accepting a space separated string or a JSON array.
func scopesOf(tok jwt.Token) []string {
	raw, ok := tok.Get(ScopeClaim)
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
