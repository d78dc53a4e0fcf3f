package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/toko-paygate/internal/common"
)

// ScopeRefund grants access to the refund endpoint.
const ScopeRefund = "payments:refund"

// Options configures the operator token service.
type Options struct {
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service verifies HS256 operator tokens minted by the store admin.
type Service struct {
	secret    []byte
	issuer    string
	audience  string
	validator TokenValidator
	now       func() time.Time
}

// NewService builds an operator token service.
func NewService(opts Options) (*Service, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, errors.New("auth: operator secret is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	skew := opts.ClockSkew
	if skew <= 0 {
		skew = 30 * time.Second
	}
	return &Service{
		secret:   []byte(opts.Secret),
		issuer:   opts.Issuer,
		audience: opts.Audience,
		validator: TokenValidator{
			Issuer:    opts.Issuer,
			Audience:  opts.Audience,
			ClockSkew: skew,
			Algorithm: jwa.HS256,
		},
		now: now,
	}, nil
}

// Issue signs a token for operatorID carrying scopes. Used by admin tooling and tests.
func (s *Service) Issue(operatorID string, ttl time.Duration, scopes ...string) (string, error) {
	now := s.now()
	builder := jwt.NewBuilder().
		Subject(operatorID).
		Issuer(s.issuer).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(ttl))
	if s.audience != "" {
		builder = builder.Audience([]string{s.audience})
	}
	if len(scopes) > 0 {
		builder = builder.Claim(ScopeClaim, strings.Join(scopes, " "))
	}
	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("auth: build token: %w", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return string(signed), nil
}

// Verify validates token and returns the operator identifier. When scope is not empty the token
// must grant it.
func (s *Service) Verify(token, scope string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", unauthorized(nil)
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return "", unauthorized(err)
	}
	if algorithm != s.validator.Algorithm {
		return "", unauthorized(fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, s.secret), jwt.WithValidate(false))
	if err != nil {
		return "", unauthorized(err)
	}
	v := s.validator
	v.Scope = scope
	if err := v.Validate(parsed, algorithm, s.now()); err != nil {
		if errors.Is(err, ErrMissingScope) {
			return "", &common.AppError{Code: "FORBIDDEN", Message: "operator is not allowed to perform this action", HTTPStatus: http.StatusForbidden, Err: err}
		}
		return "", unauthorized(err)
	}
	return parsed.Subject(), nil
}

func unauthorized(err error) error {
	return &common.AppError{Code: "UNAUTHORIZED", Message: "missing or invalid operator token", HTTPStatus: http.StatusUnauthorized, Err: err}
}

func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("auth: token missing protected headers")
		}
		alg := headers.Algorithm()
		if alg == "" {
			return "", errors.New("auth: token missing algorithm")
		}
		if alg == jwa.NoSignature {
			return "", errors.New("auth: token uses none algorithm")
		}
		if algorithm == "" {
			algorithm = alg
		} else if algorithm != alg {
			return "", errors.New("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}
