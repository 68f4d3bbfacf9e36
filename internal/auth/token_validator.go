package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

var (
	ErrMissingValidatorSigningKey = errors.New("operator validator: signing key required")
	ErrMissingValidatorIssuer     = errors.New("operator validator: issuer required")
	ErrMissingOperatorToken       = errors.New("operator validator: token required")
	ErrInvalidOperatorToken       = errors.New("operator validator: invalid token")
	ErrExpiredOperatorToken       = errors.New("operator validator: token expired")
)

// TokenValidatorConfig describes how to validate operator tokens.
type TokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// TokenValidator validates HS256 operator tokens issued by TokenIssuer.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewTokenValidator constructs a validator with the provided configuration.
func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingValidatorSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingValidatorIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *TokenValidator) ValidateToken(tokenString string) (OperatorClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return OperatorClaims{}, ErrMissingOperatorToken
	}

	claims := &OperatorClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidOperatorToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return OperatorClaims{}, ErrExpiredOperatorToken
		}
		return OperatorClaims{}, fmt.Errorf("%w: %v", ErrInvalidOperatorToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return OperatorClaims{}, ErrInvalidOperatorToken
	}
	if claims.Role != OperatorRole || strings.TrimSpace(claims.Subject) == "" {
		return OperatorClaims{}, ErrInvalidOperatorToken
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer token from the Authorization header and validates it.
func (v *TokenValidator) ValidateRequest(r *http.Request) (OperatorClaims, error) {
	if r == nil {
		return OperatorClaims{}, ErrMissingOperatorToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return OperatorClaims{}, ErrMissingOperatorToken
	}
	return v.ValidateToken(header[len(bearerPrefix):])
}
