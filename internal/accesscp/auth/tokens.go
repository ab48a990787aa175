package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
	internalerrors "github.com/saferiskx/saferiskx-server/internal/errors"
)

const (
	// CookieName carries the session token for browser clients.
	CookieName = "token"

	sessionIssuer     = "saferiskx"
	defaultSessionTTL = 2 * time.Hour
)

// ErrSecretMissing is returned when no signing secret is configured.
var ErrSecretMissing = errors.New("session signing secret is required")

// Claims identify the account behind a session token.
type Claims struct {
	AccountID int64  `json:"account_id"`
	Email     string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 session tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a token issuer. A non-positive ttl uses the default.
func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrSecretMissing
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: func() time.Time { return time.Now().UTC() }}, nil
}

// TTL is the lifetime of issued tokens.
func (t *Tokens) TTL() time.Duration { return t.ttl }

// Issue signs a session token for account.
func (t *Tokens) Issue(account *registry.Account) (string, error) {
	if account == nil || account.ID <= 0 {
		return "", fmt.Errorf("issue session token: %w", internalerrors.ErrInvalidInput)
	}
	now := t.now()
	claims := Claims{
		AccountID: account.ID,
		Email:     account.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   fmt.Sprintf("%d", account.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token.
func (t *Tokens) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("session token is required: %w", internalerrors.ErrUnauthorized)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", internalerrors.ErrUnauthorized, err)
	}
	if !parsed.Valid || claims.AccountID <= 0 {
		return nil, fmt.Errorf("session token is invalid: %w", internalerrors.ErrUnauthorized)
	}
	return claims, nil
}
