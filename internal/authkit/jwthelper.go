package authkit

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims are embedded in the signed access token.
type AccessClaims struct {
	UserID    string   `json:"user_id"`
	UserEmail string   `json:"user_email"`
	Username  string   `json:"username"`
	Roles     []string `json:"roles"`
	jwt.RegisteredClaims
}

// TokenIssuer mints short-lived HS256 access tokens. It is a pure function of
// the account and the clock; any instance can issue for any account.
type TokenIssuer struct {
	signingKey []byte
	issuer     string
	audience   string
	ttl        time.Duration
	clock      Clock
}

// NewTokenIssuer constructs an issuer.
func NewTokenIssuer(signingKey []byte, issuer string, audience string, ttl time.Duration, clock Clock) *TokenIssuer {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenIssuer{
		signingKey: signingKey,
		issuer:     issuer,
		audience:   audience,
		ttl:        ttl,
		clock:      clock,
	}
}

// Issue signs an access token for the account. The jti is unique per token
// for replay tracing.
func (tokenIssuer *TokenIssuer) Issue(account *Account, roles []string) (string, time.Time, error) {
	if account == nil || account.ID == "" {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: subject must be non-empty")
	}
	if roles == nil {
		roles = []string{}
	}
	issuedAt := tokenIssuer.clock.Now()
	expiresAt := issuedAt.Add(tokenIssuer.ttl)
	claims := AccessClaims{
		UserID:    account.ID,
		UserEmail: account.Email,
		Username:  account.Username,
		Roles:     roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer.issuer,
			Subject:   account.Username,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if tokenIssuer.audience != "" {
		claims.Audience = jwt.ClaimStrings{tokenIssuer.audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, signErr := token.SignedString(tokenIssuer.signingKey)
	if signErr != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", signErr)
	}
	return signed, expiresAt, nil
}
