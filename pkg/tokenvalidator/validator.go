package tokenvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	Audience   string
	Clock      Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("token.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("token.validator.missing_issuer")
	ErrMissingToken      = errors.New("token.validator.missing_token")
	ErrMissingBearer     = errors.New("token.validator.missing_bearer")
	ErrInvalidToken      = errors.New("token.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("token.validator.invalid_issuer")
	ErrInvalidAudience   = errors.New("token.validator.invalid_audience")
	ErrTokenExpired      = errors.New("token.validator.expired")
)

// Validator validates the access tokens this service issues. It is the
// library surface for resource services that accept the tokens as Bearer
// credentials.
type Validator struct {
	signingKey []byte
	issuer     string
	audience   string
	clock      Clock
}

// Claims represent the payload embedded inside issued access tokens.
type Claims struct {
	UserID    string   `json:"user_id"`
	UserEmail string   `json:"user_email"`
	Username  string   `json:"username"`
	Roles     []string `json:"roles"`
	jwt.RegisteredClaims
}

// GetUserID returns the account identifier from the token.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.UserID
}

// GetUserEmail returns the email associated with the token.
func (claims *Claims) GetUserEmail() string {
	if claims == nil {
		return ""
	}
	return claims.UserEmail
}

// GetUsername returns the username associated with the token.
func (claims *Claims) GetUsername() string {
	if claims == nil {
		return ""
	}
	return claims.Username
}

// GetRoles returns the roles carried by the token.
func (claims *Claims) GetRoles() []string {
	if claims == nil {
		return nil
	}
	return claims.Roles
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("token.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("token.validator.new: %w", ErrMissingIssuer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		audience:   configuration.Audience,
		clock:      clock,
	}, nil
}

// ValidateToken validates the provided JWT string and returns the parsed claims.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token.validator.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("token.validator.validate_token: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("token.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("token.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("token.validator.validate_token: %w", ErrInvalidIssuer)
	}
	if validator.audience != "" && !containsAudience(claims.Audience, validator.audience) {
		return nil, fmt.Errorf("token.validator.validate_token: %w", ErrInvalidAudience)
	}
	current := validator.clock.Now()
	if claims.ExpiresAt != nil && current.After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("token.validator.validate_token: %w", ErrTokenExpired)
	}
	if claims.NotBefore != nil && current.Before(claims.NotBefore.Time) {
		return nil, fmt.Errorf("token.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.IssuedAt != nil && current.Before(claims.IssuedAt.Time) {
		return nil, fmt.Errorf("token.validator.validate_token: %w", ErrInvalidToken)
	}
	return claims, nil
}

// ValidateRequest reads the Authorization header from the request and
// validates the Bearer token it carries.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("token.validator.validate_request: %w", ErrMissingToken)
	}
	headerValue := request.Header.Get("Authorization")
	if strings.TrimSpace(headerValue) == "" {
		return nil, fmt.Errorf("token.validator.validate_request: %w", ErrMissingBearer)
	}
	scheme, tokenString, found := strings.Cut(headerValue, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token.validator.validate_request: %w", ErrMissingBearer)
	}
	return validator.ValidateToken(strings.TrimSpace(tokenString))
}

// GinMiddleware returns a Gin middleware that validates the Bearer token and
// injects claims under the given context key.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}

func containsAudience(audience jwt.ClaimStrings, expected string) bool {
	for _, value := range audience {
		if value == expected {
			return true
		}
	}
	return false
}
