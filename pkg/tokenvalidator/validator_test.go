package tokenvalidator

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

func mintToken(t *testing.T, signingKey []byte, issuer string, audience string, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	claims := Claims{
		UserID:    "user-123",
		UserEmail: "user@example.com",
		Username:  "alice",
		Roles:     []string{"user"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "alice",
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	result, err := token.SignedString(signingKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return result
}

func TestNewValidatorRequiresSigningKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Issuer: "issuer"})
	if err == nil || !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
}

func TestNewValidatorRequiresIssuer(t *testing.T) {
	t.Parallel()

	_, err := New(Config{SigningKey: []byte("secret")})
	if err == nil || !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}

func TestNewValidatorDefaults(t *testing.T) {
	t.Parallel()

	validator, err := New(Config{
		SigningKey: []byte("secret"),
		Issuer:     "issuer",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if validator.clock == nil {
		t.Fatalf("expected default clock to be set")
	}
}

func TestValidateTokenSuccess(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "issuer",
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token := mintToken(t, []byte("secret-key"), "issuer", "", now.Add(-time.Minute), 10*time.Minute)
	claims, validateErr := validator.ValidateToken(token)
	if validateErr != nil {
		t.Fatalf("validate error: %v", validateErr)
	}
	if claims.GetUserID() != "user-123" {
		t.Fatalf("expected user-123, got %s", claims.GetUserID())
	}
	if claims.GetUsername() != "alice" {
		t.Fatalf("expected alice, got %s", claims.GetUsername())
	}
	if roles := claims.GetRoles(); len(roles) != 1 || roles[0] != "user" {
		t.Fatalf("unexpected roles %v", roles)
	}
	if claims.GetExpiresAt().IsZero() {
		t.Fatalf("expected expiry claim")
	}
}

func TestValidateTokenFailures(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "issuer",
		Audience:   "resource",
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	scenarios := []struct {
		name        string
		token       string
		expectedErr error
	}{
		{
			name:        "empty token",
			token:       "  ",
			expectedErr: ErrMissingToken,
		},
		{
			name:        "garbage token",
			token:       "not-a-jwt",
			expectedErr: ErrInvalidToken,
		},
		{
			name:        "wrong signing key",
			token:       mintToken(t, []byte("other-key"), "issuer", "resource", now, time.Minute),
			expectedErr: ErrInvalidToken,
		},
		{
			name:        "wrong issuer",
			token:       mintToken(t, []byte("secret-key"), "impostor", "resource", now, time.Minute),
			expectedErr: ErrInvalidIssuer,
		},
		{
			name:        "missing audience",
			token:       mintToken(t, []byte("secret-key"), "issuer", "", now, time.Minute),
			expectedErr: ErrInvalidAudience,
		},
		{
			name:        "expired token",
			token:       mintToken(t, []byte("secret-key"), "issuer", "resource", now.Add(-time.Hour), time.Minute),
			expectedErr: ErrTokenExpired,
		},
		{
			name:        "not yet valid",
			token:       mintToken(t, []byte("secret-key"), "issuer", "resource", now.Add(time.Hour), time.Minute),
			expectedErr: ErrInvalidToken,
		},
	}

	for _, scenario := range scenarios {
		t.Run(scenario.name, func(t *testing.T) {
			_, validateErr := validator.ValidateToken(scenario.token)
			if !errors.Is(validateErr, scenario.expectedErr) {
				t.Fatalf("expected %v, got %v", scenario.expectedErr, validateErr)
			}
		})
	}
}

func TestValidateTokenRejectsUnexpectedAlgorithm(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "issuer",
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "issuer"},
	})
	tokenString, signErr := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if signErr != nil {
		t.Fatalf("sign error: %v", signErr)
	}
	if _, validateErr := validator.ValidateToken(tokenString); !errors.Is(validateErr, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", validateErr)
	}
}

func TestValidateRequestBearerParsing(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "issuer",
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	token := mintToken(t, []byte("secret-key"), "issuer", "", now, 10*time.Minute)

	okRequest := httptest.NewRequest(http.MethodGet, "/", nil)
	okRequest.Header.Set("Authorization", "Bearer "+token)
	if _, validateErr := validator.ValidateRequest(okRequest); validateErr != nil {
		t.Fatalf("validate error: %v", validateErr)
	}

	lowercase := httptest.NewRequest(http.MethodGet, "/", nil)
	lowercase.Header.Set("Authorization", "bearer "+token)
	if _, validateErr := validator.ValidateRequest(lowercase); validateErr != nil {
		t.Fatalf("expected case-insensitive scheme, got %v", validateErr)
	}

	missing := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, validateErr := validator.ValidateRequest(missing); !errors.Is(validateErr, ErrMissingBearer) {
		t.Fatalf("expected ErrMissingBearer, got %v", validateErr)
	}

	wrongScheme := httptest.NewRequest(http.MethodGet, "/", nil)
	wrongScheme.Header.Set("Authorization", "Basic dXNlcjpwdw==")
	if _, validateErr := validator.ValidateRequest(wrongScheme); !errors.Is(validateErr, ErrMissingBearer) {
		t.Fatalf("expected ErrMissingBearer, got %v", validateErr)
	}
}

func TestGinMiddlewareInjectsClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)

	now := time.Unix(1700000000, 0).UTC()
	validator, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "issuer",
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	token := mintToken(t, []byte("secret-key"), "issuer", "", now, 10*time.Minute)

	router := gin.New()
	router.GET("/guarded", validator.GinMiddleware(""), func(contextGin *gin.Context) {
		value, exists := contextGin.Get(DefaultContextKey)
		if !exists {
			contextGin.Status(http.StatusInternalServerError)
			return
		}
		claims, ok := value.(*Claims)
		if !ok || claims.GetUserID() != "user-123" {
			contextGin.Status(http.StatusInternalServerError)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	authorized := httptest.NewRecorder()
	okRequest := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	okRequest.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(authorized, okRequest)
	if authorized.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", authorized.Code)
	}

	anonymous := httptest.NewRecorder()
	router.ServeHTTP(anonymous, httptest.NewRequest(http.MethodGet, "/guarded", nil))
	if anonymous.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", anonymous.Code)
	}
}
