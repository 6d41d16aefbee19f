package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func TestConfigureCORSPreflight(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zap.NewNop(), []string{"http://localhost"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.OPTIONS("/resource", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/resource", nil)
	request.Header.Set("Origin", "http://localhost")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
}

func TestConfigureCORSRejectsBlankOrigins(t *testing.T) {
	t.Parallel()

	if _, err := ConfigureCORS(nil, nil); err == nil {
		t.Fatalf("expected error for nil origin list")
	}
	if _, err := ConfigureCORS(nil, []string{"  "}); err == nil {
		t.Fatalf("expected error for whitespace origin")
	}
}

func TestSanitizeOrigins(t *testing.T) {
	t.Parallel()

	scenarios := []struct {
		name      string
		origins   []string
		expectErr bool
		expected  []string
	}{
		{
			name:      "wildcard rejected",
			origins:   []string{"*"},
			expectErr: true,
		},
		{
			name:      "path segment rejected",
			origins:   []string{"https://app.example.com/login"},
			expectErr: true,
		},
		{
			name:      "query rejected",
			origins:   []string{"https://app.example.com?x=1"},
			expectErr: true,
		},
		{
			name:      "unsupported scheme rejected",
			origins:   []string{"ftp://app.example.com"},
			expectErr: true,
		},
		{
			name:     "normalizes and deduplicates",
			origins:  []string{"HTTPS://app.example.com", "https://app.example.com", "http://localhost:3000"},
			expected: []string{"https://app.example.com", "http://localhost:3000"},
		},
	}

	for _, scenario := range scenarios {
		t.Run(scenario.name, func(t *testing.T) {
			sanitized, err := sanitizeOrigins(zap.NewNop(), scenario.origins)
			if scenario.expectErr {
				if err == nil {
					t.Fatalf("expected error for %v", scenario.origins)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(sanitized) != len(scenario.expected) {
				t.Fatalf("expected %v, got %v", scenario.expected, sanitized)
			}
			for index, origin := range scenario.expected {
				if sanitized[index] != origin {
					t.Fatalf("expected %v, got %v", scenario.expected, sanitized)
				}
			}
		})
	}
}
