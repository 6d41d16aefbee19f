package authkit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

func newTestRouter(t *testing.T, config ServerConfig, clock Clock, adminGuard gin.HandlerFunc) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	service := NewService(store, config, ServiceOptions{
		Clock:  clock,
		Logger: zaptest.NewLogger(t),
	})
	router := gin.New()
	MountAuthRoutes(router, service, config, adminGuard)
	return router, store
}

func postForm(router *gin.Engine, path string, form url.Values, mutateRequest func(*http.Request)) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if mutateRequest != nil {
		mutateRequest(request)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func postJSON(router *gin.Engine, path string, payload any) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response: %v (%s)", err, recorder.Body.String())
	}
	return decoded
}

func registerViaHTTP(t *testing.T, router *gin.Engine) {
	t.Helper()
	recorder := postJSON(router, "/api/auth/register", gin.H{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "correct horse battery",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("register failed: %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestHTTPPasswordGrantLifecycle(t *testing.T) {
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	router, _ := newTestRouter(t, serviceConfig(), clock, nil)
	registerViaHTTP(t, router)

	// Password grant with form client credentials.
	loginForm := url.Values{}
	loginForm.Set("grant_type", "password")
	loginForm.Set("username", "alice")
	loginForm.Set("password", "correct horse battery")
	loginForm.Set("client_id", "client")
	loginForm.Set("client_secret", "secret")
	loginRecorder := postForm(router, "/api/auth/token", loginForm, nil)
	if loginRecorder.Code != http.StatusOK {
		t.Fatalf("password grant failed: %d %s", loginRecorder.Code, loginRecorder.Body.String())
	}
	loginBody := decodeBody(t, loginRecorder)
	if loginBody["message"] != "Login Successful." {
		t.Fatalf("unexpected message %v", loginBody["message"])
	}
	if loginBody["tokenType"] != "Bearer" {
		t.Fatalf("unexpected token type %v", loginBody["tokenType"])
	}
	refreshValue, _ := loginBody["refreshToken"].(string)
	if refreshValue == "" || loginBody["accessToken"] == "" {
		t.Fatalf("expected token pair, got %v", loginBody)
	}

	// Refresh grant requires no client credentials.
	clock.Advance(10 * time.Minute)
	refreshForm := url.Values{}
	refreshForm.Set("grant_type", "refresh_token")
	refreshForm.Set("refresh_token", refreshValue)
	refreshRecorder := postForm(router, "/api/auth/token", refreshForm, nil)
	if refreshRecorder.Code != http.StatusOK {
		t.Fatalf("refresh grant failed: %d %s", refreshRecorder.Code, refreshRecorder.Body.String())
	}
	refreshBody := decodeBody(t, refreshRecorder)
	if refreshBody["message"] != "Token Refresh Successful." {
		t.Fatalf("unexpected message %v", refreshBody["message"])
	}
	if refreshBody["refreshToken"] != refreshValue {
		t.Fatalf("refresh rotated the token value")
	}

	// Logout, then the session is invalidated for refresh.
	logoutRecorder := postJSON(router, "/api/auth/logout", gin.H{"refreshToken": refreshValue})
	if logoutRecorder.Code != http.StatusOK {
		t.Fatalf("logout failed: %d %s", logoutRecorder.Code, logoutRecorder.Body.String())
	}
	deadRecorder := postForm(router, "/api/auth/token", refreshForm, nil)
	if deadRecorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", deadRecorder.Code)
	}
	deadBody := decodeBody(t, deadRecorder)
	if deadBody["message"] != "Session has been invalidated. Please log in again." {
		t.Fatalf("unexpected message %v", deadBody["message"])
	}
	if deadBody["reason"] != "Revoked by user logout" {
		t.Fatalf("unexpected reason %v", deadBody["reason"])
	}
}

func TestHTTPPasswordGrantBasicAuth(t *testing.T) {
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	router, _ := newTestRouter(t, serviceConfig(), clock, nil)
	registerViaHTTP(t, router)

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", "alice")
	form.Set("password", "correct horse battery")
	recorder := postForm(router, "/api/auth/token", form, func(request *http.Request) {
		request.SetBasicAuth("client", "secret")
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("basic-auth grant failed: %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestHTTPTokenEndpointRejections(t *testing.T) {
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	router, _ := newTestRouter(t, serviceConfig(), clock, nil)

	scenarios := []struct {
		name            string
		form            url.Values
		expectedStatus  int
		expectedMessage string
	}{
		{
			name:            "unknown grant type",
			form:            url.Values{"grant_type": {"implicit"}},
			expectedStatus:  http.StatusBadRequest,
			expectedMessage: "Invalid Request.",
		},
		{
			name: "password grant without client credentials",
			form: url.Values{
				"grant_type": {"password"},
				"username":   {"alice"},
				"password":   {"whatever"},
			},
			expectedStatus:  http.StatusBadRequest,
			expectedMessage: "Invalid credentials.",
		},
		{
			name: "password grant with wrong client secret",
			form: url.Values{
				"grant_type":    {"password"},
				"username":      {"alice"},
				"password":      {"whatever"},
				"client_id":     {"client"},
				"client_secret": {"wrong"},
			},
			expectedStatus:  http.StatusBadRequest,
			expectedMessage: "Invalid credentials.",
		},
		{
			name:            "refresh grant without token",
			form:            url.Values{"grant_type": {"refresh_token"}},
			expectedStatus:  http.StatusBadRequest,
			expectedMessage: "Invalid Refresh Token.",
		},
	}

	for _, scenario := range scenarios {
		t.Run(scenario.name, func(t *testing.T) {
			recorder := postForm(router, "/api/auth/token", scenario.form, nil)
			if recorder.Code != scenario.expectedStatus {
				t.Fatalf("expected %d, got %d", scenario.expectedStatus, recorder.Code)
			}
			body := decodeBody(t, recorder)
			if body["message"] != scenario.expectedMessage {
				t.Fatalf("expected message %q, got %v", scenario.expectedMessage, body["message"])
			}
		})
	}
}

func TestHTTPLoginAliasReportsLockoutProgression(t *testing.T) {
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	router, _ := newTestRouter(t, serviceConfig(), clock, nil)
	registerViaHTTP(t, router)

	for _, remaining := range []string{"3", "2", "1"} {
		recorder := postJSON(router, "/api/auth/login", gin.H{"username": "alice", "password": "wrong"})
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", recorder.Code)
		}
		body := decodeBody(t, recorder)
		message, _ := body["message"].(string)
		if !strings.Contains(message, "locked after "+remaining+" more tries") {
			t.Fatalf("expected countdown %s in %q", remaining, message)
		}
	}

	lockedRecorder := postJSON(router, "/api/auth/login", gin.H{"username": "alice", "password": "wrong"})
	lockedBody := decodeBody(t, lockedRecorder)
	message, _ := lockedBody["message"].(string)
	if !strings.Contains(message, "Account is locked.") {
		t.Fatalf("expected lock message, got %q", message)
	}
}

func TestHTTPLoginAliasSingleSessionPayload(t *testing.T) {
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	config := serviceConfig()
	config.SingleLoginEnforced = true
	router, _ := newTestRouter(t, config, clock, nil)
	registerViaHTTP(t, router)

	first := postJSON(router, "/api/auth/login", gin.H{"username": "alice", "password": "correct horse battery"})
	if first.Code != http.StatusOK {
		t.Fatalf("first login failed: %d", first.Code)
	}

	second := postJSON(router, "/api/auth/login", gin.H{"username": "alice", "password": "correct horse battery"})
	if second.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for second login, got %d", second.Code)
	}
	body := decodeBody(t, second)
	if body["alreadyLoggedIn"] != true {
		t.Fatalf("expected alreadyLoggedIn flag, got %v", body)
	}
	if _, present := body["sessionStartedAt"]; !present {
		t.Fatalf("expected sessionStartedAt in payload, got %v", body)
	}
}

func TestHTTPRegisterValidationErrors(t *testing.T) {
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	router, _ := newTestRouter(t, serviceConfig(), clock, nil)

	recorder := postJSON(router, "/api/auth/register", gin.H{
		"username": "ab",
		"email":    "bad",
		"password": "short",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	fieldErrors, ok := body["errors"].(map[string]any)
	if !ok {
		t.Fatalf("expected field errors, got %v", body)
	}
	for _, field := range []string{"username", "email", "password"} {
		if fieldErrors[field] == nil {
			t.Fatalf("expected error for %s, got %v", field, fieldErrors)
		}
	}

	registerViaHTTP(t, router)
	conflict := postJSON(router, "/api/auth/register", gin.H{
		"username": "alice",
		"email":    "alice2@example.com",
		"password": "correct horse battery",
	})
	if conflict.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 conflict, got %d", conflict.Code)
	}
	conflictBody := decodeBody(t, conflict)
	if conflictBody["message"] != "User already exists." {
		t.Fatalf("unexpected conflict message %v", conflictBody["message"])
	}
}

func TestHTTPAdminEndpointsHonorGuard(t *testing.T) {
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	adminGuard := func(contextGin *gin.Context) {
		if contextGin.GetHeader("Authorization") != "Bearer admin" {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Next()
	}
	router, _ := newTestRouter(t, serviceConfig(), clock, adminGuard)
	registerViaHTTP(t, router)

	login := postJSON(router, "/api/auth/login", gin.H{"username": "alice", "password": "correct horse battery"})
	if login.Code != http.StatusOK {
		t.Fatalf("login failed: %d", login.Code)
	}

	// Unauthenticated admin calls bounce.
	forbidden := postJSON(router, "/api/auth/force-logout", gin.H{"username": "alice"})
	if forbidden.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without guard token, got %d", forbidden.Code)
	}

	// Guarded force-logout revokes the session.
	body, _ := json.Marshal(gin.H{"username": "alice"})
	request := httptest.NewRequest(http.MethodPost, "/api/auth/force-logout", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer admin")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("force-logout failed: %d %s", recorder.Code, recorder.Body.String())
	}
	forceBody := decodeBody(t, recorder)
	if forceBody["sessionCount"] != float64(1) {
		t.Fatalf("expected one revoked session, got %v", forceBody["sessionCount"])
	}

	// Session listing reflects the revocation.
	listRequest := httptest.NewRequest(http.MethodGet, "/api/auth/active-sessions?username=alice", nil)
	listRequest.Header.Set("Authorization", "Bearer admin")
	listRecorder := httptest.NewRecorder()
	router.ServeHTTP(listRecorder, listRequest)
	if listRecorder.Code != http.StatusOK {
		t.Fatalf("active-sessions failed: %d", listRecorder.Code)
	}
	listBody := decodeBody(t, listRecorder)
	if listBody["sessionCount"] != float64(0) {
		t.Fatalf("expected zero active sessions, got %v", listBody["sessionCount"])
	}
}

func TestHTTPActiveSessionsRequiresUsername(t *testing.T) {
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	router, _ := newTestRouter(t, serviceConfig(), clock, nil)

	request := httptest.NewRequest(http.MethodGet, "/api/auth/active-sessions", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}
