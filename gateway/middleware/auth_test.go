package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "middleware-secret"

func signed(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAuthenticatorMiddleware(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "bank", Audience: "api"}, nil)
	exp := time.Now().Add(time.Hour).Unix()

	var gotSubject string
	var gotScopes []string
	handler := auth.Middleware("bank:write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject, _ = Subject(r.Context())
		gotScopes = Scopes(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"bad signature", "Bearer " + signed(t, jwt.MapClaims{"sub": "0xabc", "iss": "bank", "aud": "api", "exp": exp, "scope": "bank:write"}, "other"), http.StatusUnauthorized},
		{"expired", "Bearer " + signed(t, jwt.MapClaims{"sub": "0xabc", "iss": "bank", "aud": "api", "exp": time.Now().Add(-time.Hour).Unix(), "scope": "bank:write"}, testSecret), http.StatusUnauthorized},
		{"no expiry", "Bearer " + signed(t, jwt.MapClaims{"sub": "0xabc", "iss": "bank", "aud": "api", "scope": "bank:write"}, testSecret), http.StatusUnauthorized},
		{"no subject", "Bearer " + signed(t, jwt.MapClaims{"iss": "bank", "aud": "api", "exp": exp, "scope": "bank:write"}, testSecret), http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + signed(t, jwt.MapClaims{"sub": "0xabc", "iss": "other", "aud": "api", "exp": exp, "scope": "bank:write"}, testSecret), http.StatusUnauthorized},
		{"wrong audience", "Bearer " + signed(t, jwt.MapClaims{"sub": "0xabc", "iss": "bank", "aud": []interface{}{"web"}, "exp": exp, "scope": "bank:write"}, testSecret), http.StatusUnauthorized},
		{"missing scope", "Bearer " + signed(t, jwt.MapClaims{"sub": "0xabc", "iss": "bank", "aud": "api", "exp": exp, "scope": "bank:read"}, testSecret), http.StatusForbidden},
		{"valid", "Bearer " + signed(t, jwt.MapClaims{"sub": "0xABC", "iss": "bank", "aud": []interface{}{"web", "api"}, "exp": exp, "scope": "bank:read bank:write"}, testSecret), http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/deposit", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			if res.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, res.Code, res.Body.String())
			}
		})
	}
	if gotSubject != "0xabc" {
		t.Fatalf("expected lowercased subject, got %q", gotSubject)
	}
	if strings.Join(gotScopes, " ") != "bank:read bank:write" {
		t.Fatalf("unexpected scopes %v", gotScopes)
	}
}

func TestAuthenticatorDisabled(t *testing.T) {
	var auth *Authenticator
	if auth.Enabled() {
		t.Fatal("nil authenticator must be disabled")
	}
	called := false
	handler := auth.Middleware(ScopeAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if _, ok := Subject(r.Context()); ok {
			t.Fatal("no subject expected when auth is disabled")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/admin/pause", nil))
	if !called {
		t.Fatal("expected handler to run")
	}
}

func TestAuthenticatorRejectsWithoutSecret(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true}, nil)
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/deposit", nil)
	req.Header.Set("Authorization", "Bearer "+signed(t, jwt.MapClaims{"sub": "0xabc", "exp": time.Now().Add(time.Hour).Unix()}, testSecret))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}
