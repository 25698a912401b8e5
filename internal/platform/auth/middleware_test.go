package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(sub string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "ehr-portal",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, req *http.Request) (string, string, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var acct, role string
	err := mw(func(c echo.Context) error {
		acct = AccountRefFromContext(c.Request().Context())
		role = ClaimedRoleFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	})(c)
	return acct, role, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %d error, got nil", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), req)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), req)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	claims := validClaims("0xAbC123")
	claims.Role = "Doctor"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, claims, testSigningKey))

	acct, role, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "ehr-portal"}), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acct != "0xAbC123" {
		t.Errorf("account ref = %q", acct)
	}
	if role != "doctor" {
		t.Errorf("role = %q", role)
	}
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	expired := validClaims("0xabc")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	tests := []struct {
		name   string
		claims Claims
		key    []byte
	}{
		{"wrong key", validClaims("0xabc"), []byte("another-key")},
		{"expired", expired, testSigningKey},
		{"no subject", validClaims(""), testSigningKey},
		{"wrong issuer", func() Claims { c := validClaims("0xabc"); c.Issuer = "other"; return c }(), testSigningKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+createTestToken(t, tt.claims, tt.key))
			_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "ehr-portal"}), req)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_NoKeyConfigured(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer x")
	_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{}), req)
	expectStatus(t, err, http.StatusInternalServerError)
}

func TestDevAuthMiddleware(t *testing.T) {
	mw := DevAuthMiddleware(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAccountRef, " 0xdev ")
	req.Header.Set(HeaderRole, "patient")
	acct, role, err := runMiddleware(t, mw, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acct != "0xdev" || role != "patient" {
		t.Errorf("got account %q role %q", acct, role)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	_, _, err = runMiddleware(t, mw, req)
	expectStatus(t, err, http.StatusUnauthorized)

	// A bearer token is still validated.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	req.Header.Set(HeaderAccountRef, "0xdev")
	_, _, err = runMiddleware(t, mw, req)
	expectStatus(t, err, http.StatusUnauthorized)
}
