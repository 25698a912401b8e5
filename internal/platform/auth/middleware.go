// Package auth turns a bearer token into the account reference of the
// calling actor. It does not decide what the actor may do; identity
// resolution and authorization happen in the workflow.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	AccountRefKey  contextKey = "account_ref"
	ClaimedRoleKey contextKey = "claimed_role"
)

// Header names accepted by DevAuthMiddleware.
const (
	HeaderAccountRef = "X-Account-Ref"
	HeaderRole       = "X-Role"
)

// Claims carries the account reference in the subject. Role is optional
// and only disambiguates an account registered in both namespaces.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is used for development/testing only
	SigningKey []byte
}

func (cfg JWTConfig) keyFunc() (jwt.Keyfunc, error) {
	if len(cfg.SigningKey) > 0 {
		return func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return cfg.SigningKey, nil
		}, nil
	}
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("auth: either a signing key or a JWKS URL is required")
	}
	return jwksKeyFunc(cfg.JWKSURL), nil
}

// JWTMiddleware validates the bearer token and stores the subject as the
// actor's account reference.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	keyFunc, keyErr := cfg.keyFunc()
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if keyErr != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, keyErr.Error())
			}
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if strings.TrimSpace(claims.Subject) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			ctx := WithAccount(c.Request().Context(), claims.Subject, claims.Role)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// DevAuthMiddleware accepts the account reference from the X-Account-Ref
// header for local development. Requests that carry an Authorization header
// are still validated by verify.
func DevAuthMiddleware(verify echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		validated := verify(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" {
				return validated(c)
			}
			acct := strings.TrimSpace(c.Request().Header.Get(HeaderAccountRef))
			if acct == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing "+HeaderAccountRef+" header")
			}
			ctx := WithAccount(c.Request().Context(), acct, c.Request().Header.Get(HeaderRole))
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithAccount stores the authenticated account reference and claimed role.
func WithAccount(ctx context.Context, accountRef, role string) context.Context {
	ctx = context.WithValue(ctx, AccountRefKey, strings.TrimSpace(accountRef))
	return context.WithValue(ctx, ClaimedRoleKey, strings.ToLower(strings.TrimSpace(role)))
}

func AccountRefFromContext(ctx context.Context) string {
	acct, _ := ctx.Value(AccountRefKey).(string)
	return acct
}

func ClaimedRoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(ClaimedRoleKey).(string)
	return role
}
