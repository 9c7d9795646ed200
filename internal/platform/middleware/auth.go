// Package middleware holds the echo middleware stack: session auth,
// request logging, panic recovery, rate limiting, and security headers.
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthprep/healthprep/internal/platform/scope"
)

const principalKey = "principal"

// SessionClaims is the JWT payload issued at login.
type SessionClaims struct {
	TenantID    string   `json:"tenant_id,omitempty"`
	Role        string   `json:"role"`
	ProviderIDs []string `json:"provider_ids,omitempty"`
	SessionID   string   `json:"session_id"`
	jwt.RegisteredClaims
}

// IssueSession signs a session token for the principal.
func IssueSession(secret []byte, p scope.Principal, ttl time.Duration) (string, error) {
	claims := SessionClaims{
		Role:      string(p.Role),
		SessionID: p.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	if p.TenantID != uuid.Nil {
		claims.TenantID = p.TenantID.String()
	}
	for _, id := range p.ProviderIDs {
		claims.ProviderIDs = append(claims.ProviderIDs, id.String())
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Session validates the bearer token and places the resulting principal on
// the echo context.
func Session(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &SessionClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			p, err := principalFromClaims(claims)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "malformed session claims")
			}
			p.IPAddress = c.RealIP()
			p.UserAgent = c.Request().UserAgent()
			c.Set(principalKey, p)
			return next(c)
		}
	}
}

func principalFromClaims(claims *SessionClaims) (scope.Principal, error) {
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return scope.Principal{}, err
	}
	p := scope.Principal{
		UserID:    userID,
		Role:      scope.Role(claims.Role),
		SessionID: claims.SessionID,
	}
	if claims.TenantID != "" {
		tenantID, err := uuid.Parse(claims.TenantID)
		if err != nil {
			return scope.Principal{}, err
		}
		p.TenantID = tenantID
	}
	for _, raw := range claims.ProviderIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return scope.Principal{}, err
		}
		p.ProviderIDs = append(p.ProviderIDs, id)
	}
	return p, nil
}

// PrincipalFrom returns the authenticated principal. It is only valid
// behind the Session middleware; routes without it see a zero principal.
func PrincipalFrom(c echo.Context) scope.Principal {
	p, _ := c.Get(principalKey).(scope.Principal)
	return p
}

// SetPrincipal places a principal on the context. Exported for handler
// tests.
func SetPrincipal(c echo.Context, p scope.Principal) {
	c.Set(principalKey, p)
}

// RequireRole rejects requests whose principal's role is not in the
// allow-list.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := PrincipalFrom(c)
			if !allowed[string(p.Role)] {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
			}
			return next(c)
		}
	}
}
