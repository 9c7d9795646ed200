package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthprep/healthprep/internal/platform/scope"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func doRequest(e *echo.Echo, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func protectedEcho(mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	g := e.Group("", mw...)
	g.GET("/protected", func(c echo.Context) error {
		p := PrincipalFrom(c)
		return c.JSON(http.StatusOK, map[string]string{"role": string(p.Role)})
	})
	return e
}

func TestSession_RoundTrip(t *testing.T) {
	provider := uuid.New()
	p := scope.Principal{
		UserID:      uuid.New(),
		TenantID:    uuid.New(),
		Role:        scope.RoleNurse,
		ProviderIDs: []uuid.UUID{provider},
		SessionID:   uuid.NewString(),
	}
	token, err := IssueSession(testSecret, p, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	e := echo.New()
	var got scope.Principal
	g := e.Group("", Session(testSecret))
	g.GET("/protected", func(c echo.Context) error {
		got = PrincipalFrom(c)
		return c.NoContent(http.StatusOK)
	})

	rec := doRequest(e, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if got.UserID != p.UserID || got.TenantID != p.TenantID || got.Role != p.Role {
		t.Errorf("principal mismatch: %+v", got)
	}
	if len(got.ProviderIDs) != 1 || got.ProviderIDs[0] != provider {
		t.Errorf("provider ids lost: %v", got.ProviderIDs)
	}
	if got.SessionID != p.SessionID {
		t.Error("session id lost")
	}
}

func TestSession_RejectsMissingAndMalformed(t *testing.T) {
	e := protectedEcho(Session(testSecret))

	if rec := doRequest(e, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status %d", rec.Code)
	}
	if rec := doRequest(e, "not-a-jwt"); rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: status %d", rec.Code)
	}

	// Token signed with a different secret.
	other, _ := IssueSession([]byte("another-secret-another-secret!!!"), scope.Principal{
		UserID: uuid.New(), Role: scope.RoleAdmin, SessionID: "s",
	}, time.Hour)
	if rec := doRequest(e, other); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong-key token: status %d", rec.Code)
	}
}

func TestSession_RejectsExpired(t *testing.T) {
	token, err := IssueSession(testSecret, scope.Principal{
		UserID: uuid.New(), Role: scope.RoleAdmin, SessionID: "s",
	}, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	e := protectedEcho(Session(testSecret))
	if rec := doRequest(e, token); rec.Code != http.StatusUnauthorized {
		t.Errorf("expired token: status %d", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	token, _ := IssueSession(testSecret, scope.Principal{
		UserID: uuid.New(), TenantID: uuid.New(), Role: scope.RoleStaff, SessionID: "s",
	}, time.Hour)

	denied := protectedEcho(Session(testSecret), RequireRole("admin"))
	if rec := doRequest(denied, token); rec.Code != http.StatusForbidden {
		t.Errorf("staff hitting admin route: status %d", rec.Code)
	}

	allowed := protectedEcho(Session(testSecret), RequireRole("admin", "staff"))
	if rec := doRequest(allowed, token); rec.Code != http.StatusOK {
		t.Errorf("staff hitting staff route: status %d", rec.Code)
	}
}

func TestRateLimit_Blocks(t *testing.T) {
	e := protectedEcho(RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, doRequest(e, "").Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("burst requests should pass: %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request should be limited: %v", codes)
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := protectedEcho(SecurityHeaders())
	rec := doRequest(e, "")
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestRequestID_Generated(t *testing.T) {
	e := protectedEcho(RequestID())
	rec := doRequest(e, "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected generated request id")
	}
}
