package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const testSecret = "test-signing-key"

func signToken(t *testing.T, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func runAuth(t *testing.T, mw echo.MiddlewareFunc, header string) (*httptest.ResponseRecorder, echo.Context) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(echo.HeaderAuthorization, header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	handler := mw(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec, c
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	mw := Middleware(Config{SigningKey: []byte(testSecret), Issuer: "careledger-auth"})
	token := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			Issuer:    "careledger-auth",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		OrganizationID: "clinic-7",
		Roles:          []string{"scheduler"},
	})

	rec, c := runAuth(t, mw, "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := ActorIDFromContext(c.Request().Context()); got != "user-42" {
		t.Errorf("actor = %q, want user-42", got)
	}
	if got, _ := c.Get("jwt_org_id").(string); got != "clinic-7" {
		t.Errorf("jwt_org_id = %q, want clinic-7", got)
	}
	if roles := RolesFromContext(c.Request().Context()); len(roles) != 1 || roles[0] != "scheduler" {
		t.Errorf("roles = %v", roles)
	}
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	mw := Middleware(Config{SigningKey: []byte(testSecret), Issuer: "careledger-auth"})

	expired := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			Issuer:    "careledger-auth",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	wrongIssuer := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	// Validly signed but carries no organization claim, so it has no tenant
	// scope to act in.
	noOrg := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			Issuer:    "careledger-auth",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"garbage":        "Bearer not.a.token",
		"expired":        "Bearer " + expired,
		"wrong issuer":   "Bearer " + wrongIssuer,
		"no org claim":   "Bearer " + noOrg,
	}
	for name, header := range cases {
		rec, _ := runAuth(t, mw, header)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, rec.Code)
		}
	}
}

func TestDevMiddleware(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Actor-ID", "alice")
	req.Header.Set("X-Org-ID", "clinic-7")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := DevMiddleware()(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got := ActorIDFromContext(c.Request().Context()); got != "alice" {
		t.Errorf("actor = %q, want alice", got)
	}
	if got, _ := c.Get("jwt_org_id").(string); got != "clinic-7" {
		t.Errorf("jwt_org_id = %q, want clinic-7", got)
	}
}
