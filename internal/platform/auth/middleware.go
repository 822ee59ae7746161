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
	ActorIDKey contextKey = "actor_id"
	RolesKey   contextKey = "actor_roles"
)

// Claims carried by access tokens issued by the external auth layer. The
// engine only consumes them; issuing and role-based route authorization live
// elsewhere.
type Claims struct {
	jwt.RegisteredClaims
	OrganizationID string   `json:"org_id"`
	Roles          []string `json:"roles"`
}

// Config for the JWT middleware. SigningKey is the shared HMAC secret with
// the auth service.
type Config struct {
	SigningKey []byte
	Issuer     string
}

// Middleware validates the bearer token and threads the actor identity and
// organization claim into the request context. Requests without a valid token
// are rejected before any domain code runs.
func Middleware(cfg Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenString := extractBearer(c.Request())
			if tokenString == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return cfg.SigningKey, nil
			}, jwt.WithIssuer(cfg.Issuer))
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			// The organization claim is the tenant scope for the whole
			// request. A token without one has no scope to act in.
			if claims.OrganizationID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token missing organization claim")
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, ActorIDKey, claims.Subject)
			ctx = context.WithValue(ctx, RolesKey, claims.Roles)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("jwt_org_id", claims.OrganizationID)
			c.Set("actor_id", claims.Subject)

			return next(c)
		}
	}
}

// DevMiddleware stands in for the auth layer in development: the actor comes
// from the X-Actor-ID header and the organization from X-Org-ID. This is the
// only place a header may choose the tenant scope; the production middleware
// takes it from the token claim alone.
func DevMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := c.Request().Header.Get("X-Actor-ID")
			if actor == "" {
				actor = "dev-user"
			}
			ctx := context.WithValue(c.Request().Context(), ActorIDKey, actor)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("actor_id", actor)
			if org := c.Request().Header.Get("X-Org-ID"); org != "" {
				c.Set("jwt_org_id", org)
			}
			return next(c)
		}
	}
}

func extractBearer(req *http.Request) string {
	h := req.Header.Get(echo.HeaderAuthorization)
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// ActorIDFromContext retrieves the authenticated actor id from context.
func ActorIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ActorIDKey).(string)
	return id
}

// RolesFromContext retrieves the actor's roles from context.
func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(RolesKey).([]string)
	return roles
}

// WithActor returns a context carrying the given actor id. Used by tests and
// non-HTTP callers.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ActorIDKey, actorID)
}
