package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	ActorDIDKey   contextKey = "actor_did"
	UserRolesKey  contextKey = "user_roles"
	DevActorDID              = "did:example:dev"
	DevActorHeader           = "X-Actor-DID"
)

// Claims are the bearer token claims. The subject is the actor's DID.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

type JWTConfig struct {
	Issuer     string
	SigningKey []byte
}

// JWTMiddleware validates HS256 bearer tokens and places the actor DID and
// roles on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if !strings.HasPrefix(claims.Subject, "did:") {
				return echo.NewHTTPError(http.StatusUnauthorized, "token subject is not a DID")
			}

			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), claims.Subject, claims.Roles)))
			return next(c)
		}
	}
}

// DevAuthMiddleware trusts the X-Actor-DID header and grants the admin role.
// Requests without the header act as DevActorDID. Development only.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			did := c.Request().Header.Get(DevActorHeader)
			if did == "" {
				did = DevActorDID
			}
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), did, []string{"admin"})))
			return next(c)
		}
	}
}

// IssueToken mints an HS256 token for did, as accepted by JWTMiddleware.
func IssueToken(key []byte, issuer, did string, roles []string, ttl time.Duration) (string, error) {
	if !strings.HasPrefix(did, "did:") {
		return "", fmt.Errorf("subject %q is not a DID", did)
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   did,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// WithActor returns ctx carrying the actor identity.
func WithActor(ctx context.Context, did string, roles []string) context.Context {
	ctx = context.WithValue(ctx, ActorDIDKey, did)
	return context.WithValue(ctx, UserRolesKey, roles)
}

func ActorFromContext(ctx context.Context) string {
	did, _ := ctx.Value(ActorDIDKey).(string)
	return did
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
