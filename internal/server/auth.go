package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"ballotline/internal/repo"
)

type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	Logger                 *zap.Logger
}

func (c AuthConfig) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Credential sources, in the order the middleware tries them.
const (
	SourceJWT          = "jwt"
	SourceAPIKey       = "api_key"
	SourceLegacyHeader = "legacy_header"
)

const devTokenTTL = 12 * time.Hour

// Principal is the authenticated caller. Permissions come from JWT claims and
// are global; instance permissions are checked against RBAC by the engine.
type Principal struct {
	ActorID     string
	Roles       []string
	Permissions []string
	Source      string
}

func (p Principal) Has(perm string) bool { return slices.Contains(p.Permissions, perm) }

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	p, _ := ctx.Value(principalKey{}).(Principal)
	if p.ActorID == "" {
		return Principal{}, errUnauthenticated()
	}
	return p, nil
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	p, err := principalFromRequest(ctx)
	return p.ActorID, err
}

func errUnauthenticated() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func errBadCredentials() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func parseToken(raw, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return Principal{}, err
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{ActorID: sub, Roles: claims.Roles, Permissions: claims.Permissions, Source: SourceJWT}, nil
}

// signDevToken mints an HS256 token for local testing.
func signDevToken(secret, actorID string, roles, permissions []string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "ballotline-dev",
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(devTokenTTL)),
		},
		Roles:       roles,
		Permissions: permissions,
	})
	return tok.SignedString([]byte(secret))
}

// authenticator resolves request credentials to a Principal. API keys
// belong to service actors such as an external scheduler invoker.
type authenticator struct {
	cfg  AuthConfig
	repo repo.Repo
}

func (a authenticator) apiKey(ctx context.Context, key string) (Principal, error) {
	k, err := a.repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if k.ActorID == "" {
		return Principal{}, fmt.Errorf("api key %s has no actor", k.ID)
	}
	if err := a.repo.TouchAPIKey(ctx, k.ID, time.Now()); err != nil {
		a.cfg.logger().Warn("api key last-use not recorded", zap.String("api_key_id", k.ID), zap.Error(err))
	}
	return Principal{ActorID: k.ActorID, Source: SourceAPIKey}, nil
}

// resolve returns ok=false when the request carries no credentials at all.
func (a authenticator) resolve(req *http.Request) (p Principal, ok bool, err error) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, token, found := strings.Cut(authz, " ")
		if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			return Principal{}, true, errors.New("malformed authorization header")
		}
		p, err = parseToken(strings.TrimSpace(token), a.cfg.JWTSecret)
		return p, true, err
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		p, err = a.apiKey(req.Context(), key)
		return p, true, err
	}
	if actor := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actor != "" && a.cfg.AllowLegacyActorHeader {
		a.cfg.logger().Warn("legacy X-Actor-Id header accepted without authentication",
			zap.String("actor_id", actor), zap.String("path", req.URL.Path))
		return Principal{ActorID: actor, Source: SourceLegacyHeader}, true, nil
	}
	return Principal{}, false, nil
}

// newAuthMiddleware authenticates every request under basePath except the
// health, spec and dev login routes.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	public := []string{
		path.Join(basePath, "health"),
		path.Join(basePath, "openapi.json"),
		path.Join(basePath, "auth/dev/login"),
	}
	a := authenticator{cfg: cfg, repo: r}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || slices.Contains(public, req.URL.Path) {
				next.ServeHTTP(w, req)
				return
			}
			p, ok, err := a.resolve(req)
			switch {
			case !ok:
				writeError(w, errUnauthenticated())
			case err != nil:
				cfg.logger().Debug("authentication failed", zap.String("path", req.URL.Path), zap.Error(err))
				writeError(w, errBadCredentials())
			default:
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
			}
		})
	}
}
