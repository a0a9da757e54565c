package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"escrowline/internal/engine"
	"escrowline/internal/engine/auth"
	"escrowline/internal/logging"
)

type AuthConfig struct {
	JWTSecret string
	Logger    *slog.Logger
}

type actorKey struct{}

func withActor(ctx context.Context, a auth.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFromContext(ctx context.Context) (auth.Actor, huma.StatusError) {
	if a, ok := ctx.Value(actorKey{}).(auth.Actor); ok && a.ID != "" {
		return a, nil
	}
	return auth.Actor{}, newAPIError(http.StatusUnauthorized, "UNAUTHENTICATED", "actor_required", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func authenticateJWT(token string, secret string) (auth.Actor, error) {
	if strings.TrimSpace(secret) == "" {
		return auth.Actor{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return auth.Actor{}, err
	}
	if !parsed.Valid {
		return auth.Actor{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return auth.Actor{}, errors.New("subject claim required")
	}
	roles, err := auth.NormalizeRoles(claims.Roles)
	if err != nil {
		return auth.Actor{}, err
	}
	return auth.Actor{ID: claims.Subject, Roles: roles}, nil
}

// SignToken mints an HS256 token for actorID. Used by el token and tests.
func SignToken(secret, actorID string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):             true,
		path.Join(basePath, "openapi.json"):       true,
		path.Join(basePath, "webhooks/processor"): true,
	}
	logger := logging.Or(cfg.Logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, invalidCredentials())
					return
				}
				actor, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					logger.Debug("jwt rejected", logging.Error(err))
					respondStatusError(w, invalidCredentials())
					return
				}
				next.ServeHTTP(w, req.WithContext(withActor(req.Context(), actor)))
				return
			}

			if apiKeyHeader != "" {
				actor, err := e.ResolveAPIKey(req.Context(), apiKeyHeader)
				if err != nil {
					logger.Debug("api key rejected", logging.Error(err))
					respondStatusError(w, invalidCredentials())
					return
				}
				next.ServeHTTP(w, req.WithContext(withActor(req.Context(), actor)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "UNAUTHENTICATED", "actor_required", "authentication required", nil))
		})
	}
}

func invalidCredentials() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "UNAUTHENTICATED", "invalid_credentials", "invalid credentials", nil)
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
