// Package auth resolves bearer credentials into a caller identity with roles.
// Tokens are HS256 JWTs signed with server.jwt_secret, or static API keys
// from server.api_keys which resolve to an admin caller.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/1sec-project/perimeter/internal/core"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Claims is the JWT payload. Either Role or Roles may carry the roles.
type Claims struct {
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Caller is a resolved identity.
type Caller struct {
	ID    string
	Roles []string
}

// HasRole reports whether the caller holds any of roles.
func (c *Caller) HasRole(roles ...string) bool {
	for _, have := range c.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

type ctxKey struct{}

// WithCaller stores c in ctx.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// CallerFromContext returns the caller stored by Authenticate.
func CallerFromContext(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Caller)
	return c, ok
}

// Resolver turns an Authorization header into a Caller.
type Resolver struct {
	cfg        *core.Config
	secret     []byte
	privileged []string
	logger     zerolog.Logger
}

// NewResolver creates a resolver from the server section of cfg.
func NewResolver(cfg *core.Config, logger zerolog.Logger) *Resolver {
	return &Resolver{
		cfg:        cfg,
		secret:     []byte(cfg.Server.JWTSecret),
		privileged: cfg.Server.PrivilegedRoles,
		logger:     logger.With().Str("component", "auth").Logger(),
	}
}

// Resolve validates a "Bearer <token>" header value. Errors are boundary
// errors that never echo the token.
func (r *Resolver) Resolve(header string) (*Caller, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, core.ErrMissingCredentials
	}

	if len(r.cfg.Server.APIKeys) > 0 && r.cfg.ValidateAPIKey(token) {
		return &Caller{ID: "api-key:" + fingerprint(token), Roles: []string{"admin"}}, nil
	}
	if len(r.secret) == 0 {
		return nil, core.ErrInvalidCredentials
	}

	claims, err := r.parse(token)
	if err != nil {
		return nil, &core.Error{Kind: core.KindUnauthorized, Message: core.ErrInvalidCredentials.Message, Err: err}
	}
	roles := claims.Roles
	if claims.Role != "" {
		roles = append([]string{claims.Role}, roles...)
	}
	return &Caller{ID: claims.Subject, Roles: roles}, nil
}

func (r *Resolver) parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if r.cfg.Server.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(r.cfg.Server.JWTIssuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// IsPrivileged reports whether c holds a configured privileged role.
func (r *Resolver) IsPrivileged(c *Caller) bool {
	return c != nil && c.HasRole(r.privileged...)
}

// Authenticate resolves the caller and stores it in the request context.
// Unresolvable requests get 401.
func (r *Resolver) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		caller, err := r.Resolve(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn().
				Err(errors.Unwrap(err)).
				Str("path", req.URL.Path).
				Str("ip", req.RemoteAddr).
				Msg("authentication failed")
			core.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, req.WithContext(WithCaller(req.Context(), caller)))
	})
}

// RequirePrivileged rejects callers without a privileged role with 403. It
// must run after Authenticate.
func (r *Resolver) RequirePrivileged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		caller, ok := CallerFromContext(req.Context())
		if !ok {
			core.WriteError(w, core.ErrMissingCredentials)
			return
		}
		if !r.IsPrivileged(caller) {
			r.logger.Warn().
				Str("caller", caller.ID).
				Strs("roles", caller.Roles).
				Str("path", req.URL.Path).
				Msg("caller lacks privileged role")
			core.WriteError(w, core.ErrInsufficientRole)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// Issue mints an HS256 token for subject with roles, valid for ttl.
func Issue(cfg *core.Config, subject string, roles []string, ttl time.Duration) (string, error) {
	if cfg.Server.JWTSecret == "" {
		return "", fmt.Errorf("server.jwt_secret is not configured")
	}
	now := time.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Server.JWTIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Server.JWTSecret))
}

func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}
