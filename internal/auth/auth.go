// Package auth resolves bearer credentials to tenant identities. A
// credential may be a signed JWT (when a signing secret is configured)
// or a static API key; JWT verification is attempted first and falls
// through to the API key table on any failure.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"ingestly/internal/tenants"
)

const bearerPrefix = "Bearer "

// ErrInvalidCredential is the only error surfaced to callers. It is
// deliberately generic: the resolver must not reveal whether a JWT was
// present but invalid versus absent.
var ErrInvalidCredential = errors.New("invalid credential")

// AuthResult is the outcome of resolving a raw token.
type AuthResult struct {
	Success bool
	Tenant  *tenants.TenantInfo
	Err     error
}

// Resolver validates bearer credentials against a JWT secret and a
// static API key table. It performs read-only lookups and has no side
// effects.
type Resolver struct {
	jwtSecret   []byte
	credentials tenants.CredentialStore
	logger      *slog.Logger
}

// NewResolver creates a Resolver. jwtSecret may be empty, in which case
// only API key lookups are performed.
func NewResolver(jwtSecret string, credentials tenants.CredentialStore, logger *slog.Logger) *Resolver {
	return &Resolver{
		jwtSecret:   []byte(jwtSecret),
		credentials: credentials,
		logger:      logger,
	}
}

// Resolve determines the tenant identity for a raw credential string.
// Order: strip the bearer prefix, try JWT verification, then the API
// key table. JWT failures (bad signature, malformed, expired) fall
// through silently to the key table.
func (r *Resolver) Resolve(rawToken string) AuthResult {
	token := strings.TrimSpace(rawToken)
	if strings.HasPrefix(token, bearerPrefix) {
		token = strings.TrimPrefix(token, bearerPrefix)
	}
	token = strings.TrimSpace(token)

	if token == "" {
		return AuthResult{Success: false, Err: ErrInvalidCredential}
	}

	if len(r.jwtSecret) > 0 {
		if tenant, err := r.resolveJWT(token); err == nil {
			return AuthResult{Success: true, Tenant: tenant}
		} else {
			// Fall through to the API key table; the reason stays in the
			// debug log only.
			r.logger.Debug("JWT verification failed, trying API key table", slog.Any("error", err))
		}
	}

	tenant, err := r.credentials.Lookup(token)
	if err == nil {
		return AuthResult{Success: true, Tenant: tenant}
	}

	// The typed miss stays in the debug log; anything else from the
	// store is worth a warning. Clients only ever see the generic error.
	var notFound *tenants.TenantNotFoundError
	if errors.As(err, &notFound) {
		r.logger.Debug("Credential not registered in the API key table")
	} else {
		r.logger.Warn("Credential store lookup failed", slog.Any("error", err))
	}
	return AuthResult{Success: false, Err: ErrInvalidCredential}
}

// resolveJWT verifies the token signature and extracts the tenant from
// the tenantId claim, falling back to the subject claim.
func (r *Resolver) resolveJWT(token string) (*tenants.TenantInfo, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}

	tenantID, _ := claims["tenantId"].(string)
	if tenantID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			tenantID = sub
		}
	}
	if tenantID == "" {
		return nil, fmt.Errorf("token carries no tenant identity")
	}

	info := &tenants.TenantInfo{TenantID: tenantID}
	if name, ok := claims["tenantName"].(string); ok {
		info.Name = name
	}
	return info, nil
}
