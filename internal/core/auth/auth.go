// Package auth provides HMAC-based API key authentication for gRPC services.
// Each key belongs to one tenant; the interceptor puts that tenant on the
// request context.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dealbrain/dealbrain/internal/types"
)

// contextKey is a typed key for context values to avoid collisions.
type contextKey string

// tenantIDKey is the context key for storing authenticated tenant ID.
const tenantIDKey = contextKey("tenant_id")

// healthPrefix names methods served without a key.
const healthPrefix = "/grpc.health.v1.Health/"

// Queries defines the named-query operations authentication needs.
// Implemented by *db.Queries.
type Queries interface {
	Get(ctx context.Context, name string, dest any, args ...any) error
	Exec(ctx context.Context, name string, args ...any) (sql.Result, error)
}

// Authenticator validates API keys using HMAC-SHA256 signatures.
// Holds in-memory secret map for O(1) lookup and queries for key verification.
type Authenticator struct {
	secrets map[string][]byte
	queries Queries
	now     func() time.Time
}

// NewAuthenticator creates an authenticator with HMAC secrets and query interface.
func NewAuthenticator(secrets map[string][]byte, queries Queries) *Authenticator {
	return &Authenticator{
		secrets: secrets,
		queries: queries,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SecretIDs lists the configured secret ids in sorted order.
func (a *Authenticator) SecretIDs() []string {
	ids := make([]string, 0, len(a.secrets))
	for id := range a.secrets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IssuedKey is a newly created key. Key is only available at issue time;
// the store keeps its HMAC.
type IssuedKey struct {
	ID     string         `json:"api_key_id"`
	Tenant types.TenantID `json:"tenant_id"`
	Key    string         `json:"key"`
}

// Issue creates a key for tenant signed by secretID. An empty secretID
// selects the only configured secret.
func (a *Authenticator) Issue(ctx context.Context, secretID string, tenant types.TenantID, name string) (*IssuedKey, error) {
	if tenant == "" {
		return nil, fmt.Errorf("tenant is required")
	}
	if secretID == "" {
		ids := a.SecretIDs()
		if len(ids) != 1 {
			return nil, fmt.Errorf("%d secrets configured, choose one by id", len(ids))
		}
		secretID = ids[0]
	}
	secret, ok := a.secrets[secretID]
	if !ok {
		return nil, ErrUnknownKey
	}
	key, err := GenerateAPIKey(secretID)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key id: %w", err)
	}
	_, err = a.queries.Exec(ctx, "insert-api-key", id.String(), string(tenant), name, ComputeHMAC(secret, key), a.now())
	if err != nil {
		return nil, fmt.Errorf("failed to store API key: %w", err)
	}
	return &IssuedKey{ID: id.String(), Tenant: tenant, Key: key}, nil
}

// Revoke blocks a key. Revoking twice reports ErrInvalidKey.
func (a *Authenticator) Revoke(ctx context.Context, apiKeyID string) error {
	res, err := a.queries.Exec(ctx, "revoke-api-key", a.now(), apiKeyID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrInvalidKey
	}
	return nil
}

// Authenticate validates an API key and returns its tenant.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (types.TenantID, error) {
	secretID, _, err := ParseAPIKey(apiKey)
	if err != nil {
		return "", err
	}

	// O(1) lookup of HMAC secret using secret_id from key format
	secret, ok := a.secrets[secretID]
	if !ok {
		return "", ErrUnknownKey
	}

	computedHash := ComputeHMAC(secret, apiKey)

	// key_hash is unique, so at most one row matches.
	var result struct {
		TenantID   string       `db:"tenant_id"`
		RevokedAt  sql.NullTime `db:"revoked_at"`
		APIKeyID   string       `db:"api_key_id"`
		LastUsedAt sql.NullTime `db:"last_used_at"`
	}
	err = a.queries.Get(ctx, "get-api-key-by-hash", &result, computedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if result.RevokedAt.Valid {
		return "", ErrKeyRevoked
	}

	if a.shouldUpdateLastUsed(result.LastUsedAt) {
		_, _ = a.queries.Exec(ctx, "update-last-used", a.now(), result.APIKeyID)
	}

	return types.TenantID(result.TenantID), nil
}

// shouldUpdateLastUsed throttles last_used_at writes to one per minute.
func (a *Authenticator) shouldUpdateLastUsed(lastUsed sql.NullTime) bool {
	if !lastUsed.Valid {
		return true
	}
	return a.now().Sub(lastUsed.Time) > time.Minute
}

// UnaryInterceptor returns gRPC interceptor that authenticates requests.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthPrefix) {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		apiKeys := md.Get("x-api-key")
		if len(apiKeys) == 0 {
			return nil, status.Error(codes.Unauthenticated, ErrMissingKey.Error())
		}

		tenantID, err := a.Authenticate(ctx, apiKeys[0])
		if err != nil {
			switch {
			case errors.Is(err, ErrKeyRevoked):
				return nil, status.Error(codes.PermissionDenied, err.Error())
			case errors.Is(err, ErrUnavailable):
				return nil, status.Error(codes.Unavailable, err.Error())
			default:
				return nil, status.Error(codes.Unauthenticated, err.Error())
			}
		}

		return handler(WithTenant(ctx, tenantID), req)
	}
}

// WithTenant returns ctx carrying an authenticated tenant.
func WithTenant(ctx context.Context, tenant types.TenantID) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenant)
}

// TenantIDFromContext extracts tenant ID from context.
// Returns empty string if not found.
func TenantIDFromContext(ctx context.Context) types.TenantID {
	if tenantID, ok := ctx.Value(tenantIDKey).(types.TenantID); ok {
		return tenantID
	}
	return ""
}
