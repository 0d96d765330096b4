package multitenancy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shield/verify/internal/database"
	"golang.org/x/crypto/bcrypt"
)

// ============================================================================
// TENANT + KEY STORE
// ============================================================================

// TenantManager manages tenants and the API/Reviewer/Model keys issued
// against them.
type TenantManager struct {
	db *database.SupabaseClient
}

// NewTenantManager creates a new persistent tenant manager.
func NewTenantManager(db *database.SupabaseClient) *TenantManager {
	return &TenantManager{
		db: db,
	}
}

// ============================================================================
// TENANT OPERATIONS
// ============================================================================

// GetTenant retrieves a tenant by ID.
func (tm *TenantManager) GetTenant(ctx context.Context, tenantID string) (*database.Tenant, error) {
	return tm.db.GetTenant(ctx, tenantID)
}

// LoadTenant validates and loads a tenant, ensuring it is active.
func (tm *TenantManager) LoadTenant(ctx context.Context, tenantID string) (*database.Tenant, error) {
	tenant, err := tm.db.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, errors.New("tenant not found")
	}

	if tenant.Status != "ACTIVE" && tenant.Status != "TRIAL" {
		return nil, fmt.Errorf("tenant is %s", tenant.Status)
	}

	return tenant, nil
}

// ============================================================================
// KEY MANAGEMENT
// ============================================================================

const keyPrefix = "shv_"

// CreateKey creates a new bearer key with format shv_<id>.<secret> for the
// given role. Reviewer and Model keys are still issued against a tenant —
// a reviewer or model gateway acts on that tenant's claims — but carry a
// distinct Role so the auth middleware can reject a Model key presented
// where a Reviewer key (or API key) is required, and vice versa.
func (tm *TenantManager) CreateKey(ctx context.Context, tenantID, name string, role database.KeyRole, scopes []string) (*database.APIKey, string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", err
	}
	keyID := hex.EncodeToString(idBytes) // 16 chars

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", err
	}
	secret := hex.EncodeToString(secretBytes) // 48 chars

	fullKey := fmt.Sprintf("%s%s.%s", keyPrefix, keyID, secret)

	// Hash only the secret; the ID is used for lookup.
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	apiKey := &database.APIKey{
		KeyID:    keyID,
		TenantID: tenantID,
		Role:     role,
		Name:     name,
		KeyHash:  string(secretHash),
		Scopes:   scopes,
		IsActive: true,
	}

	if err := tm.db.CreateAPIKey(ctx, apiKey); err != nil {
		return nil, "", err
	}

	return apiKey, fullKey, nil
}

// ValidateKey parses and validates a bearer key, checking it carries one of
// wantRoles. It returns the stored key record (for Role/Scopes/TenantID) and
// the key's tenant. Reviewer and Model keys still resolve to a tenant so
// audit trails and quota attribution stay tenant-scoped even for
// non-API-key callers.
func (tm *TenantManager) ValidateKey(ctx context.Context, fullKey string, wantRoles ...database.KeyRole) (*database.APIKey, *database.Tenant, error) {
	if !strings.HasPrefix(fullKey, keyPrefix) {
		return nil, nil, errors.New("invalid key format")
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, keyPrefix), ".", 2)
	if len(parts) != 2 {
		return nil, nil, errors.New("invalid key format")
	}
	keyID, secret := parts[0], parts[1]

	apiKey, err := tm.db.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup failed: %w", err)
	}
	if apiKey == nil {
		return nil, nil, errors.New("invalid key")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(apiKey.KeyHash), []byte(secret)); err != nil {
		return nil, nil, errors.New("invalid key secret")
	}

	if !apiKey.IsActive {
		return nil, nil, errors.New("key inactive")
	}
	if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
		return nil, nil, errors.New("key expired")
	}

	if len(wantRoles) > 0 && !roleAllowed(apiKey.Role, wantRoles) {
		return nil, nil, fmt.Errorf("key role %s not permitted here", apiKey.Role)
	}

	tenant, err := tm.LoadTenant(ctx, apiKey.TenantID)
	if err != nil {
		return nil, nil, err
	}
	return apiKey, tenant, nil
}

func roleAllowed(role database.KeyRole, want []database.KeyRole) bool {
	for _, w := range want {
		if role == w {
			return true
		}
	}
	return false
}

// ============================================================================
// CONTEXT HELPERS
// ============================================================================

type contextKey string

const (
	tenantIDKey contextKey = "tenant_id"
	keyRoleKey  contextKey = "key_role"
	keyIDKey    contextKey = "key_id"
)

// WithTenant adds the tenant ID to context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// GetTenantID extracts the tenant ID from context.
func GetTenantID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(tenantIDKey).(string)
	if !ok || id == "" {
		return "", errors.New("tenant context missing")
	}
	return id, nil
}

// WithKey adds the authenticated key's role and ID to context.
func WithKey(ctx context.Context, role database.KeyRole, keyID string) context.Context {
	ctx = context.WithValue(ctx, keyRoleKey, role)
	return context.WithValue(ctx, keyIDKey, keyID)
}

// GetKeyRole extracts the authenticated key's role from context.
func GetKeyRole(ctx context.Context) (database.KeyRole, bool) {
	role, ok := ctx.Value(keyRoleKey).(database.KeyRole)
	return role, ok
}

// GetKeyID extracts the authenticated key's public ID from context, used as
// the rate-limit and quota-ledger key.
func GetKeyID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(keyIDKey).(string)
	return id, ok
}
