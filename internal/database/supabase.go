package database

import (
	"context"
	"fmt"
	"os"
	"time"

	supabase "github.com/supabase-community/supabase-go"
)

// ============================================================================
// SUPABASE CLIENT — tenant and API-key store
// ============================================================================

// SupabaseClient wraps the Supabase Go client with the tenant/API-key
// operations the verification service needs.
type SupabaseClient struct {
	client *supabase.Client
}

// NewSupabaseClient creates a new Supabase client.
func NewSupabaseClient() (*SupabaseClient, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")

	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &SupabaseClient{client: client}, nil
}

// ============================================================================
// DATA MODELS
// ============================================================================

// Tenant represents a billable organization submitting claims.
type Tenant struct {
	TenantID         string                 `json:"tenant_id"`
	TenantName       string                 `json:"tenant_name"`
	OrganizationName string                 `json:"organization_name"`
	SubscriptionTier string                 `json:"subscription_tier"`
	Status           string                 `json:"status"`
	Settings         map[string]interface{} `json:"settings"`
	CreatedAt        string                 `json:"created_at"` // string to handle Supabase timestamp format
}

// KeyRole distinguishes the three bearer-token roles spec.md §6 defines.
type KeyRole string

const (
	KeyRoleAPI      KeyRole = "api"      // submits claims, polls status/proof
	KeyRoleReviewer KeyRole = "reviewer" // approves/rejects HITL-suspended claims
	KeyRoleModel    KeyRole = "model"    // votes in consensus sessions
)

// APIKey represents a bearer credential for one of the three roles above.
// The same table and hashing scheme serve all three; Role selects which
// middleware chain accepts it.
type APIKey struct {
	KeyID      string     `json:"key_id"`
	TenantID   string     `json:"tenant_id"`
	Role       KeyRole    `json:"role"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"key_hash"`
	Scopes     []string   `json:"scopes"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

// ============================================================================
// TENANT OPERATIONS
// ============================================================================

// GetTenant retrieves a tenant by ID.
func (sc *SupabaseClient) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var tenants []Tenant
	_, err := sc.client.From("tenants").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		ExecuteTo(&tenants)

	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	if len(tenants) == 0 {
		return nil, nil
	}
	return &tenants[0], nil
}

// UpdateTenantSettings updates the settings JSONB column for a tenant.
// The caller provides the full settings map, which replaces the existing
// value.
func (sc *SupabaseClient) UpdateTenantSettings(ctx context.Context, tenantID string, settings map[string]interface{}) error {
	update := map[string]interface{}{
		"settings": settings,
	}
	var result []Tenant
	_, err := sc.client.From("tenants").
		Update(update, "", "").
		Eq("tenant_id", tenantID).
		ExecuteTo(&result)
	return err
}

// ============================================================================
// API KEY OPERATIONS
// ============================================================================

// GetAPIKey retrieves an API key by its public ID, regardless of role.
func (sc *SupabaseClient) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	var keys []APIKey
	_, err := sc.client.From("api_keys").
		Select("*", "", false).
		Eq("key_id", keyID).
		ExecuteTo(&keys)

	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return &keys[0], nil
}

// CreateAPIKey creates a new API key row.
func (sc *SupabaseClient) CreateAPIKey(ctx context.Context, apiKey *APIKey) error {
	var result []APIKey
	_, err := sc.client.From("api_keys").
		Insert(apiKey, false, "", "", "").
		ExecuteTo(&result)
	return err
}
