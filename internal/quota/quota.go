// Package quota enforces per-tenant claim-verification quotas and maps
// overage into the API's 402 Payment Required response (spec.md §6, §7).
//
// Grounded on internal/economics/wallet.go's BillingEngine: a
// mutex-guarded map of per-tenant balances, debited per unit of work,
// returning a typed error when the balance can't cover the charge.
// Generalized from a reputation-tax multiplier to a flat per-claim price
// by subscription tier.
package quota

import (
	"fmt"
	"sync"
	"time"
)

// Tier is a tenant's subscription level, each with its own per-claim price
// and monthly included allotment.
type Tier string

const (
	TierFree       Tier = "free"
	TierStandard   Tier = "standard"
	TierEnterprise Tier = "enterprise"
)

// Pricing describes one tier's plan.
type Pricing struct {
	MonthlyIncluded int
	OveragePrice    float64 // price per claim past the included allotment
	Currency        string
}

// DefaultPricing mirrors the teacher's governance-tax escalation idea
// (cost rises as a resource is consumed past its safe allowance) applied to
// claim volume instead of trust drift.
var DefaultPricing = map[Tier]Pricing{
	TierFree:       {MonthlyIncluded: 50, OveragePrice: 0, Currency: "USD"},
	TierStandard:   {MonthlyIncluded: 2000, OveragePrice: 0.05, Currency: "USD"},
	TierEnterprise: {MonthlyIncluded: 100000, OveragePrice: 0.02, Currency: "USD"},
}

// ErrQuotaExceeded carries the price/currency the API surfaces as
// X-Price/X-Currency headers on a 402 response.
type ErrQuotaExceeded struct {
	TenantID string
	Tier     Tier
	Price    float64
	Currency string
}

func (e *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("quota: tenant %s exceeded %s tier allotment, next claim costs %.2f %s",
		e.TenantID, e.Tier, e.Price, e.Currency)
}

type tenantUsage struct {
	tier        Tier
	periodStart time.Time
	count       int
	prepaid     bool // enterprise tenants with a negotiated overage agreement never hard-stop
}

// Ledger tracks claim counts per tenant per billing period.
type Ledger struct {
	mu      sync.Mutex
	usage   map[string]*tenantUsage
	pricing map[Tier]Pricing
}

// New creates a Ledger with the given pricing table (DefaultPricing if nil).
func New(pricing map[Tier]Pricing) *Ledger {
	if pricing == nil {
		pricing = DefaultPricing
	}
	return &Ledger{usage: make(map[string]*tenantUsage), pricing: pricing}
}

// Register sets a tenant's tier, resetting its usage counter for a fresh
// billing period.
func (l *Ledger) Register(tenantID string, tier Tier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.usage[tenantID] = &tenantUsage{tier: tier, periodStart: time.Now()}
}

// CheckAndDebit increments the tenant's usage for one claim submission.
// Tiers with no overage price hard-stop at their allotment and return
// ErrQuotaExceeded without debiting; tiers with an overage price are always
// allowed through but the call is billed once the allotment is spent.
func (l *Ledger) CheckAndDebit(tenantID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.usage[tenantID]
	if !ok {
		u = &tenantUsage{tier: TierFree, periodStart: time.Now()}
		l.usage[tenantID] = u
	}

	price := l.pricing[u.tier]
	overAllotment := u.count >= price.MonthlyIncluded
	if overAllotment && price.OveragePrice <= 0 {
		return &ErrQuotaExceeded{TenantID: tenantID, Tier: u.tier, Price: 0, Currency: price.Currency}
	}

	u.count++
	return nil
}

// Remaining reports how many claims are left in the tenant's included
// allotment this period (can be negative once in overage).
func (l *Ledger) Remaining(tenantID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.usage[tenantID]
	if !ok {
		return DefaultPricing[TierFree].MonthlyIncluded
	}
	return l.pricing[u.tier].MonthlyIncluded - u.count
}
