// Package billing reconciles Stripe subscription state into user tiers.
//
// Stripe is the source of truth for paid tiers. The webhook handler
// verifies event signatures, the reconciler maps subscription prices to
// tiers and applies them to the user store. Manually granted tiers
// (lifetime, admin) are shielded from billing-driven downgrades.
package billing

import (
	"errors"
	"fmt"

	"github.com/mbd888/promptforge/internal/user"
)

// Errors
var (
	ErrNotConfigured = errors.New("billing: stripe is not configured")
	ErrUnknownPrice  = errors.New("billing: price is not mapped to a tier")
	ErrMalformed     = errors.New("billing: malformed event payload")
)

// PriceConfig holds the Stripe price IDs for each paid plan.
type PriceConfig struct {
	ProPriceID        string
	EnterprisePriceID string
	LifetimePriceID   string
}

// PriceMap resolves Stripe price IDs to subscription tiers.
type PriceMap struct {
	priceToTier map[string]user.Tier
	tierToPrice map[user.Tier]string
}

// NewPriceMap builds the price lookup from configured price IDs.
// Unconfigured prices are simply absent from the map.
func NewPriceMap(prices PriceConfig) *PriceMap {
	priceToTier := make(map[string]user.Tier)
	tierToPrice := make(map[user.Tier]string)
	add := func(priceID string, tier user.Tier) {
		if priceID == "" {
			return
		}
		priceToTier[priceID] = tier
		tierToPrice[tier] = priceID
	}
	add(prices.ProPriceID, user.TierPro)
	add(prices.EnterprisePriceID, user.TierEnterprise)
	add(prices.LifetimePriceID, user.TierLifetime)

	return &PriceMap{priceToTier: priceToTier, tierToPrice: tierToPrice}
}

// TierForPrice maps a price ID to its tier. An unmapped price is an
// error, never a silent free downgrade: a misconfigured price table
// must not strip access from paying customers.
func (m *PriceMap) TierForPrice(priceID string) (user.Tier, error) {
	if tier, ok := m.priceToTier[priceID]; ok {
		return tier, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownPrice, priceID)
}

// PriceForTier returns the configured price ID for a purchasable tier.
func (m *PriceMap) PriceForTier(tier user.Tier) (string, bool) {
	priceID, ok := m.tierToPrice[tier]
	return priceID, ok
}

// Empty reports whether no prices are configured at all.
func (m *PriceMap) Empty() bool {
	return len(m.priceToTier) == 0
}
