// Package user defines user accounts and their persistence.
package user

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound   = errors.New("user: not found")
	ErrEmailTaken = errors.New("user: email already taken")
)

// Tier identifies the subscription level gating monthly usage.
// "lifetime" and "admin" are assigned by admins, not by billing.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierLifetime   Tier = "lifetime"
	TierAdmin      Tier = "admin"
)

// ValidTier reports whether t is a known tier.
func ValidTier(t Tier) bool {
	switch t {
	case TierFree, TierPro, TierEnterprise, TierLifetime, TierAdmin:
		return true
	}
	return false
}

// ManualTier reports whether t is assigned outside of billing.
func ManualTier(t Tier) bool {
	return t == TierLifetime || t == TierAdmin
}

// UsageWindow is the length of one usage accounting period.
const UsageWindow = 30 * 24 * time.Hour

// User is a single account row.
type User struct {
	ID                   string    `json:"id"`
	Email                string    `json:"email"`
	Tier                 Tier      `json:"tier"`
	UsageCount           int64     `json:"usageCount"`
	UsageResetAt         time.Time `json:"usageResetAt"`
	Banned               bool      `json:"banned"`
	StripeCustomerID     string    `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string    `json:"stripeSubscriptionId,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// NewUser returns a fresh free-tier user with a full usage window ahead.
func NewUser(id, email string) *User {
	now := time.Now()
	return &User{
		ID:           id,
		Email:        email,
		Tier:         TierFree,
		UsageCount:   0,
		UsageResetAt: now.Add(UsageWindow),
		Banned:       false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
