// Package usage enforces per-tier monthly quotas on top of the user store.
//
// Quota checks are side-effecting reads: if a user's 30-day window has
// expired, the check rolls the window forward (count back to zero) before
// evaluating the limit. The rollover is guarded store-side so concurrent
// checks perform it at most once per boundary.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/promptforge/internal/user"
)

// Unlimited marks a tier with no monthly cap.
const Unlimited int64 = -1

var tierLimits = map[user.Tier]int64{
	user.TierFree:       10,
	user.TierPro:        1000,
	user.TierEnterprise: Unlimited,
	user.TierLifetime:   Unlimited,
	user.TierAdmin:      Unlimited,
}

// LimitFor returns the monthly quota for a tier. Unknown tiers get the
// free limit so a corrupt tier value never grants unlimited access.
func LimitFor(tier user.Tier) int64 {
	if limit, ok := tierLimits[tier]; ok {
		return limit
	}
	return tierLimits[user.TierFree]
}

// Check is the outcome of a quota evaluation.
type Check struct {
	Allowed   bool      `json:"allowed"`
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Stats is the usage snapshot returned to callers.
type Stats struct {
	Tier      user.Tier `json:"tier"`
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Unlimited bool      `json:"unlimited"`
}

// Service evaluates and records quota consumption.
type Service struct {
	store  user.Store
	logger *slog.Logger
}

func NewService(store user.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// CheckQuota evaluates whether the user may consume one more unit.
// It does not consume anything itself; call Increment after the work
// succeeds.
func (s *Service) CheckQuota(ctx context.Context, userID string) (Check, error) {
	u, err := s.rollover(ctx, userID)
	if err != nil {
		return Check{}, err
	}
	return buildCheck(u), nil
}

// Increment records one unit of consumption. Callers that have already
// produced a result should log failures rather than surface them: the
// work is done and the user should not pay for a bookkeeping error.
func (s *Service) Increment(ctx context.Context, userID string) error {
	return s.store.IncrementUsage(ctx, userID)
}

// Stats returns the current usage snapshot, rolling the window forward
// first if it has expired.
func (s *Service) Stats(ctx context.Context, userID string) (Stats, error) {
	u, err := s.rollover(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	check := buildCheck(u)
	return Stats{
		Tier:      u.Tier,
		Limit:     check.Limit,
		Used:      check.Used,
		Remaining: check.Remaining,
		ResetAt:   check.ResetAt,
		Unlimited: check.Limit == Unlimited,
	}, nil
}

// rollover loads the user and resets the usage window if it has lapsed.
func (s *Service) rollover(ctx context.Context, userID string) (*user.User, error) {
	u, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if !u.UsageResetAt.After(now) {
		next := now.Add(user.UsageWindow)
		reset, err := s.store.ResetUsageIfExpired(ctx, userID, now, next)
		if err != nil {
			return nil, err
		}
		if reset {
			s.logger.Info("usage window rolled over",
				"user_id", userID,
				"next_reset", next)
		}
		// Re-read either way: a racing caller may have won the reset.
		return s.store.Get(ctx, userID)
	}
	return u, nil
}

func buildCheck(u *user.User) Check {
	limit := LimitFor(u.Tier)
	if limit == Unlimited {
		return Check{
			Allowed:   true,
			Limit:     Unlimited,
			Used:      u.UsageCount,
			Remaining: Unlimited,
			ResetAt:   u.UsageResetAt,
		}
	}
	remaining := limit - u.UsageCount
	if remaining < 0 {
		remaining = 0
	}
	return Check{
		Allowed:   u.UsageCount < limit,
		Limit:     limit,
		Used:      u.UsageCount,
		Remaining: remaining,
		ResetAt:   u.UsageResetAt,
	}
}
