package user

import (
	"context"
	"time"

	"github.com/mbd888/promptforge/internal/pagination"
)

// Store persists user accounts.
//
// IncrementUsage and ResetUsageIfExpired must be atomic at the store
// level: they are the only durable coordination points for concurrent
// requests from the same user.
type Store interface {
	Get(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByStripeCustomer(ctx context.Context, customerID string) (*User, error)

	// Upsert inserts u if no row with its ID exists and returns the row
	// now in the store. An existing row is returned untouched; repeat
	// logins never overwrite tier, usage, or billing fields.
	Upsert(ctx context.Context, u *User) (*User, error)

	UpdateTier(ctx context.Context, id string, tier Tier) error

	// SetBilling records a completed checkout: tier plus both external ids.
	SetBilling(ctx context.Context, id string, tier Tier, customerID, subscriptionID string) error
	// SetSubscription applies a subscription update: tier plus subscription id.
	SetSubscription(ctx context.Context, id string, tier Tier, subscriptionID string) error
	// ClearSubscription applies a cancellation: tier reset, subscription id cleared.
	ClearSubscription(ctx context.Context, id string, tier Tier) error
	// SetCustomer records a newly created external customer id.
	SetCustomer(ctx context.Context, id string, customerID string) error

	SetBanned(ctx context.Context, id string, banned bool) error

	// IncrementUsage adds one to usage_count as a single store-side
	// operation (never read-modify-write from the application).
	IncrementUsage(ctx context.Context, id string) error

	// ResetUsage unconditionally zeroes the counter and sets a new window
	// end (admin operation).
	ResetUsage(ctx context.Context, id string, resetAt time.Time) error

	// ResetUsageIfExpired zeroes the counter and sets resetAt only when
	// the stored window end is before now. Returns whether the reset was
	// applied, so racing callers observe exactly one rollover.
	ResetUsageIfExpired(ctx context.Context, id string, now, resetAt time.Time) (bool, error)

	// List returns users ordered by creation time (newest first) for the
	// admin panel. Fetches limit+1 rows so callers can compute a cursor.
	List(ctx context.Context, cursor *pagination.Cursor, limit int) ([]*User, error)
}
