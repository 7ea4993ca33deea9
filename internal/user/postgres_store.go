package user

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/promptforge/internal/pagination"
)

const userColumns = `id, email, tier, usage_count, usage_reset_at, banned,
	stripe_customer_id, stripe_subscription_id, created_at, updated_at`

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

func (p *PostgresStore) GetByStripeCustomer(ctx context.Context, customerID string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE stripe_customer_id = $1`, customerID))
}

func (p *PostgresStore) Upsert(ctx context.Context, u *User) (*User, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, email, tier, usage_count, usage_reset_at, banned, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Email, string(u.Tier), u.UsageCount, u.UsageResetAt, u.Banned,
		u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// The only other unique index is on email: same email, new ID.
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return p.Get(ctx, u.ID)
}

func (p *PostgresStore) UpdateTier(ctx context.Context, id string, tier Tier) error {
	return p.exec(ctx, `
		UPDATE users SET tier = $2, updated_at = NOW() WHERE id = $1`,
		id, string(tier))
}

func (p *PostgresStore) SetBilling(ctx context.Context, id string, tier Tier, customerID, subscriptionID string) error {
	return p.exec(ctx, `
		UPDATE users SET tier = $2, stripe_customer_id = $3, stripe_subscription_id = $4, updated_at = NOW()
		WHERE id = $1`,
		id, string(tier), customerID, subscriptionID)
}

func (p *PostgresStore) SetSubscription(ctx context.Context, id string, tier Tier, subscriptionID string) error {
	return p.exec(ctx, `
		UPDATE users SET tier = $2, stripe_subscription_id = $3, updated_at = NOW() WHERE id = $1`,
		id, string(tier), subscriptionID)
}

func (p *PostgresStore) ClearSubscription(ctx context.Context, id string, tier Tier) error {
	return p.exec(ctx, `
		UPDATE users SET tier = $2, stripe_subscription_id = NULL, updated_at = NOW() WHERE id = $1`,
		id, string(tier))
}

func (p *PostgresStore) SetCustomer(ctx context.Context, id string, customerID string) error {
	return p.exec(ctx, `
		UPDATE users SET stripe_customer_id = $2, updated_at = NOW() WHERE id = $1`,
		id, customerID)
}

func (p *PostgresStore) SetBanned(ctx context.Context, id string, banned bool) error {
	return p.exec(ctx, `
		UPDATE users SET banned = $2, updated_at = NOW() WHERE id = $1`,
		id, banned)
}

// IncrementUsage is a single store-side increment so concurrent requests
// from the same user never lose updates.
func (p *PostgresStore) IncrementUsage(ctx context.Context, id string) error {
	return p.exec(ctx, `
		UPDATE users SET usage_count = usage_count + 1, updated_at = NOW() WHERE id = $1`,
		id)
}

func (p *PostgresStore) ResetUsage(ctx context.Context, id string, resetAt time.Time) error {
	return p.exec(ctx, `
		UPDATE users SET usage_count = 0, usage_reset_at = $2, updated_at = NOW() WHERE id = $1`,
		id, resetAt)
}

// ResetUsageIfExpired performs the guarded window rollover. The WHERE
// clause on usage_reset_at makes the reset happen at most once per
// boundary crossing even with racing callers.
func (p *PostgresStore) ResetUsageIfExpired(ctx context.Context, id string, now, resetAt time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET usage_count = 0, usage_reset_at = $3, updated_at = NOW()
		WHERE id = $1 AND usage_reset_at < $2`,
		id, now, resetAt)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		// Either the window had not expired or the user is gone;
		// disambiguate for the caller.
		if _, err := p.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) List(ctx context.Context, cursor *pagination.Cursor, limit int) ([]*User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	args := []interface{}{}
	if cursor != nil {
		query += ` WHERE (created_at, id) < ($1, $2)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		u, err := p.scanUserRows(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...interface{}) error {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	var tier string
	var customerID, subscriptionID sql.NullString
	err := row.Scan(&u.ID, &u.Email, &tier, &u.UsageCount, &u.UsageResetAt, &u.Banned,
		&customerID, &subscriptionID, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Tier = Tier(tier)
	if customerID.Valid {
		u.StripeCustomerID = customerID.String
	}
	if subscriptionID.Valid {
		u.StripeSubscriptionID = subscriptionID.String
	}
	return u, nil
}

func (p *PostgresStore) scanUserRows(rows *sql.Rows) (*User, error) {
	u := &User{}
	var tier string
	var customerID, subscriptionID sql.NullString
	err := rows.Scan(&u.ID, &u.Email, &tier, &u.UsageCount, &u.UsageResetAt, &u.Banned,
		&customerID, &subscriptionID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Tier = Tier(tier)
	if customerID.Valid {
		u.StripeCustomerID = customerID.String
	}
	if subscriptionID.Valid {
		u.StripeSubscriptionID = subscriptionID.String
	}
	return u, nil
}

var _ Store = (*PostgresStore)(nil)
