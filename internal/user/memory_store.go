package user

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/promptforge/internal/pagination"
)

// MemoryStore is an in-memory user store for demo/development.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*User  // by ID
	emails    map[string]string // lowercased email → ID
	customers map[string]string // stripe customer id → ID
}

// NewMemoryStore creates a new in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*User),
		emails:    make(map[string]string),
		customers: make(map[string]string),
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *MemoryStore) GetByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.emails[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.getLocked(id)
}

func (m *MemoryStore) GetByStripeCustomer(_ context.Context, customerID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.customers[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.getLocked(id)
}

func (m *MemoryStore) Upsert(_ context.Context, u *User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.users[u.ID]; ok {
		cp := *existing
		return &cp, nil
	}

	email := strings.ToLower(u.Email)
	if _, taken := m.emails[email]; taken {
		return nil, ErrEmailTaken
	}

	cp := *u
	m.users[u.ID] = &cp
	m.emails[email] = u.ID
	out := cp
	return &out, nil
}

func (m *MemoryStore) UpdateTier(_ context.Context, id string, tier Tier) error {
	return m.mutate(id, func(u *User) {
		u.Tier = tier
	})
}

func (m *MemoryStore) SetBilling(_ context.Context, id string, tier Tier, customerID, subscriptionID string) error {
	return m.mutate(id, func(u *User) {
		u.Tier = tier
		u.StripeCustomerID = customerID
		u.StripeSubscriptionID = subscriptionID
		m.customers[customerID] = id
	})
}

func (m *MemoryStore) SetSubscription(_ context.Context, id string, tier Tier, subscriptionID string) error {
	return m.mutate(id, func(u *User) {
		u.Tier = tier
		u.StripeSubscriptionID = subscriptionID
	})
}

func (m *MemoryStore) ClearSubscription(_ context.Context, id string, tier Tier) error {
	return m.mutate(id, func(u *User) {
		u.Tier = tier
		u.StripeSubscriptionID = ""
	})
}

func (m *MemoryStore) SetCustomer(_ context.Context, id string, customerID string) error {
	return m.mutate(id, func(u *User) {
		u.StripeCustomerID = customerID
		m.customers[customerID] = id
	})
}

func (m *MemoryStore) SetBanned(_ context.Context, id string, banned bool) error {
	return m.mutate(id, func(u *User) {
		u.Banned = banned
	})
}

func (m *MemoryStore) IncrementUsage(_ context.Context, id string) error {
	return m.mutate(id, func(u *User) {
		u.UsageCount++
	})
}

func (m *MemoryStore) ResetUsage(_ context.Context, id string, resetAt time.Time) error {
	return m.mutate(id, func(u *User) {
		u.UsageCount = 0
		u.UsageResetAt = resetAt
	})
}

func (m *MemoryStore) ResetUsageIfExpired(_ context.Context, id string, now, resetAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return false, ErrNotFound
	}
	if !u.UsageResetAt.Before(now) {
		return false, nil
	}
	u.UsageCount = 0
	u.UsageResetAt = resetAt
	u.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) List(_ context.Context, cursor *pagination.Cursor, limit int) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		all = append(all, &cp)
	}
	// Newest first, ID as tiebreak, matching the postgres ordering.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	var out []*User
	for _, u := range all {
		if cursor != nil {
			if u.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if u.CreatedAt.Equal(cursor.CreatedAt) && u.ID >= cursor.ID {
				continue
			}
		}
		out = append(out, u)
		if len(out) == limit+1 {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) getLocked(id string) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) mutate(id string, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
