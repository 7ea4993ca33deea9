// Package ratelimit provides fixed-window request throttling keyed by
// arbitrary identifier strings (e.g. "optimize:usr_123").
//
// The Store interface is the contract; MemoryStore is the default
// process-local implementation and RedisStore the shared-counter variant
// for multi-instance deployments. Every process using MemoryStore has an
// independent counter space; that is an accepted design limit, not a bug.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mbd888/promptforge/internal/syncutil"
)

// Result describes a rate-limit decision.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Store is the rate-limit counter contract. Check is the mutating
// decision; Inspect reports state without consuming a slot; Clear drops
// the counter for a key.
type Store interface {
	Check(ctx context.Context, key string, window time.Duration, max int) (Result, error)
	Inspect(ctx context.Context, key string, window time.Duration, max int) (Result, error)
	Clear(ctx context.Context, key string) error
}

// sweepProbability is the chance that a Check call triggers a scan
// removing expired entries. Correctness never depends on the sweep:
// expired entries are treated as absent on access.
const sweepProbability = 0.01

type entry struct {
	count   int
	resetAt time.Time
}

// MemoryStore is the in-process fixed-window store. Per-key atomicity of
// the check-and-increment comes from a sharded mutex; the map itself is a
// sync.Map so unrelated keys never contend.
type MemoryStore struct {
	locks   syncutil.ShardedMutex
	entries sync.Map // key → *entry
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Check applies the fixed-window decision for key: a missing or expired
// entry starts a fresh window; within a window the first max calls are
// admitted and the counter only moves on admission.
func (m *MemoryStore) Check(_ context.Context, key string, window time.Duration, max int) (Result, error) {
	if rand.Float64() < sweepProbability {
		m.sweep()
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	now := time.Now()
	e := m.get(key)
	if e == nil || !now.Before(e.resetAt) {
		e = &entry{count: 0, resetAt: now.Add(window)}
		m.entries.Store(key, e)
	}

	allowed := e.count < max
	if allowed {
		e.count++
	}

	return Result{
		Allowed:   allowed,
		Limit:     max,
		Remaining: remaining(max, e.count),
		ResetAt:   e.resetAt,
	}, nil
}

// Inspect reports the current window state without consuming a slot.
// Expired or absent entries report the full quota.
func (m *MemoryStore) Inspect(_ context.Context, key string, window time.Duration, max int) (Result, error) {
	unlock := m.locks.Lock(key)
	defer unlock()

	now := time.Now()
	e := m.get(key)
	if e == nil || !now.Before(e.resetAt) {
		return Result{
			Allowed:   true,
			Limit:     max,
			Remaining: max,
			ResetAt:   now.Add(window),
		}, nil
	}

	return Result{
		Allowed:   e.count < max,
		Limit:     max,
		Remaining: remaining(max, e.count),
		ResetAt:   e.resetAt,
	}, nil
}

// Clear drops the counter for a key.
func (m *MemoryStore) Clear(_ context.Context, key string) error {
	unlock := m.locks.Lock(key)
	defer unlock()
	m.entries.Delete(key)
	return nil
}

func (m *MemoryStore) get(key string) *entry {
	v, ok := m.entries.Load(key)
	if !ok {
		return nil
	}
	return v.(*entry)
}

// sweep removes entries whose window has already expired.
func (m *MemoryStore) sweep() {
	now := time.Now()
	m.entries.Range(func(k, _ any) bool {
		key := k.(string)
		unlock := m.locks.Lock(key)
		if e := m.get(key); e != nil && !now.Before(e.resetAt) {
			m.entries.Delete(key)
		}
		unlock()
		return true
	})
}

func remaining(max, count int) int {
	if r := max - count; r > 0 {
		return r
	}
	return 0
}

var _ Store = (*MemoryStore)(nil)
