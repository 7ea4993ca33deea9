package billing

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// EventStore records processed webhook event IDs so Stripe retries and
// replays never apply the same event twice.
//
// The reconciler checks Seen before applying an event and calls
// MarkProcessed only after the apply succeeds, so a failed apply stays
// retryable.
type EventStore interface {
	// Seen reports whether the event ID has already been recorded.
	Seen(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed records the event ID. Returns false when the event
	// was already recorded (and records nothing).
	MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error)
}

// MemoryEventStore is an in-memory EventStore for tests and dev mode.
type MemoryEventStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{seen: make(map[string]struct{})}
}

func (s *MemoryEventStore) Seen(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[eventID]
	return ok, nil
}

func (s *MemoryEventStore) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[eventID]; ok {
		return false, nil
	}
	s.seen[eventID] = struct{}{}
	return true, nil
}

// PostgresEventStore persists processed events in PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (s *PostgresEventStore) Seen(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM billing_events WHERE id = $1)`, eventID).Scan(&exists)
	return exists, err
}

// MarkProcessed inserts the event ID; the primary key makes the insert
// a no-op on replay, so first-writer-wins even across instances.
func (s *PostgresEventStore) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_events (id, event_type, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		eventID, eventType, time.Now())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

var (
	_ EventStore = (*MemoryEventStore)(nil)
	_ EventStore = (*PostgresEventStore)(nil)
)
