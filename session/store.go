package session

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/skill-exchange/credit"
)

// =============================================================================
// STORE
// =============================================================================

// Store persists sessions. Every update is a compare-and-swap on Version.
type Store interface {
	// Create persists a new session. Version must be 1.
	Create(ctx context.Context, s Session) error

	// Get returns a session or credit.ErrNotFound.
	Get(ctx context.Context, id credit.SessionID) (Session, error)

	// Update writes s if the stored version equals s.Version and returns it
	// with the version incremented. Otherwise credit.ErrConcurrentModification.
	Update(ctx context.Context, s Session) (Session, error)

	// List returns matching sessions, most recently scheduled first.
	List(ctx context.Context, f Filter) ([]Session, error)
}

// RateCatalog supplies the hourly rate of an offered skill at booking time.
type RateCatalog interface {
	HourlyRate(ctx context.Context, teacherID credit.UserID, skillRef string) (decimal.Decimal, error)
}

// =============================================================================
// MEMORY STORE
// =============================================================================

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[credit.SessionID]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[credit.SessionID]Session)}
}

func (m *MemoryStore) Create(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return credit.ErrConcurrentModification
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id credit.SessionID) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, credit.ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Update(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[s.ID]
	if !ok {
		return Session{}, credit.ErrNotFound
	}
	if current.Version != s.Version {
		return Session{}, credit.ErrConcurrentModification
	}
	s.Version++
	m.sessions[s.ID] = s
	return s, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if f.Matches(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledStart.Equal(out[j].ScheduledStart) {
			return out[i].ID > out[j].ID
		}
		return out[i].ScheduledStart.After(out[j].ScheduledStart)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
