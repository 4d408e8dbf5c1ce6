// Package catalog holds the skills teachers offer and their hourly rates.
//
// The session machine reads rates through session.RateCatalog at booking
// time and never writes here. Rates changed after booking do not affect
// existing sessions.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/skill-exchange/credit"
)

// Offering is a skill a teacher offers at a credit rate.
type Offering struct {
	TeacherID      credit.UserID
	SkillRef       string
	Title          string
	CreditsPerHour decimal.Decimal
	Active         bool
	UpdatedAt      time.Time
}

// Validate checks an offering before it is stored.
func (o Offering) Validate() error {
	switch {
	case o.TeacherID == "":
		return fmt.Errorf("%w: teacher is required", credit.ErrInvalidRequest)
	case o.SkillRef == "":
		return fmt.Errorf("%w: skill reference is required", credit.ErrInvalidRequest)
	case !o.CreditsPerHour.IsPositive():
		return fmt.Errorf("%w: credits per hour must be positive", credit.ErrInvalidRequest)
	}
	return nil
}

// Store persists offerings.
type Store interface {
	PutOffering(ctx context.Context, o Offering) error
	GetOffering(ctx context.Context, teacherID credit.UserID, skillRef string) (Offering, error)
	ListOfferings(ctx context.Context, teacherID credit.UserID) ([]Offering, error)
}

// Catalog serves offerings and implements session.RateCatalog.
type Catalog struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Catalog {
	return &Catalog{store: store, now: time.Now}
}

// Put creates or replaces an offering.
func (c *Catalog) Put(ctx context.Context, o Offering) (Offering, error) {
	if err := o.Validate(); err != nil {
		return Offering{}, err
	}
	o.UpdatedAt = c.now().UTC()
	if err := c.store.PutOffering(ctx, o); err != nil {
		return Offering{}, err
	}
	return o, nil
}

func (c *Catalog) Get(ctx context.Context, teacherID credit.UserID, skillRef string) (Offering, error) {
	return c.store.GetOffering(ctx, teacherID, skillRef)
}

// List returns offerings, all teachers when teacherID is empty.
func (c *Catalog) List(ctx context.Context, teacherID credit.UserID) ([]Offering, error) {
	return c.store.ListOfferings(ctx, teacherID)
}

// HourlyRate returns the rate of an active offering.
func (c *Catalog) HourlyRate(ctx context.Context, teacherID credit.UserID, skillRef string) (decimal.Decimal, error) {
	o, err := c.store.GetOffering(ctx, teacherID, skillRef)
	if err != nil {
		return decimal.Zero, err
	}
	if !o.Active {
		return decimal.Zero, fmt.Errorf("%w: offering %s/%s is not active", credit.ErrNotFound, teacherID, skillRef)
	}
	return o.CreditsPerHour, nil
}

// =============================================================================
// MEMORY STORE
// =============================================================================

type offeringKey struct {
	teacher credit.UserID
	skill   string
}

type MemoryStore struct {
	mu        sync.RWMutex
	offerings map[offeringKey]Offering
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offerings: make(map[offeringKey]Offering)}
}

func (m *MemoryStore) PutOffering(_ context.Context, o Offering) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offerings[offeringKey{o.TeacherID, o.SkillRef}] = o
	return nil
}

func (m *MemoryStore) GetOffering(_ context.Context, teacherID credit.UserID, skillRef string) (Offering, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offerings[offeringKey{teacherID, skillRef}]
	if !ok {
		return Offering{}, credit.ErrNotFound
	}
	return o, nil
}

func (m *MemoryStore) ListOfferings(_ context.Context, teacherID credit.UserID) ([]Offering, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Offering
	for _, o := range m.offerings {
		if teacherID == "" || o.TeacherID == teacherID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TeacherID == out[j].TeacherID {
			return out[i].SkillRef < out[j].SkillRef
		}
		return out[i].TeacherID < out[j].TeacherID
	})
	return out, nil
}
