// Package store provides in-memory credit.TxStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/skill-exchange/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	entries     map[credit.EntryID]credit.Entry
	byUser      map[credit.UserID][]credit.EntryID // (CreatedAt, ID) ascending
	related     map[credit.EntryID][]credit.EntryID
	idempotency map[string]credit.EntryID
	audits      []credit.AuditRecord
}

func NewMemory() *Memory {
	return &Memory{
		entries:     make(map[credit.EntryID]credit.Entry),
		byUser:      make(map[credit.UserID][]credit.EntryID),
		related:     make(map[credit.EntryID][]credit.EntryID),
		idempotency: make(map[string]credit.EntryID),
	}
}

// Insert adds entries atomically. Append-only.
func (m *Memory) Insert(_ context.Context, entries ...credit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(entries)
}

func (m *Memory) insertLocked(entries []credit.Entry) error {
	// Check all keys first so a rejected batch writes nothing.
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IdempotencyKey == "" {
			continue
		}
		if _, dup := m.idempotency[e.IdempotencyKey]; dup || seen[e.IdempotencyKey] {
			return credit.ErrDuplicateIdempotencyKey
		}
		seen[e.IdempotencyKey] = true
	}

	for _, e := range entries {
		m.entries[e.ID] = e

		ids := m.byUser[e.UserID]
		i := sort.Search(len(ids), func(i int) bool {
			return after(m.entries[ids[i]], e)
		})
		ids = append(ids, "")
		copy(ids[i+1:], ids[i:])
		ids[i] = e.ID
		m.byUser[e.UserID] = ids

		if e.RelatedEntryID != "" {
			m.related[e.RelatedEntryID] = append(m.related[e.RelatedEntryID], e.ID)
		}
		if e.IdempotencyKey != "" {
			m.idempotency[e.IdempotencyKey] = e.ID
		}
	}
	return nil
}

// after reports whether a sorts after b in (CreatedAt, ID) order.
func after(a, b credit.Entry) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (m *Memory) SetStatus(_ context.Context, id credit.EntryID, from, to credit.EntryStatus, processedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatusLocked(id, from, to, processedAt)
}

func (m *Memory) setStatusLocked(id credit.EntryID, from, to credit.EntryStatus, processedAt time.Time) error {
	e, ok := m.entries[id]
	if !ok {
		return credit.ErrNotFound
	}
	if e.Status != from {
		return credit.ErrConcurrentModification
	}
	e.Status = to
	e.ProcessedAt = &processedAt
	m.entries[id] = e
	return nil
}

func (m *Memory) Get(_ context.Context, id credit.EntryID) (credit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id credit.EntryID) (credit.Entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return credit.Entry{}, credit.ErrNotFound
	}
	return e, nil
}

func (m *Memory) GetByIdempotencyKey(_ context.Context, key string) (credit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byKeyLocked(key)
}

func (m *Memory) byKeyLocked(key string) (credit.Entry, error) {
	id, ok := m.idempotency[key]
	if !ok {
		return credit.Entry{}, credit.ErrNotFound
	}
	return m.entries[id], nil
}

func (m *Memory) Related(_ context.Context, id credit.EntryID) ([]credit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.relatedLocked(id), nil
}

func (m *Memory) relatedLocked(id credit.EntryID) []credit.Entry {
	ids := m.related[id]
	out := make([]credit.Entry, 0, len(ids))
	for _, rid := range ids {
		out = append(out, m.entries[rid])
	}
	sort.Slice(out, func(i, j int) bool { return after(out[j], out[i]) })
	return out
}

func (m *Memory) Entries(_ context.Context, userID credit.UserID) ([]credit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked(userID), nil
}

func (m *Memory) entriesLocked(userID credit.UserID) []credit.Entry {
	ids := m.byUser[userID]
	out := make([]credit.Entry, len(ids))
	for i, id := range ids {
		out[i] = m.entries[id]
	}
	return out
}

func (m *Memory) Page(_ context.Context, userID credit.UserID, q credit.Query) ([]credit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pageLocked(userID, q), nil
}

func (m *Memory) pageLocked(userID credit.UserID, q credit.Query) []credit.Entry {
	ids := m.byUser[userID]
	var out []credit.Entry
	for i := len(ids) - 1; i >= 0; i-- {
		e := m.entries[ids[i]]
		if q.After != nil && !q.After.Older(e) {
			continue
		}
		if !q.Matches(e) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// LockAccounts is a no-op: WithTx already holds the store-wide write lock.
func (m *Memory) LockAccounts(context.Context, ...credit.UserID) error {
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, a credit.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, a)
	return nil
}

func (m *Memory) Audits(_ context.Context, f credit.AuditFilter) ([]credit.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.auditsLocked(f), nil
}

func (m *Memory) auditsLocked(f credit.AuditFilter) []credit.AuditRecord {
	var out []credit.AuditRecord
	for i := len(m.audits) - 1; i >= 0; i-- {
		if !f.Matches(m.audits[i]) {
			continue
		}
		out = append(out, m.audits[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are fully serialized.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(credit.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entries     map[credit.EntryID]credit.Entry
	byUser      map[credit.UserID][]credit.EntryID
	related     map[credit.EntryID][]credit.EntryID
	idempotency map[string]credit.EntryID
	audits      []credit.AuditRecord
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		entries:     make(map[credit.EntryID]credit.Entry, len(tm.entries)),
		byUser:      make(map[credit.UserID][]credit.EntryID, len(tm.byUser)),
		related:     make(map[credit.EntryID][]credit.EntryID, len(tm.related)),
		idempotency: make(map[string]credit.EntryID, len(tm.idempotency)),
		audits:      append([]credit.AuditRecord(nil), tm.audits...),
	}
	for k, v := range tm.entries {
		s.entries[k] = v
	}
	for k, v := range tm.byUser {
		s.byUser[k] = append([]credit.EntryID(nil), v...)
	}
	for k, v := range tm.related {
		s.related[k] = append([]credit.EntryID(nil), v...)
	}
	for k, v := range tm.idempotency {
		s.idempotency[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.entries = s.entries
	tm.byUser = s.byUser
	tm.related = s.related
	tm.idempotency = s.idempotency
	tm.audits = s.audits
}

// txMemoryView reads and writes the parent directly; the parent's lock is
// held by WithTx for the view's lifetime.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) Insert(_ context.Context, entries ...credit.Entry) error {
	return tv.parent.insertLocked(entries)
}

func (tv *txMemoryView) SetStatus(_ context.Context, id credit.EntryID, from, to credit.EntryStatus, processedAt time.Time) error {
	return tv.parent.setStatusLocked(id, from, to, processedAt)
}

func (tv *txMemoryView) Get(_ context.Context, id credit.EntryID) (credit.Entry, error) {
	return tv.parent.getLocked(id)
}

func (tv *txMemoryView) GetByIdempotencyKey(_ context.Context, key string) (credit.Entry, error) {
	return tv.parent.byKeyLocked(key)
}

func (tv *txMemoryView) Related(_ context.Context, id credit.EntryID) ([]credit.Entry, error) {
	return tv.parent.relatedLocked(id), nil
}

func (tv *txMemoryView) Entries(_ context.Context, userID credit.UserID) ([]credit.Entry, error) {
	return tv.parent.entriesLocked(userID), nil
}

func (tv *txMemoryView) Page(_ context.Context, userID credit.UserID, q credit.Query) ([]credit.Entry, error) {
	return tv.parent.pageLocked(userID, q), nil
}

func (tv *txMemoryView) LockAccounts(context.Context, ...credit.UserID) error {
	return nil
}

func (tv *txMemoryView) AppendAudit(_ context.Context, a credit.AuditRecord) error {
	tv.parent.audits = append(tv.parent.audits, a)
	return nil
}

func (tv *txMemoryView) Audits(_ context.Context, f credit.AuditFilter) ([]credit.AuditRecord, error) {
	return tv.parent.auditsLocked(f), nil
}
