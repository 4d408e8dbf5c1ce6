package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/skill-exchange/catalog"
	"github.com/warp/skill-exchange/credit"
	"github.com/warp/skill-exchange/session"
	"github.com/warp/skill-exchange/store/sqlite"
)

const (
	admin   credit.UserID = "admin-1"
	student credit.UserID = "student-1"
	teacher credit.UserID = "teacher-1"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fund(t *testing.T, r *credit.Reconciler, user credit.UserID, n int64) {
	t.Helper()
	_, err := r.Bonus(context.Background(), user, credit.Credits(n), "test funding", admin)
	require.NoError(t, err)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestSQLite_HoldSettleRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	ledger := credit.NewLedger(s)
	escrow := credit.NewEscrow(ledger, nil)
	fund(t, credit.NewReconciler(ledger, credit.NewStaticAdmins(string(admin)), nil, nil), student, 20)

	// WHEN: a hold is placed and settled
	hold, err := escrow.Hold(ctx, student, credit.Credits(12), "sess-1", "book:sess-1")
	require.NoError(t, err)
	settled, err := escrow.Settle(ctx, hold.ID, teacher)
	require.NoError(t, err)

	// THEN: both sides read back with the values written
	calc := credit.NewCalculator(s)
	sb, err := calc.Balance(ctx, student)
	require.NoError(t, err)
	tb, err := calc.Balance(ctx, teacher)
	require.NoError(t, err)
	assert.Equal(t, "8", sb.Available.String())
	assert.Equal(t, "0", sb.Held.String())
	assert.Equal(t, "12", tb.Available.String())

	got, err := s.Get(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.StatusCompleted, got.Status)
	require.NotNil(t, got.ProcessedAt)
	assert.Equal(t, credit.SessionID("sess-1"), got.RelatedSessionID)
	assert.Equal(t, "book:sess-1", got.IdempotencyKey)
	assert.True(t, got.CreatedAt.Equal(hold.CreatedAt), "timestamps survive the text round trip")

	related, err := s.Related(ctx, hold.ID)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, settled.Counter.ID, related[0].ID)
	assert.Equal(t, credit.EntryEarned, related[0].Type)
	assert.Equal(t, student, related[0].CounterpartyUserID)

	byKey, err := s.GetByIdempotencyKey(ctx, "book:sess-1")
	require.NoError(t, err)
	assert.Equal(t, hold.ID, byKey.ID)
}

func TestSQLite_DuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now().UTC()

	e := credit.Entry{
		ID: credit.NewEntryID(), UserID: student, Type: credit.EntryBonus,
		Amount: credit.Credits(1), BalanceAfter: credit.Credits(1),
		Status: credit.StatusCompleted, CreatedAt: now, IdempotencyKey: "k",
	}
	require.NoError(t, s.Insert(ctx, e))

	e.ID = credit.NewEntryID()
	assert.ErrorIs(t, s.Insert(ctx, e), credit.ErrDuplicateIdempotencyKey)
}

func TestSQLite_EntriesAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now().UTC()

	e := credit.Entry{
		ID: credit.NewEntryID(), UserID: student, Type: credit.EntryBonus,
		Amount: credit.Credits(5), BalanceAfter: credit.Credits(5),
		Status: credit.StatusCompleted, CreatedAt: now,
	}
	require.NoError(t, s.Insert(ctx, e))

	// GIVEN: a completed entry
	// WHEN: its status is changed anyway
	err := s.SetStatus(ctx, e.ID, credit.StatusCompleted, credit.StatusCancelled, now)

	// THEN: the immutability trigger rejects it
	require.Error(t, err)
	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.StatusCompleted, got.Status)
}

func TestSQLite_SetStatus_Conditional(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now().UTC()

	hold := credit.Entry{
		ID: credit.NewEntryID(), UserID: student, Type: credit.EntrySpent,
		Amount: credit.Credits(-3), BalanceAfter: credit.Credits(0),
		Status: credit.StatusPending, CreatedAt: now,
	}
	require.NoError(t, s.Insert(ctx, hold))

	assert.ErrorIs(t, s.SetStatus(ctx, "missing", credit.StatusPending, credit.StatusCompleted, now), credit.ErrNotFound)
	assert.ErrorIs(t, s.SetStatus(ctx, hold.ID, credit.StatusCompleted, credit.StatusCancelled, now), credit.ErrConcurrentModification)
	require.NoError(t, s.SetStatus(ctx, hold.ID, credit.StatusPending, credit.StatusCancelled, now))
}

func TestSQLite_WithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	ledger := credit.NewLedger(s)

	// WHEN: a transaction writes then fails
	err := ledger.Update(ctx, []credit.UserID{student}, func(tx *credit.Tx) error {
		if _, err := tx.Append(ctx, credit.Entry{
			UserID: student, Type: credit.EntryBonus, Amount: credit.Credits(7), Status: credit.StatusCompleted,
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	// THEN: nothing was kept
	entries, err := s.Entries(ctx, student)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLite_PageWalksNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	ledger := credit.NewLedger(s)
	r := credit.NewReconciler(ledger, credit.NewStaticAdmins(string(admin)), nil, nil)
	for range 5 {
		fund(t, r, student, 1)
	}

	first, err := ledger.Query(ctx, student, credit.Query{Limit: 3})
	require.NoError(t, err)
	require.Len(t, first.Entries, 3)
	require.NotNil(t, first.Next)

	second, err := ledger.Query(ctx, student, credit.Query{Limit: 3, After: first.Next})
	require.NoError(t, err)
	require.Len(t, second.Entries, 2)
	assert.Nil(t, second.Next)

	all := append(first.Entries, second.Entries...)
	for i := 1; i < len(all); i++ {
		assert.True(t, credit.Less(all[i], all[i-1]), "entry %d is older than entry %d", i, i-1)
	}
	assert.Equal(t, "5", all[0].BalanceAfter.String())

	bonuses, err := ledger.Query(ctx, student, credit.Query{Types: []credit.EntryType{credit.EntrySpent}})
	require.NoError(t, err)
	assert.Empty(t, bonuses.Entries)
}

func TestSQLite_ConcurrentHoldsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ledger := credit.NewLedger(s)
	escrow := credit.NewEscrow(ledger, nil)
	fund(t, credit.NewReconciler(ledger, credit.NewStaticAdmins(string(admin)), nil, nil), student, 10)

	// WHEN: 8 holds of 3 race for 10 credits
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := escrow.Hold(ctx, student, credit.Credits(3), credit.NewSessionID(), ""); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, credit.ErrInsufficientCredits)
			}
		}()
	}
	wg.Wait()

	// THEN: exactly three fit
	assert.Equal(t, 3, ok)
	b, err := credit.NewCalculator(s).Balance(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, "1", b.Available.String())
	assert.Equal(t, "9", b.Held.String())
}

func TestSQLite_Audits(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	ledger := credit.NewLedger(s)
	r := credit.NewReconciler(ledger, credit.NewStaticAdmins(string(admin)), nil, nil)

	fund(t, r, student, 10)
	_, err := r.Adjust(ctx, student, credit.Credits(-2), "typo", admin)
	require.NoError(t, err)

	audits, err := s.Audits(ctx, credit.AuditFilter{UserID: student})
	require.NoError(t, err)
	require.Len(t, audits, 2)
	assert.Equal(t, credit.AuditAdjust, audits[0].Action, "newest first")
	assert.Equal(t, "-2", audits[0].Amount.String())
	assert.Equal(t, "typo", audits[0].Reason)

	only, err := s.Audits(ctx, credit.AuditFilter{Actions: []credit.AuditAction{credit.AuditBonus}})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, admin, only[0].ActorID)
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestSQLite_SessionCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	ledger := credit.NewLedger(s)
	fund(t, credit.NewReconciler(ledger, credit.NewStaticAdmins(string(admin)), nil, nil), student, 10)
	hold, err := credit.NewEscrow(ledger, nil).Hold(ctx, student, credit.Credits(4), "sess-1", "")
	require.NoError(t, err)

	start := time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC)
	sess := session.Session{
		ID: "sess-1", TeacherID: teacher, StudentID: student, SkillRef: "guitar",
		ScheduledStart: start, ScheduledEnd: start.Add(time.Hour),
		HourlyRate: credit.Credits(4), CreditsCost: credit.Credits(4),
		HoldEntryID: hold.ID, Status: session.StatusPending,
		Version: 1, CreatedAt: start.Add(-24 * time.Hour), UpdatedAt: start.Add(-24 * time.Hour),
	}
	store := s.Sessions()
	require.NoError(t, store.Create(ctx, sess))
	assert.ErrorIs(t, store.Create(ctx, sess), credit.ErrConcurrentModification)

	// WHEN: two writers start from version 1
	a := sess
	a.TeacherConfirmed = true
	updated, err := store.Update(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	b := sess
	b.Status = session.StatusCancelled
	_, err = store.Update(ctx, b)

	// THEN: the second loses
	assert.ErrorIs(t, err, credit.ErrConcurrentModification)

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, got.TeacherConfirmed)
	assert.Equal(t, session.StatusPending, got.Status)
	assert.True(t, got.ScheduledStart.Equal(start))
	assert.Equal(t, "4", got.CreditsCost.String())
	assert.Nil(t, got.ConfirmedAt)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, credit.ErrNotFound)
	_, err = store.Update(ctx, session.Session{ID: "missing", Version: 1})
	assert.ErrorIs(t, err, credit.ErrNotFound)

	list, err := store.List(ctx, session.Filter{UserID: teacher})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = store.List(ctx, session.Filter{Statuses: []session.Status{session.StatusCompleted}})
	require.NoError(t, err)
	assert.Empty(t, list)
}

// =============================================================================
// OFFERINGS
// =============================================================================

func TestSQLite_Offerings(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	c := catalog.New(s.Offerings())

	_, err := c.Put(ctx, catalog.Offering{TeacherID: teacher, SkillRef: "guitar", CreditsPerHour: credit.Credits(4), Active: true})
	require.NoError(t, err)
	_, err = c.Put(ctx, catalog.Offering{TeacherID: teacher, SkillRef: "bass", CreditsPerHour: credit.Credits(3), Active: true})
	require.NoError(t, err)

	// WHEN: an offering is replaced
	_, err = c.Put(ctx, catalog.Offering{TeacherID: teacher, SkillRef: "guitar", CreditsPerHour: credit.MustParseCredits("4.5"), Active: false})
	require.NoError(t, err)

	// THEN: the latest values win and inactive offerings have no rate
	o, err := c.Get(ctx, teacher, "guitar")
	require.NoError(t, err)
	assert.Equal(t, "4.5", o.CreditsPerHour.String())
	assert.False(t, o.Active)
	_, err = c.HourlyRate(ctx, teacher, "guitar")
	assert.ErrorIs(t, err, credit.ErrNotFound)

	list, err := c.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "bass", list[0].SkillRef)
}
