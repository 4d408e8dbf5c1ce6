package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/skill-exchange/catalog"
	"github.com/warp/skill-exchange/credit"
	"github.com/warp/skill-exchange/session"
	"github.com/warp/skill-exchange/store/postgres"
)

// These tests need a disposable database:
//
//	SKILLSWAP_TEST_DATABASE_URL=postgres://localhost/skillswap_test go test ./store/postgres
//
// Every test uses fresh user IDs, so runs don't interfere with each other.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("SKILLSWAP_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SKILLSWAP_TEST_DATABASE_URL not set")
	}
	s, err := postgres.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func user(prefix string) credit.UserID {
	return credit.UserID(prefix + "-" + uuid.NewString())
}

func TestPostgres_HoldSettleAndBalance(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	admin, student, teacher := user("admin"), user("student"), user("teacher")

	ledger := credit.NewLedger(s)
	escrow := credit.NewEscrow(ledger, nil)
	r := credit.NewReconciler(ledger, credit.NewStaticAdmins(string(admin)), nil, nil)

	_, err := r.Bonus(ctx, student, credit.Credits(20), "seed", admin)
	require.NoError(t, err)

	hold, err := escrow.Hold(ctx, student, credit.Credits(12), credit.NewSessionID(), "")
	require.NoError(t, err)
	_, err = escrow.Settle(ctx, hold.ID, teacher)
	require.NoError(t, err)

	calc := credit.NewCalculator(s)
	sb, err := calc.Balance(ctx, student)
	require.NoError(t, err)
	tb, err := calc.Balance(ctx, teacher)
	require.NoError(t, err)
	assert.True(t, credit.Credits(8).Equal(sb.Available), "student available %s", sb.Available)
	assert.True(t, sb.Held.IsZero())
	assert.True(t, credit.Credits(12).Equal(tb.Available), "teacher available %s", tb.Available)

	got, err := s.Get(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.StatusCompleted, got.Status)
	assert.True(t, got.CreatedAt.Equal(hold.CreatedAt))

	report, err := credit.Check(ctx, s, student)
	require.NoError(t, err)
	assert.True(t, report.OK(), "problems: %v", report.Problems)
}

func TestPostgres_DuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	student := user("student")
	key := "key-" + uuid.NewString()

	e := credit.Entry{
		ID: credit.NewEntryID(), UserID: student, Type: credit.EntryBonus,
		Amount: credit.Credits(1), BalanceAfter: credit.Credits(1),
		Status: credit.StatusCompleted, CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		IdempotencyKey: key,
	}
	require.NoError(t, s.Insert(ctx, e))

	e.ID = credit.NewEntryID()
	assert.ErrorIs(t, s.Insert(ctx, e), credit.ErrDuplicateIdempotencyKey)
}

func TestPostgres_ConcurrentHoldsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	admin, student := user("admin"), user("student")

	ledger := credit.NewLedger(s)
	escrow := credit.NewEscrow(ledger, nil)
	r := credit.NewReconciler(ledger, credit.NewStaticAdmins(string(admin)), nil, nil)
	_, err := r.Bonus(ctx, student, credit.Credits(10), "seed", admin)
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := escrow.Hold(ctx, student, credit.Credits(3), credit.NewSessionID(), ""); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	b, err := credit.NewCalculator(s).Balance(ctx, student)
	require.NoError(t, err)
	assert.True(t, credit.Credits(1).Equal(b.Available), "available %s", b.Available)
}

func TestPostgres_SessionsAndOfferings(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	admin, student, teacher := user("admin"), user("student"), user("teacher")

	ledger := credit.NewLedger(s)
	r := credit.NewReconciler(ledger, credit.NewStaticAdmins(string(admin)), nil, nil)
	_, err := r.Bonus(ctx, student, credit.Credits(10), "seed", admin)
	require.NoError(t, err)
	id := credit.NewSessionID()
	hold, err := credit.NewEscrow(ledger, nil).Hold(ctx, student, credit.Credits(4), id, "")
	require.NoError(t, err)

	start := time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC)
	sess := session.Session{
		ID: id, TeacherID: teacher, StudentID: student, SkillRef: "guitar",
		ScheduledStart: start, ScheduledEnd: start.Add(time.Hour),
		HourlyRate: credit.Credits(4), CreditsCost: credit.Credits(4),
		HoldEntryID: hold.ID, Status: session.StatusPending,
		Version: 1, CreatedAt: start, UpdatedAt: start,
	}
	sessions := s.Sessions()
	require.NoError(t, sessions.Create(ctx, sess))

	updated, err := sessions.Update(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	_, err = sessions.Update(ctx, sess)
	assert.ErrorIs(t, err, credit.ErrConcurrentModification)

	list, err := sessions.List(ctx, session.Filter{UserID: student})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].ScheduledStart.Equal(start))

	c := catalog.New(s.Offerings())
	_, err = c.Put(ctx, catalog.Offering{TeacherID: teacher, SkillRef: "guitar", CreditsPerHour: credit.MustParseCredits("4.5"), Active: true})
	require.NoError(t, err)
	rate, err := c.HourlyRate(ctx, teacher, "guitar")
	require.NoError(t, err)
	assert.Equal(t, "4.5", rate.String())
}
