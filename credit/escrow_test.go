package credit_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/skill-exchange/credit"
)

// =============================================================================
// HOLD
// =============================================================================

func TestEscrow_Hold_ReducesAvailableAndRaisesHeld(t *testing.T) {
	// GIVEN: Student has 20 credits
	// WHEN: Holding 6
	// THEN: available=14, held=6, one pending Spent entry tagged to the session

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 20)

	hold, err := f.escrow.Hold(ctx, student, credit.Credits(6), "session-b", "")
	require.NoError(t, err)

	assert.Equal(t, credit.EntrySpent, hold.Type)
	assert.Equal(t, credit.StatusPending, hold.Status)
	assert.Equal(t, credit.SessionID("session-b"), hold.RelatedSessionID)
	assertCredits(t, -6, hold.Amount, "hold amount")

	b := f.balance(t, student)
	assertCredits(t, 14, b.Available, "available")
	assertCredits(t, 6, b.Held, "held")
	assertCredits(t, 20, b.Total(), "total")
}

func TestEscrow_Hold_InsufficientCredits(t *testing.T) {
	// GIVEN: Student has 10 credits
	// WHEN: Holding 12
	// THEN: InsufficientCredits, no entry written

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 10)

	_, err := f.escrow.Hold(ctx, student, credit.Credits(12), "session-a", "")

	var ic *credit.InsufficientCreditsError
	require.ErrorAs(t, err, &ic)
	assertCredits(t, 2, ic.Shortfall, "shortfall")

	b := f.balance(t, student)
	assertCredits(t, 10, b.Available, "available unchanged")
	assertCredits(t, 0, b.Held, "nothing held")
	entries, _ := f.store.Entries(ctx, student)
	assert.Len(t, entries, 1, "only the funding entry")
}

func TestEscrow_Hold_IdempotencyKey(t *testing.T) {
	// GIVEN: A hold placed with key k
	// WHEN: Retrying the same hold with key k
	// THEN: The original hold is returned and the student is charged once

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 20)

	first, err := f.escrow.Hold(ctx, student, credit.Credits(6), "session-1", "book-1")
	require.NoError(t, err)
	second, err := f.escrow.Hold(ctx, student, credit.Credits(6), "session-1", "book-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assertCredits(t, 14, f.balance(t, student).Available, "charged once")

	// Same key, different session: rejected
	_, err = f.escrow.Hold(ctx, student, credit.Credits(6), "session-2", "book-1")
	assert.ErrorIs(t, err, credit.ErrDuplicateIdempotencyKey)
}

func TestEscrow_Hold_RejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	f.fund(t, student, 5)

	_, err := f.escrow.Hold(context.Background(), student, credit.Credits(0), "s", "")
	assert.ErrorIs(t, err, credit.ErrInvalidRequest)
}

// =============================================================================
// SETTLE / RELEASE
// =============================================================================

func TestEscrow_Settle_TransfersToTeacher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 20)
	hold, err := f.escrow.Hold(ctx, student, credit.Credits(6), "session-b", "")
	require.NoError(t, err)

	s, err := f.escrow.Settle(ctx, hold.ID, teacher)
	require.NoError(t, err)

	assert.False(t, s.AlreadyResolved)
	assert.Equal(t, credit.StatusCompleted, s.Hold.Status)
	assert.Equal(t, credit.EntryEarned, s.Counter.Type)
	assert.Equal(t, hold.ID, s.Counter.RelatedEntryID)
	assert.Equal(t, student, s.Counter.CounterpartyUserID)

	sb, tb := f.balance(t, student), f.balance(t, teacher)
	assertCredits(t, 14, sb.Available, "student available")
	assertCredits(t, 0, sb.Held, "student held")
	assertCredits(t, 6, sb.SpentLifetime, "student spent lifetime")
	assertCredits(t, 6, tb.Available, "teacher available")
	assertCredits(t, 6, tb.EarnedLifetime, "teacher earned lifetime")
}

func TestEscrow_Settle_Twice_SingleEarnedEntry(t *testing.T) {
	// GIVEN: A settled hold
	// WHEN: Settling it again
	// THEN: No-op returning the same Earned entry; teacher credited once

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 10)
	hold, err := f.escrow.Hold(ctx, student, credit.Credits(5), "s", "")
	require.NoError(t, err)

	first, err := f.escrow.Settle(ctx, hold.ID, teacher)
	require.NoError(t, err)
	second, err := f.escrow.Settle(ctx, hold.ID, teacher)
	require.NoError(t, err)

	assert.True(t, second.AlreadyResolved)
	assert.Equal(t, first.Counter.ID, second.Counter.ID)

	entries, _ := f.store.Entries(ctx, teacher)
	assert.Len(t, entries, 1, "exactly one Earned entry")
	assertCredits(t, 5, f.balance(t, teacher).Available, "teacher credited once")
}

func TestEscrow_Settle_Again_ToOtherTeacher_IsInvalidState(t *testing.T) {
	// GIVEN: A hold settled to the teacher
	// WHEN: Settling it again to someone else
	// THEN: InvalidState; nobody else is paid

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 10)
	hold, err := f.escrow.Hold(ctx, student, credit.Credits(5), "s", "")
	require.NoError(t, err)
	_, err = f.escrow.Settle(ctx, hold.ID, teacher)
	require.NoError(t, err)

	_, err = f.escrow.Settle(ctx, hold.ID, "impostor")

	var resolved *credit.HoldResolvedError
	require.ErrorAs(t, err, &resolved)
	assert.ErrorIs(t, err, credit.ErrInvalidState)
	assertCredits(t, 0, f.balance(t, "impostor").Available, "impostor not paid")
	assertCredits(t, 5, f.balance(t, teacher).Available, "teacher paid once")
}

func TestEscrow_Release_RefundsStudent(t *testing.T) {
	// GIVEN: Scenario C, 20 credits and a 6-credit hold
	// WHEN: Releasing
	// THEN: available back to 20, held 0, one Refund referencing the hold

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 20)
	hold, err := f.escrow.Hold(ctx, student, credit.Credits(6), "session-c", "")
	require.NoError(t, err)

	s, err := f.escrow.Release(ctx, hold.ID)
	require.NoError(t, err)

	assert.Equal(t, credit.StatusCancelled, s.Hold.Status)
	assert.Equal(t, credit.EntryRefund, s.Counter.Type)
	assert.Equal(t, hold.ID, s.Counter.RelatedEntryID)

	b := f.balance(t, student)
	assertCredits(t, 20, b.Available, "available restored")
	assertCredits(t, 0, b.Held, "held cleared")
}

func TestEscrow_Release_Twice_SingleRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 10)
	hold, err := f.escrow.Hold(ctx, student, credit.Credits(5), "s", "")
	require.NoError(t, err)

	_, err = f.escrow.Release(ctx, hold.ID)
	require.NoError(t, err)
	again, err := f.escrow.Release(ctx, hold.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyResolved)

	related, err := f.store.Related(ctx, hold.ID)
	require.NoError(t, err)
	assert.Len(t, related, 1, "exactly one Refund entry")
	assertCredits(t, 10, f.balance(t, student).Available, "refunded once")
}

func TestEscrow_CrossOutcome_IsInvalidState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 10)

	released, err := f.escrow.Hold(ctx, student, credit.Credits(3), "s1", "")
	require.NoError(t, err)
	_, err = f.escrow.Release(ctx, released.ID)
	require.NoError(t, err)

	_, err = f.escrow.Settle(ctx, released.ID, teacher)
	var hr *credit.HoldResolvedError
	require.ErrorAs(t, err, &hr)
	assert.Equal(t, credit.StatusCancelled, hr.Status)
	assert.ErrorIs(t, err, credit.ErrInvalidState)

	settled, err := f.escrow.Hold(ctx, student, credit.Credits(3), "s2", "")
	require.NoError(t, err)
	_, err = f.escrow.Settle(ctx, settled.ID, teacher)
	require.NoError(t, err)

	_, err = f.escrow.Release(ctx, settled.ID)
	assert.ErrorIs(t, err, credit.ErrInvalidState)
}

func TestEscrow_Void_RestoresAvailableWithoutRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 10)
	hold, err := f.escrow.Hold(ctx, student, credit.Credits(4), "s", "")
	require.NoError(t, err)

	s, err := f.escrow.Void(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.StatusFailed, s.Hold.Status)

	b := f.balance(t, student)
	assertCredits(t, 10, b.Available, "failed hold never took effect")
	assertCredits(t, 0, b.Held, "nothing held")

	related, _ := f.store.Related(ctx, hold.ID)
	assert.Empty(t, related)

	again, err := f.escrow.Void(ctx, hold.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyResolved)
}

func TestEscrow_Settle_UnknownHold(t *testing.T) {
	f := newFixture(t)
	_, err := f.escrow.Settle(context.Background(), "missing", teacher)
	assert.ErrorIs(t, err, credit.ErrNotFound)
}

func TestEscrow_Settle_WithAuditWritesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 10)
	hold, err := f.escrow.Hold(ctx, student, credit.Credits(4), "s-disputed", "")
	require.NoError(t, err)

	_, err = f.escrow.Settle(ctx, hold.ID, teacher, credit.WithAudit(credit.AuditRecord{
		ActorID: admin,
		Action:  credit.AuditResolve,
		UserID:  student,
		Reason:  "teacher showed up",
	}))
	require.NoError(t, err)

	audits, err := f.store.Audits(ctx, credit.AuditFilter{Actions: []credit.AuditAction{credit.AuditResolve}})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, hold.ID, audits[0].EntryID)
	assert.Equal(t, credit.SessionID("s-disputed"), audits[0].SessionID)
	assertCredits(t, 4, audits[0].Amount, "audited amount")
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestEscrow_ConcurrentHolds_OnlyAffordableOneSucceeds(t *testing.T) {
	// GIVEN: Student has exactly 6 credits
	// WHEN: Two 6-credit holds race
	// THEN: One succeeds, the other fails InsufficientCredits

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 6)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.escrow.Hold(ctx, student, credit.Credits(6), credit.SessionID([]string{"a", "b"}[i]), "")
		}(i)
	}
	wg.Wait()

	ok, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, credit.ErrInsufficientCredits):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)

	b := f.balance(t, student)
	assertCredits(t, 0, b.Available, "available")
	assertCredits(t, 6, b.Held, "held")
}

func TestEscrow_ConcurrentSettleAndRelease_ExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 10)
	hold, err := f.escrow.Hold(ctx, student, credit.Credits(10), "s", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var settleErr, releaseErr error
	wg.Add(2)
	go func() { defer wg.Done(); _, settleErr = f.escrow.Settle(ctx, hold.ID, teacher) }()
	go func() { defer wg.Done(); _, releaseErr = f.escrow.Release(ctx, hold.ID) }()
	wg.Wait()

	assert.True(t, (settleErr == nil) != (releaseErr == nil), "exactly one resolution wins")

	sb, tb := f.balance(t, student), f.balance(t, teacher)
	assertCredits(t, 10, sb.Available.Add(tb.Available), "credits conserved")
	assertCredits(t, 0, sb.Held, "nothing left held")
}

// =============================================================================
// CONSERVATION
// =============================================================================

func TestEscrow_Conservation_AcrossMixedOperations(t *testing.T) {
	// GIVEN: A sequence of holds, settles and releases between two users
	// WHEN: Summing completed amounts that moved between them
	// THEN: What the student lost, the teacher gained

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 50)

	for i, n := range []int64{5, 7, 3, 11, 2} {
		hold, err := f.escrow.Hold(ctx, student, credit.Credits(n), credit.SessionID(string(rune('a'+i))), "")
		require.NoError(t, err)
		if i%2 == 0 {
			_, err = f.escrow.Settle(ctx, hold.ID, teacher)
		} else {
			_, err = f.escrow.Release(ctx, hold.ID)
		}
		require.NoError(t, err)
	}

	sb, tb := f.balance(t, student), f.balance(t, teacher)
	settled := int64(5 + 3 + 2)
	assertCredits(t, 50-settled, sb.Available, "student")
	assertCredits(t, settled, tb.Available, "teacher")
	assertCredits(t, 50, sb.Total().Add(tb.Total()), "nothing created or destroyed")
	assert.False(t, sb.Available.IsNegative())
}
