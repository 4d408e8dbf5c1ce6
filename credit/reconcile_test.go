package credit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/skill-exchange/credit"
	"github.com/warp/skill-exchange/credit/store"
	"github.com/warp/skill-exchange/notify"
)

func TestReconciler_Adjust_RequiresAdmin(t *testing.T) {
	f := newFixture(t)

	_, err := f.reconciler.Adjust(context.Background(), student, credit.Credits(5), "goodwill", student)

	assert.ErrorIs(t, err, credit.ErrNotAuthorized)
	assertCredits(t, 0, f.balance(t, student).Available, "nothing written")
}

func TestReconciler_Adjust_RequiresReason(t *testing.T) {
	f := newFixture(t)

	_, err := f.reconciler.Adjust(context.Background(), student, credit.Credits(5), "", admin)

	assert.ErrorIs(t, err, credit.ErrInvalidRequest)
}

func TestReconciler_Adjust_WritesEntryAuditAndEvent(t *testing.T) {
	// GIVEN: An admin and an event recorder
	// WHEN: Adjusting a user by +5
	// THEN: A Completed Adjustment, an audit record and a CreditsAdjusted event

	s := store.NewTxMemory()
	l := credit.NewLedger(s)
	rec := &notify.Recorder{}
	r := credit.NewReconciler(l, credit.NewStaticAdmins(string(admin)), rec, nil)
	ctx := context.Background()

	e, err := r.Adjust(ctx, student, credit.Credits(5), "referral", admin)
	require.NoError(t, err)

	assert.Equal(t, credit.EntryAdjustment, e.Type)
	assert.Equal(t, credit.StatusCompleted, e.Status)
	assert.Equal(t, admin, e.ActorID)

	audits, err := r.Audits(ctx, credit.AuditFilter{UserID: student}, admin)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, credit.AuditAdjust, audits[0].Action)
	assert.Equal(t, "referral", audits[0].Reason)
	assert.Equal(t, e.ID, audits[0].EntryID)

	assert.Equal(t, []notify.Kind{notify.CreditsAdjusted}, rec.Kinds())
}

func TestReconciler_NegativeAdjust_CannotOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 4)

	_, err := f.reconciler.Adjust(ctx, student, credit.Credits(-5), "clawback", admin)
	assert.ErrorIs(t, err, credit.ErrInsufficientCredits)

	_, err = f.reconciler.Adjust(ctx, student, credit.Credits(-4), "clawback", admin)
	require.NoError(t, err)
	assertCredits(t, 0, f.balance(t, student).Available, "drained to exactly zero")

	audits, _ := f.store.Audits(ctx, credit.AuditFilter{Actions: []credit.AuditAction{credit.AuditAdjust}})
	assert.Len(t, audits, 1, "failed adjustment leaves no audit record")
}

func TestReconciler_Transfer_WritesPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 10)

	pair, err := f.reconciler.Transfer(ctx, student, teacher, credit.Credits(4), "dispute split", admin)
	require.NoError(t, err)

	assert.Equal(t, pair[1].ID, pair[0].RelatedEntryID)
	assert.Equal(t, pair[0].ID, pair[1].RelatedEntryID)
	assert.True(t, pair[0].Amount.Add(pair[1].Amount).IsZero(), "pair nets to zero")

	assertCredits(t, 6, f.balance(t, student).Available, "student")
	assertCredits(t, 4, f.balance(t, teacher).Available, "teacher")

	rep, err := f.reconciler.Report(ctx, teacher, admin)
	require.NoError(t, err)
	assert.True(t, rep.OK(), "problems: %v", rep.Problems)
}

func TestReconciler_Transfer_InsufficientLeavesNoHalf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 2)

	_, err := f.reconciler.Transfer(ctx, student, teacher, credit.Credits(4), "move", admin)
	assert.ErrorIs(t, err, credit.ErrInsufficientCredits)

	entries, _ := f.store.Entries(ctx, teacher)
	assert.Empty(t, entries, "no credit side without the debit side")
}

func TestReconciler_Reverse(t *testing.T) {
	// GIVEN: A bonus of 7
	// WHEN: Reversing it, then reversing it again
	// THEN: First succeeds with a -7 adjustment referencing it; second is InvalidState

	f := newFixture(t)
	ctx := context.Background()
	bonus, err := f.reconciler.Bonus(ctx, student, credit.Credits(7), "promo", admin)
	require.NoError(t, err)

	rev, err := f.reconciler.Reverse(ctx, bonus.ID, "granted by mistake", admin)
	require.NoError(t, err)
	assert.Equal(t, bonus.ID, rev.RelatedEntryID)
	assertCredits(t, -7, rev.Amount, "reversal amount")
	assertCredits(t, 0, f.balance(t, student).Available, "net zero")

	_, err = f.reconciler.Reverse(ctx, bonus.ID, "again", admin)
	assert.ErrorIs(t, err, credit.ErrInvalidState)
}

func TestReconciler_Reverse_RejectsHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 5)
	hold, err := f.escrow.Hold(ctx, student, credit.Credits(5), "s", "")
	require.NoError(t, err)

	_, err = f.reconciler.Reverse(ctx, hold.ID, "nope", admin)
	assert.ErrorIs(t, err, credit.ErrInvalidRequest)
}

func TestReconciler_Report_CleanLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 20)

	settled, err := f.escrow.Hold(ctx, student, credit.Credits(6), "s1", "")
	require.NoError(t, err)
	_, err = f.escrow.Settle(ctx, settled.ID, teacher)
	require.NoError(t, err)

	released, err := f.escrow.Hold(ctx, student, credit.Credits(3), "s2", "")
	require.NoError(t, err)
	_, err = f.escrow.Release(ctx, released.ID)
	require.NoError(t, err)

	_, err = f.escrow.Hold(ctx, student, credit.Credits(2), "s3", "")
	require.NoError(t, err)

	rep, err := f.reconciler.Report(ctx, student, admin)
	require.NoError(t, err)

	assert.True(t, rep.OK(), "problems: %v", rep.Problems)
	assert.Equal(t, credit.HoldCounts{Pending: 1, Settled: 1, Released: 1}, rep.Holds)
	assertCredits(t, 12, rep.Balance.Available, "20 - 6 - 2")
	assertCredits(t, 2, rep.Balance.Held, "open hold")
}

func TestReconciler_Report_FlagsSettledHoldWithoutEarned(t *testing.T) {
	// GIVEN: A hold marked Completed directly on the ledger, skipping the escrow
	// WHEN: Running the report
	// THEN: The missing Earned entry is flagged

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, student, 5)
	hold, err := f.escrow.Hold(ctx, student, credit.Credits(5), "s", "")
	require.NoError(t, err)
	_, err = f.ledger.MarkStatus(ctx, hold.ID, credit.StatusCompleted)
	require.NoError(t, err)

	rep, err := credit.Check(ctx, f.store, student)
	require.NoError(t, err)

	assert.False(t, rep.OK())
	require.Len(t, rep.Problems, 1)
	assert.Contains(t, rep.Problems[0], "settled hold")
}

func TestCalculate_FailedEntriesDoNotCount(t *testing.T) {
	b := credit.Calculate(student, []credit.Entry{
		{Type: credit.EntryBonus, Amount: credit.Credits(10), Status: credit.StatusCompleted},
		{Type: credit.EntrySpent, Amount: credit.Credits(-4), Status: credit.StatusFailed},
		{Type: credit.EntrySpent, Amount: credit.Credits(-3), Status: credit.StatusPending},
		{Type: credit.EntrySpent, Amount: credit.Credits(-2), Status: credit.StatusCancelled},
		{Type: credit.EntryRefund, Amount: credit.Credits(2), Status: credit.StatusCompleted},
	})

	assertCredits(t, 7, b.Available, "10 - 3 (pending hold)")
	assertCredits(t, 3, b.Held, "pending hold")
	assertCredits(t, 10, b.Total(), "total")
	assertCredits(t, 0, b.SpentLifetime, "no settled spend")
}
