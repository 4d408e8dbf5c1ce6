package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/skill-exchange/credit"
)

func newCatalog() *Catalog {
	c := New(NewMemoryStore())
	c.now = func() time.Time { return time.Date(2026, 1, 5, 9, 0, 0, 0, time.FixedZone("CET", 3600)) }
	return c
}

func TestCatalog_PutAndHourlyRate(t *testing.T) {
	ctx := context.Background()
	c := newCatalog()

	// GIVEN: Bob offers guitar at 4 credits an hour
	o, err := c.Put(ctx, Offering{TeacherID: "bob", SkillRef: "guitar", CreditsPerHour: decimal.NewFromInt(4), Active: true})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, o.UpdatedAt.Location())

	// WHEN: Reading the rate
	rate, err := c.HourlyRate(ctx, "bob", "guitar")

	// THEN: The stored rate comes back
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(4)))
}

func TestCatalog_HourlyRate_InactiveOrMissing(t *testing.T) {
	ctx := context.Background()
	c := newCatalog()
	_, err := c.Put(ctx, Offering{TeacherID: "bob", SkillRef: "piano", CreditsPerHour: decimal.NewFromInt(3)})
	require.NoError(t, err)

	_, err = c.HourlyRate(ctx, "bob", "piano")
	assert.ErrorIs(t, err, credit.ErrNotFound, "inactive offerings cannot be booked")

	_, err = c.HourlyRate(ctx, "bob", "drums")
	assert.ErrorIs(t, err, credit.ErrNotFound)
}

func TestCatalog_PutValidates(t *testing.T) {
	c := newCatalog()
	tests := []struct {
		name string
		o    Offering
	}{
		{"missing teacher", Offering{SkillRef: "guitar", CreditsPerHour: decimal.NewFromInt(1)}},
		{"missing skill", Offering{TeacherID: "bob", CreditsPerHour: decimal.NewFromInt(1)}},
		{"zero rate", Offering{TeacherID: "bob", SkillRef: "guitar"}},
		{"negative rate", Offering{TeacherID: "bob", SkillRef: "guitar", CreditsPerHour: decimal.NewFromInt(-2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Put(context.Background(), tt.o)
			assert.ErrorIs(t, err, credit.ErrInvalidRequest)
		})
	}
}

func TestCatalog_ListSortedAndFiltered(t *testing.T) {
	ctx := context.Background()
	c := newCatalog()
	for _, o := range []Offering{
		{TeacherID: "carol", SkillRef: "spanish", CreditsPerHour: decimal.NewFromInt(2), Active: true},
		{TeacherID: "bob", SkillRef: "piano", CreditsPerHour: decimal.NewFromInt(3), Active: true},
		{TeacherID: "bob", SkillRef: "guitar", CreditsPerHour: decimal.NewFromInt(4), Active: true},
	} {
		_, err := c.Put(ctx, o)
		require.NoError(t, err)
	}

	all, err := c.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "guitar", all[0].SkillRef)
	assert.Equal(t, "piano", all[1].SkillRef)
	assert.Equal(t, credit.UserID("carol"), all[2].TeacherID)

	bobs, err := c.List(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, bobs, 2)

	// Re-putting replaces the row
	_, err = c.Put(ctx, Offering{TeacherID: "bob", SkillRef: "guitar", CreditsPerHour: decimal.NewFromInt(5), Active: true})
	require.NoError(t, err)
	got, err := c.Get(ctx, "bob", "guitar")
	require.NoError(t, err)
	assert.True(t, got.CreditsPerHour.Equal(decimal.NewFromInt(5)))
}
