package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/membership-engine/ledger"
)

var day = ledger.Date(2024, time.March, 10)

func TestCommit_ChecksEveryVersionBeforeWriting(t *testing.T) {
	// GIVEN: two members, one of them read at a stale version
	ctx := context.Background()
	s := NewMemory()
	s.PutMember(ledger.Member{ID: "a", Status: ledger.MemberActive, Version: 1})
	s.PutMember(ledger.Member{ID: "b", Status: ledger.MemberActive, Version: 3})

	// WHEN: both are committed together
	err := s.Commit(ctx,
		ledger.MemberChange{
			Member:              ledger.Member{ID: "a", Status: ledger.MemberActive, PointBalance: 9, Version: 1},
			PointHistoryCreates: []ledger.PointHistory{{ID: "p1", MemberID: "a", Point: 9}},
		},
		ledger.MemberChange{Member: ledger.Member{ID: "b", Version: 2}},
	)

	// THEN: nothing is written
	var conflict *ledger.ConcurrentModificationError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ledger.MemberID("b"), conflict.MemberID)

	a, err := s.GetMember(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.PointBalance)
	assert.Equal(t, int64(1), a.Version)
	rows, err := s.ListPointHistory(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCommit_NewMemberAndMissingMember(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	s.Now = func() time.Time { return day }

	require.NoError(t, s.Commit(ctx, ledger.MemberChange{Member: ledger.Member{ID: "n"}, IsNew: true}))
	n, err := s.GetMember(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.Version)
	assert.Equal(t, day, n.CreatedAt)

	err = s.Commit(ctx, ledger.MemberChange{Member: ledger.Member{ID: "n"}, IsNew: true})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	err = s.Commit(ctx, ledger.MemberChange{Member: ledger.Member{ID: "ghost"}})
	assert.ErrorIs(t, err, ledger.ErrMemberNotFound)
}

func TestPointGroups_OrderAndFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	june := ledger.EndOfDay(ledger.Date(2024, time.June, 30))
	dec := ledger.EndOfYear(2024)
	expired := ledger.EndOfDay(ledger.Date(2024, time.March, 1))

	for _, p := range []ledger.PointHistory{
		{ID: "1", Point: 5, CreatedAt: day},
		{ID: "2", Point: 100, ExpiryDate: &dec, CreatedAt: day},
		{ID: "3", Point: 40, ExpiryDate: &june, CreatedAt: day},
		{ID: "4", Point: 10, ExpiryDate: &expired, CreatedAt: day},
		{ID: "5", Point: 70, ExpiryDate: &june, IsPending: true, CreatedAt: day},
		{ID: "6", Point: -40, ExpiryDate: &june, CreatedAt: day},
	} {
		p.MemberID = "m1"
		s.PutPointHistory(p)
	}

	groups, err := s.PointGroups(ctx, "m1", day, 10)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, dec, *groups[0].Date)
	assert.Nil(t, groups[1].Date)

	groups, err = s.PointGroups(ctx, "m1", day, 1)
	require.NoError(t, err)
	assert.Len(t, groups, 1)

	balance, err := s.PointBalance(ctx, "m1", day)
	require.NoError(t, err)
	assert.Equal(t, int64(105), balance)
}

func TestEligibleInvoices_Ordering(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	s.PutMember(ledger.Member{ID: "m1", Status: ledger.MemberActive, HasFirstPurchased: true})

	for _, inv := range []ledger.Invoice{
		{ID: "b", IssuedAt: day.Add(2 * time.Hour)},
		{ID: "c", IssuedAt: day.Add(time.Hour), CreatedAt: day.Add(3 * time.Hour)},
		{ID: "a", IssuedAt: day.Add(time.Hour)},
	} {
		inv.MemberID = "m1"
		inv.Status = ledger.PaymentPaid
		inv.Source = ledger.SourcePOS
		if inv.CreatedAt.IsZero() {
			inv.CreatedAt = inv.IssuedAt
		}
		require.NoError(t, s.SaveInvoice(ctx, inv))
	}

	got, err := s.EligibleInvoices(ctx, ledger.InvoiceQuery{Cutoff: ledger.EndOfDay(day)})
	require.NoError(t, err)
	ids := make([]ledger.InvoiceID, len(got))
	for i, inv := range got {
		ids[i] = inv.ID
	}
	assert.Equal(t, []ledger.InvoiceID{"a", "c", "b"}, ids)
}

func TestNextSequence(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for want := int64(1); want <= 2; want++ {
		got, err := s.NextSequence(ctx, ledger.SlipOrder, "20240310")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := s.NextSequence(ctx, ledger.SlipOrder, "20240311")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}
