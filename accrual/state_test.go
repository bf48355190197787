package accrual_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/membership-engine/accrual"
	"github.com/warp/membership-engine/ledger"
)

func TestNewState_SynthesizesInitialRow(t *testing.T) {
	// GIVEN: a member without an open tier row
	m := ledger.Member{ID: "m1", TierID: "gold", MinTierID: "normal", PersonalSpending: 40, Version: 3}

	// WHEN: the state is built
	st := accrual.NewState(m, nil)

	// THEN: an INITIAL row is queued and the state is dirty
	assert.True(t, st.Touched())
	c := st.Change()
	require.Len(t, c.TierHistoryCreates, 1)
	assert.Equal(t, ledger.TierInitial, c.TierHistoryCreates[0].Type)
	assert.Equal(t, ledger.TierID("gold"), c.TierHistoryCreates[0].CurrTierID)
	assert.Equal(t, int64(40), c.TierHistoryCreates[0].PersonalSpending)
	assert.True(t, c.TierHistoryCreates[0].IsActive)
	assert.Equal(t, int64(3), c.Member.Version)
}

func TestNewState_WithOpenRowIsClean(t *testing.T) {
	open := &ledger.TierHistory{ID: "th-1", MemberID: "m1", CurrTierID: "normal", IsActive: true}
	st := accrual.NewState(ledger.Member{ID: "m1", TierID: "normal"}, open)

	assert.False(t, st.Touched())
	assert.Equal(t, ledger.HistoryID("th-1"), st.OpenTierHistory().ID)
}

func TestAddTierHistory_ExtendsOpenRow(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	open := &ledger.TierHistory{ID: "th-1", MemberID: "m1", CurrTierID: "normal", IsActive: true, CreatedAt: created}
	st := accrual.NewState(ledger.Member{ID: "m1", TierID: "normal"}, open)

	row := st.OpenTierHistory()
	row.PersonalSpending = 250
	st.AddTierHistory(row)

	c := st.Change()
	assert.Empty(t, c.TierHistoryCreates)
	require.Len(t, c.TierHistoryUpdates, 1)
	assert.Equal(t, int64(250), c.TierHistoryUpdates[0].PersonalSpending)
	assert.True(t, c.TierHistoryUpdates[0].IsActive)
	assert.Equal(t, created, c.TierHistoryUpdates[0].CreatedAt)
}

func TestAddTierHistory_NewRowClosesOpenRow(t *testing.T) {
	// GIVEN: a persisted open row
	open := &ledger.TierHistory{ID: "th-1", MemberID: "m1", CurrTierID: "normal", IsActive: true}
	st := accrual.NewState(ledger.Member{ID: "m1", TierID: "normal"}, open)

	// WHEN: two rows are added in one pass
	st.AddTierHistory(ledger.TierHistory{CurrTierID: "gold", Type: ledger.TierUpgrade})
	st.AddTierHistory(ledger.TierHistory{CurrTierID: "diamond", Type: ledger.TierUpgrade})

	// THEN: the persisted row closes and only the last created row stays open
	c := st.Change()
	require.Len(t, c.TierHistoryUpdates, 1)
	assert.False(t, c.TierHistoryUpdates[0].IsActive)
	require.Len(t, c.TierHistoryCreates, 2)
	assert.False(t, c.TierHistoryCreates[0].IsActive)
	assert.True(t, c.TierHistoryCreates[1].IsActive)
	assert.Equal(t, ledger.TierID("diamond"), st.OpenTierHistory().CurrTierID)
}

func TestAddPointHistory_RunningBalance(t *testing.T) {
	st := accrual.NewState(ledger.Member{ID: "m1", TierID: "normal", PointBalance: 5}, &ledger.TierHistory{ID: "th-1"})

	st.AddPointHistory(ledger.PointHistory{Point: 10})
	st.AddPointHistory(ledger.PointHistory{Point: 7, IsPending: true})
	st.AddPointHistory(ledger.PointHistory{Point: -3})

	rows := st.PointHistories()
	require.Len(t, rows, 3)
	assert.Equal(t, int64(15), rows[0].PointBalance)
	assert.Equal(t, int64(15), rows[1].PointBalance)
	assert.Equal(t, int64(12), rows[2].PointBalance)
	assert.Equal(t, ledger.TierID("normal"), rows[0].TierID)
	assert.NotEmpty(t, rows[0].ID)
	assert.Equal(t, int64(12), st.Member().PointBalance)
}

func TestSetters(t *testing.T) {
	st := accrual.NewState(ledger.Member{ID: "m1", TierID: "normal"}, &ledger.TierHistory{ID: "th-1"})

	st.SetSpending(100, 300)
	assert.Equal(t, int64(300), st.Member().MaximumSpending)

	st.SetSpending(-5, -10)
	assert.Equal(t, int64(0), st.Member().MaximumSpending)

	expiry := time.Date(2025, 3, 10, 23, 59, 59, 0, time.UTC)
	st.SetTier("gold", &expiry)
	assert.Equal(t, ledger.TierID("gold"), st.Member().TierID)
	assert.Equal(t, &expiry, st.Member().TierExpiryDate)

	st.SetFirstPurchased().SetBirthPurchased(&expiry).SetDiamondAchieved(true)
	m := st.Member()
	assert.True(t, m.HasFirstPurchased)
	assert.True(t, m.HasBirthPurchased)
	assert.Equal(t, expiry, *m.BirthPurchasedAt)
	assert.True(t, m.HasDiamondAchieved)

	st.SetBirthPurchased(nil)
	assert.False(t, st.Member().HasBirthPurchased)
}

func TestAddRefereeData(t *testing.T) {
	ref := accrual.NewState(ledger.Member{ID: "r"}, &ledger.TierHistory{ID: "a"})
	child := accrual.NewState(ledger.Member{ID: "c"}, &ledger.TierHistory{ID: "b"})

	ref.AddRefereeData(child)
	ref.AddRefereeData(child)

	assert.True(t, child.HasReferrer())
	assert.Same(t, ref, child.GetReferrerData())
	assert.Len(t, ref.Referees(), 1)
}

func TestGroup_ClustersByIssuedAndCreatedDay(t *testing.T) {
	d1 := ledger.Date(2024, time.March, 10)
	d2 := d1.AddDate(0, 0, 1)
	invoices := []ledger.Invoice{
		{ID: "c", MemberID: "m1", IssuedAt: d1.Add(9 * time.Hour), CreatedAt: d2},
		{ID: "b", MemberID: "m1", IssuedAt: d1.Add(12 * time.Hour), CreatedAt: d1.Add(12 * time.Hour)},
		{ID: "a", MemberID: "m2", IssuedAt: d1.Add(8 * time.Hour), CreatedAt: d1.Add(8 * time.Hour)},
		{ID: "d", MemberID: "m1", IssuedAt: d2, CreatedAt: d2},
	}

	clusters := accrual.Group(invoices)
	require.Len(t, clusters, 3)

	// Same issue day, different creation days stay apart
	assert.Equal(t, accrual.ClusterKey{IssuedDay: "20240310", CreatedDay: "20240310"}, clusters[0].Key)
	assert.Equal(t, []ledger.InvoiceID{"a", "b"}, invoiceIDs(clusters[0].Invoices))
	assert.Equal(t, accrual.ClusterKey{IssuedDay: "20240310", CreatedDay: "20240311"}, clusters[1].Key)
	assert.Equal(t, accrual.ClusterKey{IssuedDay: "20240311", CreatedDay: "20240311"}, clusters[2].Key)

	used := map[ledger.InvoiceID]bool{"a": true}
	assert.Equal(t, []ledger.InvoiceID{"b"}, invoiceIDs(clusters[0].MemberInvoices("m1", used)))
	assert.Empty(t, clusters[0].MemberInvoices("m2", used))
}

func TestAggregate(t *testing.T) {
	agg := accrual.Aggregate([]ledger.Invoice{
		{ID: "a", TotalAmount: 120, UsageAmount: 100},
		{ID: "b", TotalAmount: 80, UsageAmount: 80},
	})
	assert.Equal(t, int64(200), agg.TotalAmount)
	assert.Equal(t, int64(180), agg.UsageAmount)
	assert.Equal(t, []ledger.InvoiceID{"a", "b"}, agg.InvoiceIDs)
}

func invoiceIDs(invs []ledger.Invoice) []ledger.InvoiceID {
	ids := make([]ledger.InvoiceID, len(invs))
	for i, inv := range invs {
		ids[i] = inv.ID
	}
	return ids
}
