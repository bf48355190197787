package rewards_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/membership-engine/ledger"
	"github.com/warp/membership-engine/ledger/store"
	"github.com/warp/membership-engine/rewards"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	march10 = ledger.Date(2024, time.March, 10)
	june30  = ledger.EndOfDay(ledger.Date(2024, time.June, 30))
	dec31   = ledger.EndOfYear(2024)
)

func setup(t *testing.T, balance int64) (*store.Memory, *rewards.Manager) {
	t.Helper()
	s := store.NewMemory()
	s.PutMember(ledger.Member{
		ID:           "m1",
		Status:       ledger.MemberActive,
		TierID:       "normal",
		PointBalance: balance,
		Version:      1,
	})
	m := rewards.NewManager(s, rewards.DefaultPolicy())
	m.Now = func() time.Time { return march10.Add(12 * time.Hour) }
	return s, m
}

func earn(s *store.Memory, id string, points int64, expiry *time.Time) {
	s.PutPointHistory(ledger.PointHistory{
		ID:         ledger.HistoryID(id),
		MemberID:   "m1",
		Type:       ledger.PointReward,
		Point:      points,
		ExpiryDate: expiry,
		CreatedAt:  march10.AddDate(0, -1, 0),
	})
}

func balanceOf(t *testing.T, s ledger.Store) int64 {
	t.Helper()
	m, err := s.GetMember(context.Background(), "m1")
	require.NoError(t, err)
	return m.PointBalance
}

// =============================================================================
// POLICY
// =============================================================================

func TestExpirationDate(t *testing.T) {
	issued := march10.Add(15 * time.Hour)

	got := rewards.ExpirationDate(issued, 1)
	require.NotNil(t, got)
	assert.Equal(t, ledger.EndOfDay(ledger.Date(2025, time.March, 10)), *got)

	assert.Nil(t, rewards.ExpirationDate(issued, 0))
	assert.Nil(t, rewards.Policy{}.ReleaseDate(issued))
}

// =============================================================================
// QUERIES
// =============================================================================

func TestGetPointBalance_Exclusions(t *testing.T) {
	// GIVEN: one spendable row and one row per exclusion rule
	s, m := setup(t, 0)
	asOf := march10.Add(12 * time.Hour)
	earn(s, "ok", 100, &dec31)
	s.PutPointHistory(ledger.PointHistory{ID: "pending", MemberID: "m1", Point: 30, IsPending: true, CreatedAt: march10})
	s.PutPointHistory(ledger.PointHistory{ID: "deleted", MemberID: "m1", Point: 20, IsDeleted: true, CreatedAt: march10})
	s.PutPointHistory(ledger.PointHistory{ID: "expired", MemberID: "m1", Point: 40,
		ExpiryDate: ledger.TimePtr(ledger.EndOfDay(march10.AddDate(0, 0, -1))), CreatedAt: march10.AddDate(-1, 0, 0)})
	s.PutPointHistory(ledger.PointHistory{ID: "future", MemberID: "m1", Point: 10, CreatedAt: march10.AddDate(0, 0, 1)})
	s.PutPointHistory(ledger.PointHistory{ID: "forever", MemberID: "m1", Point: 5, CreatedAt: march10})

	// WHEN
	balance, err := m.GetPointBalance(context.Background(), "m1", asOf)

	// THEN: only the spendable and never-expiring rows count
	require.NoError(t, err)
	assert.Equal(t, int64(105), balance)
}

func TestGetPointRecent_SoonestFirst(t *testing.T) {
	s, m := setup(t, 0)
	earn(s, "late", 50, &dec31)
	earn(s, "never", 7, nil)
	earn(s, "soon", 100, &june30)
	earn(s, "soon-2", 25, &june30)

	groups, err := m.GetPointRecent(context.Background(), "m1", march10, 10)
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, june30, *groups[0].Date)
	assert.Equal(t, int64(125), groups[0].Point)
	assert.Equal(t, int64(50), groups[1].Point)
	assert.Nil(t, groups[2].Date)

	groups, err = m.GetPointRecent(context.Background(), "m1", march10, 1)
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func TestGetPointRecents_FIFOTrimsLastGroup(t *testing.T) {
	// GIVEN: groups [100, 50] by expiry
	s, m := setup(t, 150)
	earn(s, "a", 100, &june30)
	earn(s, "b", 50, &dec31)

	// WHEN: 120 points are required
	groups, err := m.GetPointRecents(context.Background(), "m1", 120, march10)

	// THEN: the first group is taken whole and the second trimmed
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, int64(100), groups[0].Point)
	assert.Equal(t, int64(20), groups[1].Point)
	assert.Equal(t, dec31, *groups[1].Date)
}

func TestGetPointRecents_WidensPastFirstPage(t *testing.T) {
	// Five groups of 10 need three rounds of two.
	s, m := setup(t, 50)
	for i := 0; i < 5; i++ {
		expiry := june30.AddDate(0, 0, i)
		earn(s, string(rune('a'+i)), 10, &expiry)
	}

	groups, err := m.GetPointRecents(context.Background(), "m1", 45, march10)
	require.NoError(t, err)
	require.Len(t, groups, 5)
	assert.Equal(t, int64(5), groups[4].Point)
}

func TestGetPointRecents_ShortReturnsEverything(t *testing.T) {
	s, m := setup(t, 30)
	earn(s, "a", 30, &june30)

	groups, err := m.GetPointRecents(context.Background(), "m1", 100, march10)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, int64(30), groups[0].Point)
}

// =============================================================================
// SPEND & ADJUST
// =============================================================================

func TestSpend_OneRowPerExpiryGroup(t *testing.T) {
	// GIVEN: 150 points in two expiry groups
	ctx := context.Background()
	s, m := setup(t, 150)
	earn(s, "a", 100, &june30)
	earn(s, "b", 50, &dec31)

	// WHEN: 120 points are spent
	rows, err := m.Spend(ctx, rewards.SpendRequest{MemberID: "m1", Points: 120, InvoiceID: "inv-1"})
	require.NoError(t, err)

	// THEN: each deduction carries its group's expiry
	require.Len(t, rows, 2)
	assert.Equal(t, ledger.PointPurchase, rows[0].Type)
	assert.Equal(t, int64(-100), rows[0].Point)
	assert.Equal(t, june30, *rows[0].ExpiryDate)
	assert.Equal(t, int64(-20), rows[1].Point)
	assert.Equal(t, dec31, *rows[1].ExpiryDate)
	assert.Equal(t, int64(30), rows[1].PointBalance)
	assert.Equal(t, ledger.InvoiceID("inv-1"), rows[0].InvoiceID)

	// AND: the stored balance and the ledger agree
	assert.Equal(t, int64(30), balanceOf(t, s))
	balance, err := m.GetPointBalance(ctx, "m1", march10.Add(13*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)
}

func TestSpend_Insufficient(t *testing.T) {
	s, m := setup(t, 150)
	earn(s, "a", 100, &june30)
	earn(s, "b", 50, &dec31)

	_, err := m.Spend(context.Background(), rewards.SpendRequest{MemberID: "m1", Points: 200})

	var short *ledger.InsufficientPointsError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, int64(150), short.Available)
	assert.Equal(t, int64(200), short.Required)
	assert.Equal(t, int64(150), balanceOf(t, s))
}

func TestSpend_InvalidRequests(t *testing.T) {
	s, m := setup(t, 0)

	_, err := m.Spend(context.Background(), rewards.SpendRequest{MemberID: "m1", Points: 0})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = m.Spend(context.Background(), rewards.SpendRequest{MemberID: "ghost", Points: 1})
	assert.ErrorIs(t, err, ledger.ErrMemberNotFound)

	s.PutMember(ledger.Member{ID: "m2", Status: ledger.MemberInactive})
	_, err = m.Spend(context.Background(), rewards.SpendRequest{MemberID: "m2", Points: 1})
	assert.ErrorIs(t, err, ledger.ErrInactiveMember)
}

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	s, m := setup(t, 100)
	earn(s, "a", 100, &june30)

	// Grant expires under the normal policy
	rows, err := m.Adjust(ctx, rewards.AdjustRequest{MemberID: "m1", Points: 50, Reason: "goodwill"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ledger.PointSystem, rows[0].Type)
	assert.Equal(t, "goodwill", rows[0].Reason)
	assert.Equal(t, ledger.EndOfDay(ledger.Date(2025, time.March, 10)), *rows[0].ExpiryDate)
	assert.Equal(t, int64(150), balanceOf(t, s))

	// Deduction consumes the soonest expiry first
	rows, err = m.Adjust(ctx, rewards.AdjustRequest{MemberID: "m1", Points: -30, Reason: "correction"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(-30), rows[0].Point)
	assert.Equal(t, june30, *rows[0].ExpiryDate)
	assert.Equal(t, int64(120), balanceOf(t, s))

	_, err = m.Adjust(ctx, rewards.AdjustRequest{MemberID: "m1", Points: 0})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

// =============================================================================
// SWEEPS
// =============================================================================

func TestReleaseMemberPoint(t *testing.T) {
	// GIVEN: one pending reward due and one not yet due
	ctx := context.Background()
	s, m := setup(t, 100)
	earn(s, "a", 100, &dec31)
	due := ledger.EndOfDay(march10)
	later := due.AddDate(0, 0, 5)
	s.PutPointHistory(ledger.PointHistory{ID: "p-due", MemberID: "m1", Type: ledger.PointReward, Point: 30,
		IsPending: true, ReleaseDate: &due, ExpiryDate: &dec31, CreatedAt: march10.AddDate(0, 0, -7)})
	s.PutPointHistory(ledger.PointHistory{ID: "p-later", MemberID: "m1", Type: ledger.PointReward, Point: 40,
		IsPending: true, ReleaseDate: &later, ExpiryDate: &dec31, CreatedAt: march10.AddDate(0, 0, -2)})

	// WHEN: the release sweep runs for the due day
	summary, err := m.ReleaseMemberPoint(ctx, due)
	require.NoError(t, err)

	// THEN: only the due row becomes spendable
	assert.Equal(t, 1, summary.Rows)
	assert.Equal(t, int64(30), summary.Points)
	assert.Equal(t, int64(130), balanceOf(t, s))

	rows, err := s.ListPointHistory(ctx, "m1")
	require.NoError(t, err)
	var released *ledger.PointHistory
	for i, r := range rows {
		switch {
		case r.ID == "p-due":
			assert.True(t, r.IsDeleted)
		case r.ID == "p-later":
			assert.False(t, r.IsDeleted)
		case r.ID != "a":
			released = &rows[i]
		}
	}
	require.NotNil(t, released)
	assert.False(t, released.IsPending)
	assert.Equal(t, int64(30), released.Point)
	assert.Equal(t, int64(130), released.PointBalance)
	assert.Equal(t, due, released.CreatedAt)

	// AND: a second run releases nothing
	summary, err = m.ReleaseMemberPoint(ctx, due)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Rows)
}

func TestResetMemberPoint(t *testing.T) {
	// GIVEN: 100 expiring today with 40 of it already spent, 50 expiring later
	ctx := context.Background()
	s, m := setup(t, 110)
	today := ledger.EndOfDay(march10)
	earn(s, "a", 100, &today)
	earn(s, "b", 50, &dec31)
	s.PutPointHistory(ledger.PointHistory{ID: "spent", MemberID: "m1", Type: ledger.PointPurchase, Point: -40,
		ExpiryDate: &today, CreatedAt: march10})

	// WHEN: the expiry sweep runs
	summary, err := m.ResetMemberPoint(ctx, today)
	require.NoError(t, err)

	// THEN: the net 60 expires in one EXPIRY row
	assert.Equal(t, 1, summary.Members)
	assert.Equal(t, 2, summary.Rows)
	assert.Equal(t, int64(60), summary.Points)
	assert.Equal(t, int64(50), balanceOf(t, s))

	rows, err := s.ListPointHistory(ctx, "m1")
	require.NoError(t, err)
	var expiry []ledger.PointHistory
	for _, r := range rows {
		if r.Type == ledger.PointExpiry {
			expiry = append(expiry, r)
		}
	}
	require.Len(t, expiry, 1)
	assert.Equal(t, int64(-60), expiry[0].Point)
	assert.Equal(t, int64(50), expiry[0].PointBalance)

	// AND: the ledger balance matches the member balance the next day
	balance, err := m.GetPointBalance(ctx, "m1", today.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	// AND: a rerun finds nothing
	summary, err = m.ResetMemberPoint(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Members)
}

func TestSweeps_Paginate(t *testing.T) {
	ctx := context.Background()
	s, m := setup(t, 0)
	m.BatchSize = 2
	today := ledger.EndOfDay(march10)
	for _, id := range []ledger.MemberID{"m2", "m3", "m4", "m5", "m6"} {
		s.PutMember(ledger.Member{ID: id, Status: ledger.MemberActive, TierID: "normal", PointBalance: 10, Version: 1})
		s.PutPointHistory(ledger.PointHistory{ID: ledger.HistoryID("h-" + id), MemberID: id, Type: ledger.PointReward,
			Point: 10, ExpiryDate: &today, CreatedAt: march10.AddDate(0, -1, 0)})
	}

	summary, err := m.ResetMemberPoint(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Members)
	assert.Equal(t, int64(50), summary.Points)
}
