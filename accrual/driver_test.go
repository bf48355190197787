package accrual_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/membership-engine/accrual"
	"github.com/warp/membership-engine/ledger"
	"github.com/warp/membership-engine/ledger/store"
	"github.com/warp/membership-engine/notify"
	"github.com/warp/membership-engine/rewards"
	"github.com/warp/membership-engine/tier"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	march10 = ledger.Date(2024, time.March, 10)
	march11 = ledger.Date(2024, time.March, 11)
)

func rate(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// testChart is [0, 1000, 5000] with distinct rates per tier.
func testChart() *tier.Chart {
	return tier.MustLoad([]tier.Definition{
		{ID: "normal", Name: "Normal", Order: 1, LimitSpending: 0,
			PersonalRate: rate("0.01"), InitialRate: rate("0.02"), ReferralRate: rate("0"), BirthdayRatio: rate("2")},
		{ID: "gold", Name: "Gold", Order: 2, LimitSpending: 1000,
			PersonalRate: rate("0.02"), InitialRate: rate("0.03"), ReferralRate: rate("0.01"), BirthdayRatio: rate("2")},
		{ID: "diamond", Name: "Diamond", Order: 3, LimitSpending: 5000,
			PersonalRate: rate("0.05"), InitialRate: rate("0.05"), ReferralRate: rate("0.02"), BirthdayRatio: rate("3")},
	})
}

// recorder captures notifications. Commits run on worker goroutines.
type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recorder) Send(msg notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) templates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		out = append(out, m.Template)
	}
	return out
}

func newDriver(t *testing.T, s ledger.Store) (*accrual.Driver, *recorder) {
	t.Helper()
	d, err := accrual.NewDriver(s, testChart(), rewards.DefaultPolicy(), accrual.DefaultConfig())
	require.NoError(t, err)
	rec := &recorder{}
	d.Sender = rec
	d.Now = func() time.Time { return march10.Add(9 * time.Hour) }
	return d, rec
}

// seedMember stores an active member with an open INITIAL row for its tier.
func seedMember(s *store.Memory, m ledger.Member) ledger.Member {
	if m.Status == "" {
		m.Status = ledger.MemberActive
	}
	if m.TierID == "" {
		m.TierID = "normal"
	}
	if m.MinTierID == "" {
		m.MinTierID = "normal"
	}
	m.MaximumSpending = max(m.PersonalSpending, m.ReferralSpending)
	m.Version = 1
	s.PutMember(m)
	s.PutTierHistory(ledger.TierHistory{
		ID:               ledger.NewHistoryID(),
		MemberID:         m.ID,
		PrevTierID:       m.TierID,
		CurrTierID:       m.TierID,
		MinTierID:        m.MinTierID,
		Type:             ledger.TierInitial,
		PersonalSpending: m.PersonalSpending,
		ReferralSpending: m.ReferralSpending,
		ExpiryDate:       m.TierExpiryDate,
		IsActive:         true,
		CreatedAt:        march10.AddDate(-1, 0, 0),
	})
	return m
}

func seedInvoice(t *testing.T, s *store.Memory, id string, member ledger.MemberID, amount int64, source ledger.OrderSource, at time.Time) {
	t.Helper()
	require.NoError(t, s.SaveInvoice(context.Background(), ledger.Invoice{
		ID:          ledger.InvoiceID(id),
		MemberID:    member,
		Source:      source,
		Status:      ledger.PaymentPaid,
		TotalAmount: amount,
		UsageAmount: amount,
		IssuedAt:    at,
		CreatedAt:   at,
	}))
}

func member(t *testing.T, s ledger.Store, id ledger.MemberID) ledger.Member {
	t.Helper()
	m, err := s.GetMember(context.Background(), id)
	require.NoError(t, err)
	return *m
}

func points(t *testing.T, s ledger.Store, id ledger.MemberID) []ledger.PointHistory {
	t.Helper()
	rows, err := s.ListPointHistory(context.Background(), id)
	require.NoError(t, err)
	return rows
}

func activeTier(t *testing.T, s ledger.Store, id ledger.MemberID) ledger.TierHistory {
	t.Helper()
	row, err := s.ActiveTierHistory(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, row)
	return *row
}

// =============================================================================
// FIRST PURCHASE
// =============================================================================

func TestRun_FirstPurchaseAggregatesCluster(t *testing.T) {
	// GIVEN: a new member with two POS invoices on the same day
	ctx := context.Background()
	s := store.NewMemory()
	seedMember(s, ledger.Member{ID: "m1", Name: "Ana"})
	seedInvoice(t, s, "inv-1", "m1", 300, ledger.SourcePOS, march10.Add(10*time.Hour))
	seedInvoice(t, s, "inv-2", "m1", 200, ledger.SourcePOS, march10.Add(11*time.Hour))
	d, _ := newDriver(t, s)

	// WHEN: the day is processed
	summary, err := d.Run(ctx, march10, march10)
	require.NoError(t, err)

	// THEN: both invoices earn one REWARD row at the initial rate
	assert.Equal(t, 2, summary.Invoices)
	assert.Equal(t, 1, summary.Members)

	rows := points(t, s, "m1")
	require.Len(t, rows, 1)
	assert.Equal(t, ledger.PointReward, rows[0].Type)
	assert.Equal(t, int64(10), rows[0].Point) // 500 * 0.02
	assert.Equal(t, int64(500), rows[0].InvoiceAmount)
	assert.True(t, rows[0].IsFirst)
	assert.Equal(t, ledger.TimePtr(ledger.EndOfDay(march10.Add(11*time.Hour)).AddDate(1, 0, 0)), rows[0].ExpiryDate)

	m := member(t, s, "m1")
	assert.True(t, m.HasFirstPurchased)
	assert.Equal(t, int64(500), m.PersonalSpending)
	assert.Equal(t, int64(500), m.MaximumSpending)
	assert.Equal(t, int64(10), m.PointBalance)
	assert.Equal(t, int64(500), activeTier(t, s, "m1").PersonalSpending)

	for _, id := range []ledger.InvoiceID{"inv-1", "inv-2"} {
		inv, err := s.GetInvoice(ctx, id)
		require.NoError(t, err)
		assert.True(t, inv.IsEarned)
	}
}

func TestRun_ReplayIsNoop(t *testing.T) {
	// GIVEN: a day that has already been processed
	ctx := context.Background()
	s := store.NewMemory()
	seedMember(s, ledger.Member{ID: "m1", Name: "Ana"})
	seedInvoice(t, s, "inv-1", "m1", 300, ledger.SourcePOS, march10.Add(10*time.Hour))
	d, _ := newDriver(t, s)
	_, err := d.Run(ctx, march10, march10)
	require.NoError(t, err)
	before := member(t, s, "m1")
	tiersBefore, err := s.ListTierHistory(ctx, "m1")
	require.NoError(t, err)

	// WHEN: the same day runs again
	summary, err := d.Run(ctx, march10, march10)
	require.NoError(t, err)

	// THEN: nothing changes
	assert.Equal(t, 0, summary.Invoices)
	assert.Len(t, points(t, s, "m1"), 1)
	assert.Equal(t, before, member(t, s, "m1"))

	afterTiers, err := s.ListTierHistory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, tiersBefore, afterTiers)

	inv, err := s.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.True(t, inv.IsEarned)
}

func TestRun_RepeatPurchaseIsPerInvoice(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedMember(s, ledger.Member{ID: "m1", Name: "Ana", HasFirstPurchased: true})
	seedInvoice(t, s, "inv-1", "m1", 150, ledger.SourcePOS, march10.Add(10*time.Hour))
	seedInvoice(t, s, "inv-2", "m1", 150, ledger.SourcePOS, march10.Add(11*time.Hour))
	d, _ := newDriver(t, s)

	_, err := d.Run(ctx, march10, march10)
	require.NoError(t, err)

	// 150 * 0.01 = 1.5 rounds half up per invoice
	rows := points(t, s, "m1")
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[0].Point)
	assert.Equal(t, int64(2), rows[1].Point)
	assert.Equal(t, int64(4), rows[1].PointBalance)
	assert.False(t, rows[0].IsFirst)
	assert.Equal(t, int64(300), member(t, s, "m1").PersonalSpending)
}

func TestRun_SelfServiceFirstPurchaseWaits(t *testing.T) {
	// GIVEN: a new member whose first purchase came from the app
	ctx := context.Background()
	s := store.NewMemory()
	seedMember(s, ledger.Member{ID: "m1", Name: "Ana"})
	seedInvoice(t, s, "inv-app", "m1", 300, ledger.SourceApp, march10.Add(10*time.Hour))
	d, _ := newDriver(t, s)

	// WHEN: the purchase day is processed
	summary, err := d.Run(ctx, march10, march10)
	require.NoError(t, err)

	// THEN: it is held back
	assert.Equal(t, 0, summary.Invoices)
	assert.False(t, member(t, s, "m1").HasFirstPurchased)

	// WHEN: the first-transaction window has passed
	summary, err = d.Run(ctx, march10.AddDate(0, 0, 1), march10.AddDate(0, 0, 3))
	require.NoError(t, err)

	// THEN: the invoice is consumed
	assert.Equal(t, 1, summary.Invoices)
	assert.True(t, member(t, s, "m1").HasFirstPurchased)
}

func TestRun_SkipsUnpaidInvoices(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedMember(s, ledger.Member{ID: "m1", Name: "Ana"})
	require.NoError(t, s.SaveInvoice(ctx, ledger.Invoice{
		ID: "inv-1", MemberID: "m1", Source: ledger.SourcePOS, Status: ledger.PaymentPartial,
		TotalAmount: 300, UsageAmount: 300, IssuedAt: march10, CreatedAt: march10,
	}))
	d, _ := newDriver(t, s)

	summary, err := d.Run(ctx, march10, march10)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Invoices)
	assert.Empty(t, points(t, s, "m1"))
}

// =============================================================================
// UPGRADES
// =============================================================================

func TestRun_UpgradeSplitsPointsAtThreshold(t *testing.T) {
	// GIVEN: a member at normal with 800 spent
	ctx := context.Background()
	s := store.NewMemory()
	seedMember(s, ledger.Member{ID: "m1", Name: "Ana", Email: "ana@example.com", HasFirstPurchased: true, PersonalSpending: 800})
	issued := march10.Add(15 * time.Hour)
	seedInvoice(t, s, "inv-1", "m1", 500, ledger.SourcePOS, issued)
	d, rec := newDriver(t, s)

	// WHEN: a 500 purchase crosses the gold threshold
	_, err := d.Run(ctx, march10, march10)
	require.NoError(t, err)

	// THEN: an UPGRADE row opens with the 300 excess
	history, err := s.ListTierHistory(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].IsActive)

	up := activeTier(t, s, "m1")
	assert.Equal(t, ledger.TierUpgrade, up.Type)
	assert.Equal(t, ledger.TierID("normal"), up.PrevTierID)
	assert.Equal(t, ledger.TierID("gold"), up.CurrTierID)
	assert.Equal(t, int64(300), up.PersonalSpending)
	assert.Equal(t, int64(0), up.ReferralSpending)
	assert.Equal(t, int64(300), up.ExcessSpending)
	assert.Equal(t, int64(1000), up.RenewalSpending)
	assert.Equal(t, int64(5000), up.UpgradeSpending)
	wantExpiry := ledger.EndOfDay(issued.AddDate(1, 0, 0))
	require.NotNil(t, up.ExpiryDate)
	assert.Equal(t, wantExpiry, *up.ExpiryDate)

	// AND: pre-threshold usage earns at normal, the excess at gold
	rows := points(t, s, "m1")
	require.Len(t, rows, 2)
	assert.Equal(t, ledger.TierID("normal"), rows[0].TierID)
	assert.Equal(t, int64(2), rows[0].Point) // 200 * 0.01
	assert.Equal(t, int64(200), rows[0].InvoiceAmount)
	assert.Equal(t, ledger.TierID("gold"), rows[1].TierID)
	assert.Equal(t, int64(6), rows[1].Point) // 300 * 0.02
	assert.Equal(t, int64(8), rows[1].PointBalance)

	m := member(t, s, "m1")
	assert.Equal(t, ledger.TierID("gold"), m.TierID)
	assert.Equal(t, int64(300), m.PersonalSpending)
	assert.Equal(t, &wantExpiry, m.TierExpiryDate)
	assert.False(t, m.HasDiamondAchieved)

	assert.Equal(t, []string{"tier_upgraded"}, rec.templates())
}

func TestRun_TopTierSetsDiamondAchieved(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedMember(s, ledger.Member{ID: "m1", Name: "Ana", HasFirstPurchased: true, TierID: "gold", PersonalSpending: 4900})
	seedInvoice(t, s, "inv-1", "m1", 200, ledger.SourcePOS, march10.Add(10*time.Hour))
	d, _ := newDriver(t, s)

	_, err := d.Run(ctx, march10, march10)
	require.NoError(t, err)

	m := member(t, s, "m1")
	assert.Equal(t, ledger.TierID("diamond"), m.TierID)
	assert.True(t, m.HasDiamondAchieved)
	assert.Equal(t, int64(100), m.PersonalSpending)
}

// =============================================================================
// BIRTHDAY
// =============================================================================

func TestRun_BirthdayRatioOncePerBirthMonth(t *testing.T) {
	// GIVEN: a member born in March
	ctx := context.Background()
	s := store.NewMemory()
	birth := ledger.Date(1990, time.March, 2)
	seedMember(s, ledger.Member{ID: "m1", Name: "Ana", BirthDate: &birth})
	seedInvoice(t, s, "inv-1", "m1", 500, ledger.SourcePOS, march10.Add(10*time.Hour))
	seedInvoice(t, s, "inv-2", "m1", 300, ledger.SourcePOS, march11.Add(10*time.Hour))
	d, _ := newDriver(t, s)

	// WHEN: two March days are processed
	_, err := d.Run(ctx, march10, march11)
	require.NoError(t, err)

	// THEN: only the first March purchase is multiplied
	rows := points(t, s, "m1")
	require.Len(t, rows, 2)
	assert.True(t, rows[0].IsBirth)
	assert.Equal(t, int64(20), rows[0].Point) // 500 * 0.02 * 2
	assert.True(t, rows[0].MultipleRatio.Equal(rate("2")))
	assert.False(t, rows[1].IsBirth)
	assert.Equal(t, int64(3), rows[1].Point) // 300 * 0.01
	assert.True(t, member(t, s, "m1").HasBirthPurchased)
}

func TestRun_BirthdayRatioEveryYear(t *testing.T) {
	// GIVEN: a member born in March who only buys in March
	ctx := context.Background()
	s := store.NewMemory()
	birth := ledger.Date(1990, time.March, 2)
	seedMember(s, ledger.Member{ID: "m1", Name: "Ana", BirthDate: &birth})
	nextMarch := ledger.Date(2025, time.March, 10)
	seedInvoice(t, s, "inv-1", "m1", 500, ledger.SourcePOS, march10.Add(10*time.Hour))
	seedInvoice(t, s, "inv-2", "m1", 300, ledger.SourcePOS, nextMarch.Add(10*time.Hour))
	d, _ := newDriver(t, s)

	// WHEN: March 2024 and March 2025 are processed
	_, err := d.Run(ctx, march10, march10)
	require.NoError(t, err)
	_, err = d.Run(ctx, nextMarch, nextMarch)
	require.NoError(t, err)

	// THEN: both birth months earn the ratio
	rows := points(t, s, "m1")
	require.Len(t, rows, 2)
	assert.True(t, rows[0].IsBirth)
	assert.Equal(t, int64(20), rows[0].Point) // 500 * 0.02 * 2
	assert.True(t, rows[1].IsBirth)
	assert.Equal(t, int64(6), rows[1].Point) // 300 * 0.01 * 2
	assert.True(t, rows[1].MultipleRatio.Equal(rate("2")))

	m := member(t, s, "m1")
	assert.True(t, m.HasBirthPurchased)
	require.NotNil(t, m.BirthPurchasedAt)
	assert.Equal(t, 2025, m.BirthPurchasedAt.Year())
}

func TestRun_BirthFlagClearsOutsideBirthMonth(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	birth := ledger.Date(1990, time.February, 2)
	seedMember(s, ledger.Member{ID: "m1", Name: "Ana", BirthDate: &birth, HasFirstPurchased: true, HasBirthPurchased: true})
	seedInvoice(t, s, "inv-1", "m1", 100, ledger.SourcePOS, march10.Add(10*time.Hour))
	d, _ := newDriver(t, s)

	_, err := d.Run(ctx, march10, march10)
	require.NoError(t, err)
	assert.False(t, member(t, s, "m1").HasBirthPurchased)
}

// =============================================================================
// REFERRALS
// =============================================================================

func TestRun_ReferralAccrual(t *testing.T) {
	// GIVEN: a plain referrer and a diamond referrer, each with a new referee
	ctx := context.Background()
	s := store.NewMemory()
	seedMember(s, ledger.Member{ID: "ref-plain", Name: "Rui", Code: "MEM-R", HasFirstPurchased: true})
	seedMember(s, ledger.Member{ID: "ref-diamond", Name: "Dora", Code: "MEM-D", TierID: "diamond",
		HasFirstPurchased: true, HasDiamondAchieved: true})
	seedMember(s, ledger.Member{ID: "e1", Name: "Eva", InvitedCode: "MEM-R"})
	seedMember(s, ledger.Member{ID: "f1", Name: "Fay", InvitedCode: "MEM-D"})
	seedInvoice(t, s, "inv-e", "e1", 600, ledger.SourcePOS, march10.Add(10*time.Hour))
	seedInvoice(t, s, "inv-f", "f1", 600, ledger.SourcePOS, march10.Add(10*time.Hour))
	d, _ := newDriver(t, s)

	// WHEN: the referees' first purchases are processed
	summary, err := d.Run(ctx, march10, march10)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Invoices)
	assert.Equal(t, 4, summary.Members)

	// THEN: both referrers accumulate referral spending
	plain := member(t, s, "ref-plain")
	assert.Equal(t, int64(600), plain.ReferralSpending)
	assert.Equal(t, int64(600), plain.MaximumSpending)
	assert.Equal(t, int64(600), activeTier(t, s, "ref-plain").ReferralSpending)
	assert.Equal(t, int64(0), plain.PersonalSpending)

	// AND: only the diamond referrer earns REFER points
	assert.Empty(t, points(t, s, "ref-plain"))
	rows := points(t, s, "ref-diamond")
	require.Len(t, rows, 1)
	assert.Equal(t, ledger.PointRefer, rows[0].Type)
	assert.Equal(t, int64(12), rows[0].Point) // 600 * 0.02
	assert.Equal(t, ledger.InvoiceID("inv-f"), rows[0].InvoiceID)

	// AND: referees earn their own first-purchase reward
	eva := points(t, s, "e1")
	require.Len(t, eva, 1)
	assert.Equal(t, int64(12), eva[0].Point) // 600 * 0.02
}

func TestRun_ReferralOnlyOnFirstPurchase(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedMember(s, ledger.Member{ID: "ref", Name: "Rui", Code: "MEM-R", HasFirstPurchased: true})
	seedMember(s, ledger.Member{ID: "e1", Name: "Eva", InvitedCode: "MEM-R"})
	seedInvoice(t, s, "inv-1", "e1", 100, ledger.SourcePOS, march10.Add(10*time.Hour))
	seedInvoice(t, s, "inv-2", "e1", 400, ledger.SourcePOS, march11.Add(10*time.Hour))
	d, _ := newDriver(t, s)

	_, err := d.Run(ctx, march10, march11)
	require.NoError(t, err)

	assert.Equal(t, int64(100), member(t, s, "ref").ReferralSpending)
	assert.Equal(t, int64(500), member(t, s, "e1").PersonalSpending)
}

func TestRun_UnknownReferrerOnlySkipsReferral(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedMember(s, ledger.Member{ID: "e1", Name: "Eva", InvitedCode: "MEM-GONE"})
	seedInvoice(t, s, "inv-1", "e1", 100, ledger.SourcePOS, march10.Add(10*time.Hour))
	d, _ := newDriver(t, s)

	summary, err := d.Run(ctx, march10, march10)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Invoices)
	assert.Equal(t, 0, summary.Failed)
	assert.True(t, member(t, s, "e1").HasFirstPurchased)
}

// =============================================================================
// FAILURES & RETRY
// =============================================================================

func TestRun_UnknownTierMemberFails(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedMember(s, ledger.Member{ID: "bad", Name: "Bo", TierID: "platinum"})
	seedMember(s, ledger.Member{ID: "ok", Name: "Ana"})
	seedInvoice(t, s, "inv-bad", "bad", 100, ledger.SourcePOS, march10.Add(10*time.Hour))
	seedInvoice(t, s, "inv-ok", "ok", 100, ledger.SourcePOS, march10.Add(10*time.Hour))
	d, _ := newDriver(t, s)

	summary, err := d.Run(ctx, march10, march10)
	require.NoError(t, err)

	// The failing member is skipped; the other member lands.
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Invoices)
	inv, err := s.GetInvoice(ctx, "inv-bad")
	require.NoError(t, err)
	assert.False(t, inv.IsEarned)
}

func TestRun_NilChartAbortsBeforeWrites(t *testing.T) {
	_, err := accrual.NewDriver(store.NewMemory(), nil, rewards.DefaultPolicy(), accrual.DefaultConfig())
	assert.ErrorIs(t, err, ledger.ErrInvalidChart)
}

// flakyStore fails the first n commits with a version conflict.
type flakyStore struct {
	*store.Memory
	mu sync.Mutex
	n  int
}

func (f *flakyStore) Commit(ctx context.Context, changes ...ledger.MemberChange) error {
	f.mu.Lock()
	if f.n > 0 {
		f.n--
		f.mu.Unlock()
		return &ledger.ConcurrentModificationError{MemberID: changes[0].Member.ID, Expected: changes[0].Member.Version}
	}
	f.mu.Unlock()
	return f.Memory.Commit(ctx, changes...)
}

func TestRun_RetriesConflictOnce(t *testing.T) {
	// GIVEN: a store whose first commit conflicts
	ctx := context.Background()
	mem := store.NewMemory()
	seedMember(mem, ledger.Member{ID: "m1", Name: "Ana"})
	seedInvoice(t, mem, "inv-1", "m1", 300, ledger.SourcePOS, march10.Add(10*time.Hour))
	d, _ := newDriver(t, &flakyStore{Memory: mem, n: 1})

	// WHEN: the day runs
	summary, err := d.Run(ctx, march10, march10)
	require.NoError(t, err)

	// THEN: the re-planned member commits on the second attempt
	assert.Equal(t, 1, summary.Retried)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1, summary.Invoices)
	assert.Len(t, points(t, mem, "m1"), 1)
}

func TestRun_GivesUpAfterSecondConflict(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedMember(mem, ledger.Member{ID: "m1", Name: "Ana"})
	seedInvoice(t, mem, "inv-1", "m1", 300, ledger.SourcePOS, march10.Add(10*time.Hour))
	d, _ := newDriver(t, &flakyStore{Memory: mem, n: 2})

	summary, err := d.Run(ctx, march10, march10)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Invoices)
	assert.Empty(t, points(t, mem, "m1"))
}

// =============================================================================
// POLICY
// =============================================================================

func TestRun_ReleaseEmbargoWritesPendingRows(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedMember(s, ledger.Member{ID: "m1", Name: "Ana"})
	seedInvoice(t, s, "inv-1", "m1", 500, ledger.SourcePOS, march10.Add(10*time.Hour))
	d, _ := newDriver(t, s)
	d.Policy = rewards.Policy{TTLYears: 1, ReleaseDays: 7}

	_, err := d.Run(ctx, march10, march10)
	require.NoError(t, err)

	rows := points(t, s, "m1")
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsPending)
	require.NotNil(t, rows[0].ReleaseDate)
	assert.Equal(t, ledger.EndOfDay(march10).AddDate(0, 0, 7), *rows[0].ReleaseDate)
	assert.Equal(t, int64(0), member(t, s, "m1").PointBalance)
}

// =============================================================================
// ENROLL
// =============================================================================

func TestEnroll(t *testing.T) {
	// GIVEN: an empty ledger
	ctx := context.Background()
	s := store.NewMemory()
	d, rec := newDriver(t, s)

	// WHEN: a member signs up
	m, err := d.Enroll(ctx, accrual.EnrollRequest{Name: "Ana", Email: "ana@example.com"})
	require.NoError(t, err)

	// THEN: the member starts at the normal tier with a minted code
	assert.Equal(t, "MEM-20240310-000001", m.Code)
	assert.Equal(t, ledger.TierID("normal"), m.TierID)
	assert.Equal(t, ledger.MemberActive, m.Status)
	assert.Equal(t, int64(1), m.Version)

	row := activeTier(t, s, m.ID)
	assert.Equal(t, ledger.TierInitial, row.Type)
	assert.Equal(t, int64(0), row.RenewalSpending)
	assert.Equal(t, int64(1000), row.UpgradeSpending)
	assert.Nil(t, row.ExpiryDate)

	assert.Equal(t, []string{"welcome"}, rec.templates())

	// AND: a second signup can use the first member's code
	invited, err := d.Enroll(ctx, accrual.EnrollRequest{Name: "Eva", InvitedCode: m.Code})
	require.NoError(t, err)
	assert.Equal(t, "MEM-20240310-000002", invited.Code)
	assert.Equal(t, m.Code, invited.InvitedCode)
}

func TestEnroll_Rejects(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	d, _ := newDriver(t, s)
	seedMember(s, ledger.Member{ID: "gone", Name: "Gus", Code: "MEM-X", Status: ledger.MemberInactive})

	_, err := d.Enroll(ctx, accrual.EnrollRequest{Name: " "})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = d.Enroll(ctx, accrual.EnrollRequest{Name: "Eva", InvitedCode: "MEM-NOPE"})
	assert.ErrorIs(t, err, ledger.ErrMemberNotFound)

	_, err = d.Enroll(ctx, accrual.EnrollRequest{Name: "Eva", InvitedCode: "MEM-X"})
	assert.ErrorIs(t, err, ledger.ErrInactiveMember)
}
