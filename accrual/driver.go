package accrual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/membership-engine/ledger"
	"github.com/warp/membership-engine/metrics"
	"github.com/warp/membership-engine/notify"
	"github.com/warp/membership-engine/rewards"
	"github.com/warp/membership-engine/slip"
	"github.com/warp/membership-engine/tier"
)

// Config tunes the batch driver.
type Config struct {
	// FirstTransactionDays delays self-service (APP/WEB) first purchases until
	// the invoice is this many days old.
	FirstTransactionDays int
	// Workers bounds how many independent member units commit in parallel.
	Workers int
	// CodeCacheSize bounds the referral code lookup cache.
	CodeCacheSize int
}

func DefaultConfig() Config {
	return Config{FirstTransactionDays: 3, Workers: 4, CodeCacheSize: 4096}
}

// Driver replays paid invoices day by day into tier and point history.
//
// Days are strictly sequential. Inside a day the plan is built on one
// goroutine; only the commits of independent member units run in parallel.
type Driver struct {
	Store   ledger.Store
	Chart   *tier.Chart
	Policy  rewards.Policy
	Config  Config
	Sender  notify.Sender
	Slips   *slip.Minter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time

	codes *lru.Cache[string, ledger.MemberID]
}

// NewDriver fails when chart is nil so a missing chart aborts before any write.
func NewDriver(store ledger.Store, chart *tier.Chart, policy rewards.Policy, cfg Config) (*Driver, error) {
	if chart == nil {
		return nil, &ledger.InvalidChartError{Reason: "no tier chart loaded"}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CodeCacheSize <= 0 {
		cfg.CodeCacheSize = DefaultConfig().CodeCacheSize
	}
	codes, err := lru.New[string, ledger.MemberID](cfg.CodeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("referral code cache: %w", err)
	}
	return &Driver{
		Store:  store,
		Chart:  chart,
		Policy: policy,
		Config: cfg,
		Sender: notify.Discard{},
		Slips:  slip.NewMinter(store),
		Logger: slog.Default().With("component", "accrual"),
		Now:    func() time.Time { return time.Now().UTC() },
		codes:  codes,
	}, nil
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Driver) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now()
}

// RunSummary totals one Run.
type RunSummary struct {
	Days     int
	Invoices int
	Members  int
	Failed   int
	Retried  int
}

func (s *RunSummary) add(o RunSummary) {
	s.Days += o.Days
	s.Invoices += o.Invoices
	s.Members += o.Members
	s.Failed += o.Failed
	s.Retried += o.Retried
}

// =============================================================================
// RUN
// =============================================================================

// Run processes every calendar day in [since, until] in ascending order.
// Re-running a day is a no-op because committed invoices are marked earned in
// the same transaction as the accrual they produced.
func (d *Driver) Run(ctx context.Context, since, until time.Time) (summary RunSummary, err error) {
	defer d.Metrics.ObservePass("accrual", time.Now(), &err)
	if d.Chart == nil {
		return summary, &ledger.InvalidChartError{Reason: "no tier chart loaded"}
	}

	for _, day := range ledger.Days(since, until) {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		daySummary, err := d.runDay(ctx, day)
		summary.add(daySummary)
		if err != nil {
			return summary, fmt.Errorf("accrual %s: %w", ledger.DateKey(day), err)
		}
	}

	d.logger().Info("accrual finished",
		"since", ledger.DateKey(since), "until", ledger.DateKey(until),
		"invoices", summary.Invoices, "members", summary.Members,
		"failed", summary.Failed, "retried", summary.Retried)
	return summary, nil
}

func (d *Driver) runDay(ctx context.Context, day time.Time) (RunSummary, error) {
	summary := RunSummary{Days: 1}
	cutoff := ledger.EndOfDay(day)
	query := ledger.InvoiceQuery{
		Cutoff:            cutoff,
		SelfServiceCutoff: cutoff.AddDate(0, 0, -d.Config.FirstTransactionDays),
	}

	var only map[ledger.MemberID]bool
	for attempt := 0; attempt < 2; attempt++ {
		invoices, err := d.Store.EligibleInvoices(ctx, query)
		if err != nil {
			return summary, fmt.Errorf("load invoices: %w", err)
		}
		plan := d.planDay(ctx, day, invoices, only)
		result := d.flush(ctx, plan)

		summary.Invoices += result.invoices
		summary.Members += result.members
		summary.Failed += result.failed

		if len(result.conflicted) == 0 {
			break
		}
		if attempt == 0 {
			summary.Retried += len(result.conflicted)
			only = result.conflicted
			continue
		}
		summary.Failed += len(result.conflicted)
		for id := range result.conflicted {
			d.Metrics.MemberFailed("accrual", "conflict")
			d.logger().Warn("member skipped after retry", "member_id", id, "day", ledger.DateKey(day),
				"error", ledger.ErrConcurrentModification)
		}
	}
	return summary, nil
}

// =============================================================================
// PLANNING
// =============================================================================

type dayPlan struct {
	day    time.Time
	states map[ledger.MemberID]*State
	order  []*State
	failed map[ledger.MemberID]error
}

func (p *dayPlan) fail(id ledger.MemberID, err error) {
	if _, seen := p.failed[id]; !seen {
		p.failed[id] = err
	}
}

// planDay applies the day's clusters to in-memory states. When only is set,
// invoices of other members are ignored.
func (d *Driver) planDay(ctx context.Context, day time.Time, invoices []ledger.Invoice, only map[ledger.MemberID]bool) *dayPlan {
	plan := &dayPlan{
		day:    day,
		states: make(map[ledger.MemberID]*State),
		failed: make(map[ledger.MemberID]error),
	}
	used := make(map[ledger.InvoiceID]bool)

	for _, cluster := range Group(invoices) {
		for _, inv := range cluster.Invoices {
			if used[inv.ID] {
				continue
			}
			if only != nil && !only[inv.MemberID] {
				continue
			}
			if _, failed := plan.failed[inv.MemberID]; failed {
				continue
			}

			st, err := d.state(ctx, plan, inv.MemberID)
			if err != nil {
				plan.fail(inv.MemberID, err)
				continue
			}

			// A first purchase rewards the member's whole basket in the cluster.
			batch := []ledger.Invoice{inv}
			if !st.Member().HasFirstPurchased {
				batch = cluster.MemberInvoices(inv.MemberID, used)
			}
			for _, b := range batch {
				used[b.ID] = true
			}

			if err := d.apply(ctx, plan, st, batch); err != nil {
				plan.fail(inv.MemberID, err)
			}
		}
	}
	return plan
}

// state returns the member's state for the day, loading it on first use.
func (d *Driver) state(ctx context.Context, plan *dayPlan, id ledger.MemberID) (*State, error) {
	if st, ok := plan.states[id]; ok {
		return st, nil
	}
	st, err := d.loadState(ctx, id)
	if err != nil {
		return nil, err
	}
	plan.states[id] = st
	plan.order = append(plan.order, st)
	return st, nil
}

func (d *Driver) loadState(ctx context.Context, id ledger.MemberID) (*State, error) {
	member, err := d.Store.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	if !member.IsActive() {
		return nil, ledger.ErrInactiveMember
	}
	if _, err := d.Chart.Info(member.TierID); err != nil {
		return nil, err
	}
	open, err := d.Store.ActiveTierHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load tier history: %w", err)
	}
	return NewState(*member, open), nil
}

// referrer resolves the member who invited st. Lookup failures only cost the
// referral; the referee's own accrual goes ahead.
func (d *Driver) referrer(ctx context.Context, plan *dayPlan, st *State) *State {
	code := st.Member().InvitedCode
	if code == "" {
		return nil
	}
	log := d.logger().With("member_id", st.MemberID(), "invited_code", code, "day", ledger.DateKey(plan.day))

	id, ok := d.codes.Get(code)
	if !ok {
		m, err := d.Store.GetMemberByCode(ctx, code)
		if err != nil {
			log.Warn("referrer lookup failed, referral skipped", "error", err)
			return nil
		}
		id = m.ID
		d.codes.Add(code, id)
	}
	if id == st.MemberID() {
		return nil
	}
	if err, failed := plan.failed[id]; failed {
		log.Warn("referrer failed earlier, referral skipped", "referrer_id", id, "error", err)
		return nil
	}

	ref, err := d.state(ctx, plan, id)
	if err != nil {
		if !errors.Is(err, ledger.ErrInactiveMember) {
			log.Warn("referrer load failed, referral skipped", "referrer_id", id, "error", err)
		}
		return nil
	}
	return ref
}

// =============================================================================
// APPLY
// =============================================================================

// accrualInput describes one application of an aggregate to one member.
type accrualInput struct {
	kind      tier.RateKind
	basis     tier.Basis
	pointType ledger.PointHistoryType
	emit      bool
	birthday  bool
	isFirst   bool
	invoiceID ledger.InvoiceID
	issuedAt  time.Time
}

func (d *Driver) apply(ctx context.Context, plan *dayPlan, st *State, batch []ledger.Invoice) error {
	if len(batch) == 0 {
		return nil
	}
	agg := Aggregate(batch)
	issuedAt := latestIssue(batch)
	member := st.Member()
	first := !member.HasFirstPurchased

	res, err := d.Chart.ComputeAccrual(st.Position(), agg, tier.BasisPersonal)
	if err != nil {
		return err
	}

	in := accrualInput{
		kind:      tier.RatePersonal,
		basis:     tier.BasisPersonal,
		pointType: ledger.PointReward,
		emit:      true,
		birthday:  member.BirthdayBonusDue(issuedAt),
		isFirst:   first,
		invoiceID: batch[0].ID,
		issuedAt:  issuedAt,
	}
	if first {
		in.kind = tier.RateInitial
	}
	d.applyResult(st, res, in)

	st.MarkEarned(agg.InvoiceIDs...)
	if member.IsBirthMonth(issuedAt) {
		st.SetBirthPurchased(&issuedAt)
	} else {
		st.SetBirthPurchased(nil)
	}
	st.SetFirstPurchased()

	if !first {
		return nil
	}
	ref := d.referrer(ctx, plan, st)
	if ref == nil {
		return nil
	}
	refRes, err := d.Chart.ComputeAccrual(ref.Position(), agg, tier.BasisReferral)
	if err != nil {
		d.logger().Warn("referral accrual failed", "member_id", st.MemberID(), "referrer_id", ref.MemberID(), "error", err)
		return nil
	}
	d.applyResult(ref, refRes, accrualInput{
		kind:      tier.RateReferral,
		basis:     tier.BasisReferral,
		pointType: ledger.PointRefer,
		emit:      ref.Member().HasDiamondAchieved,
		isFirst:   true,
		invoiceID: batch[0].ID,
		issuedAt:  issuedAt,
	})
	ref.AddRefereeData(st)
	return nil
}

// applyResult writes the tier and point effects of one accrual result.
func (d *Driver) applyResult(st *State, res tier.AccrualResult, in accrualInput) {
	member := st.Member()
	value := res.TierValue
	prev := res.TierData.Info

	if !res.TierData.IsUpgrade() {
		personal, referral := member.PersonalSpending, member.ReferralSpending
		if in.basis == tier.BasisReferral {
			referral = value.CurrAmount
		} else {
			personal = value.CurrAmount
		}

		open := st.OpenTierHistory()
		open.PersonalSpending = personal
		open.ReferralSpending = referral
		open.RenewalSpending = res.TierData.Curr.LimitSpending
		open.UpgradeSpending = res.TierData.Next.LimitSpending
		st.AddTierHistory(open)
		st.SetSpending(personal, referral)

		if in.emit {
			d.addPoints(st, prev, value.UsageAmount, in)
		}
		return
	}

	next := res.TierData.Curr
	var personal, referral int64
	if in.basis == tier.BasisReferral {
		referral = value.ExcessAmount
	} else {
		personal = value.ExcessAmount
	}
	expiry := ledger.TimePtr(ledger.EndOfDay(in.issuedAt.AddDate(1, 0, 0)))

	st.AddTierHistory(ledger.TierHistory{
		PrevTierID:       prev.ID,
		CurrTierID:       next.ID,
		MinTierID:        member.MinTierID,
		Type:             ledger.TierUpgrade,
		PersonalSpending: personal,
		ReferralSpending: referral,
		ExcessSpending:   value.ExcessAmount,
		RenewalSpending:  next.LimitSpending,
		UpgradeSpending:  res.TierData.Next.LimitSpending,
		ExpiryDate:       expiry,
		CreatedAt:        in.issuedAt,
	})
	st.SetTier(next.ID, expiry)
	st.SetSpending(personal, referral)
	st.markUpgrade(next)
	if d.Chart.IsTop(next.ID) {
		st.SetDiamondAchieved(true)
	}

	if in.emit {
		d.addPoints(st, prev, value.PreThreshold(), in)
		d.addPoints(st, next, value.PostThreshold(), in)
	}
}

// addPoints appends a reward row for amount earned at def's rate. Rows that
// would carry no points are not written.
func (d *Driver) addPoints(st *State, def tier.Definition, amount int64, in accrualInput) {
	ratio := decimal.NewFromInt(1)
	if in.birthday {
		ratio = def.BirthdayRatio
	}
	points := tier.Points(amount, def.Rate(in.kind), ratio)
	if points <= 0 {
		return
	}

	release := d.Policy.ReleaseDate(in.issuedAt)
	st.AddPointHistory(ledger.PointHistory{
		TierID:        def.ID,
		Type:          in.pointType,
		InvoiceID:     in.invoiceID,
		InvoiceAmount: amount,
		Point:         points,
		MultipleRatio: ratio,
		IsFirst:       in.isFirst,
		IsBirth:       in.birthday,
		IsPending:     release != nil,
		ExpiryDate:    d.Policy.ExpirationDate(in.issuedAt),
		ReleaseDate:   release,
		CreatedAt:     in.issuedAt,
	})
}

// =============================================================================
// FLUSH
// =============================================================================

type flushResult struct {
	invoices   int
	members    int
	failed     int
	conflicted map[ledger.MemberID]bool
}

// units partitions the touched states into commit units. A referee and its
// referrer share a unit so the invoice flags and the referral accrual they
// produced land in one transaction. Chains and cycles collapse into one unit.
func (p *dayPlan) units() [][]*State {
	parent := make(map[ledger.MemberID]ledger.MemberID, len(p.order))
	var find func(ledger.MemberID) ledger.MemberID
	find = func(id ledger.MemberID) ledger.MemberID {
		root, ok := parent[id]
		if !ok || root == id {
			return id
		}
		root = find(root)
		parent[id] = root
		return root
	}
	for _, st := range p.order {
		if ref := st.GetReferrerData(); ref != nil {
			a, b := find(st.MemberID()), find(ref.MemberID())
			if a != b {
				parent[a] = b
			}
		}
	}

	index := make(map[ledger.MemberID]int)
	var units [][]*State
	for _, st := range p.order {
		root := find(st.MemberID())
		i, ok := index[root]
		if !ok {
			i = len(units)
			index[root] = i
			units = append(units, nil)
		}
		units[i] = append(units[i], st)
	}
	return units
}

func (d *Driver) flush(ctx context.Context, plan *dayPlan) flushResult {
	result := flushResult{conflicted: make(map[ledger.MemberID]bool)}
	day := ledger.DateKey(plan.day)
	log := d.logger().With("day", day)

	for id, err := range plan.failed {
		if _, planned := plan.states[id]; planned {
			continue
		}
		result.failed++
		d.Metrics.MemberFailed("accrual", metricReason(err))
		log.Warn("member skipped", "member_id", id, "error", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.Config.Workers)

	for _, unit := range plan.units() {
		if err := unitFailure(plan, unit); err != nil {
			result.failed += len(unit)
			for _, st := range unit {
				d.Metrics.MemberFailed("accrual", metricReason(err))
				log.Warn("member skipped", "member_id", st.MemberID(), "error", err)
			}
			continue
		}

		var changes []ledger.MemberChange
		for _, st := range unit {
			if st.Touched() {
				changes = append(changes, st.Change())
			}
		}
		if len(changes) == 0 {
			continue
		}

		g.Go(func() error {
			err := d.Store.Commit(ctx, changes...)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.members += len(unit)
				for _, c := range changes {
					result.invoices += len(c.EarnedInvoices)
				}
				d.committed(unit, changes)
			case ledger.IsRetryable(err):
				d.Metrics.CommitConflict()
				for _, st := range unit {
					result.conflicted[st.MemberID()] = true
				}
			default:
				result.failed += len(unit)
				for _, st := range unit {
					d.Metrics.MemberFailed("accrual", metricReason(err))
					log.Warn("commit failed", "member_id", st.MemberID(), "error", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func unitFailure(plan *dayPlan, unit []*State) error {
	for _, st := range unit {
		if err, failed := plan.failed[st.MemberID()]; failed {
			return fmt.Errorf("unit member %s: %w", st.MemberID(), err)
		}
	}
	return nil
}

// committed records metrics and sends notifications for a landed unit.
func (d *Driver) committed(unit []*State, changes []ledger.MemberChange) {
	for _, c := range changes {
		d.Metrics.InvoicesEarned(len(c.EarnedInvoices))
		for _, h := range c.TierHistoryCreates {
			d.Metrics.TierChanged(string(h.Type))
		}
		for _, p := range c.PointHistoryCreates {
			d.Metrics.PointsWritten(string(p.Type), p.Point)
		}
	}
	for _, st := range unit {
		if def, ok := st.UpgradedTo(); ok {
			d.send(st.Member(), "tier_upgraded", map[string]string{
				"tier_id":   string(def.ID),
				"tier_name": def.Name,
			})
		}
	}
}

func (d *Driver) send(member ledger.Member, template string, data map[string]string) {
	if d.Sender == nil {
		return
	}
	msg := notify.Message{Template: template, Data: data}
	switch {
	case member.Email != "":
		msg.Channel, msg.To = notify.ChannelEmail, member.Email
	case member.Phone != "":
		msg.Channel, msg.To = notify.ChannelSMS, member.Phone
	default:
		msg.Channel, msg.To = notify.ChannelPush, string(member.ID)
	}
	d.Sender.Send(msg)
}

func metricReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrUnknownTier):
		return "unknown_tier"
	case errors.Is(err, ledger.ErrInactiveMember):
		return "inactive"
	case ledger.IsNotFound(err):
		return "not_found"
	case ledger.IsRetryable(err):
		return "conflict"
	default:
		return "error"
	}
}
