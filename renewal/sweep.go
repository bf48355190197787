/*
Package renewal closes expired tier periods.

PURPOSE:
  Accrual only ever moves members up. Once a year-long tier period expires,
  this sweep decides whether the member kept the tier (RENEWAL) or drops one
  step (DOWNGRADE), never below the member's minimum tier.

RULES:
  - maximumSpending = max(personalSpending, referralSpending, 0) of the
    expired row
  - renewal iff maximumSpending >= current tier's limitSpending
  - the new row starts with both spending buckets at 0
  - RENEWAL expires at the end of the following calendar year
  - DOWNGRADE expires one year after the old expiry, or never when it lands
    on the normal tier
  - a downgrade blocked by the minimum tier is written as a RENEWAL

SEE ALSO:
  - accrual/state.go: State closes the old row and opens the new one
  - ledger/store.go: ExpiredTierHistories paging
*/
package renewal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/membership-engine/accrual"
	"github.com/warp/membership-engine/ledger"
	"github.com/warp/membership-engine/metrics"
	"github.com/warp/membership-engine/tier"
)

const DefaultBatchSize = 500

// Sweeper runs the tier renewal sweep.
type Sweeper struct {
	Store     ledger.Store
	Chart     *tier.Chart
	BatchSize int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func NewSweeper(store ledger.Store, chart *tier.Chart) *Sweeper {
	return &Sweeper{
		Store:     store,
		Chart:     chart,
		BatchSize: DefaultBatchSize,
		Logger:    slog.Default().With("component", "renewal"),
	}
}

// Summary reports one sweep.
type Summary struct {
	Renewed    int
	Downgraded int
	Skipped    int // row replaced after the page was read
	Failed     int
}

// Outcome is the decision for one expired tier period.
type Outcome struct {
	Type   ledger.TierHistoryType
	Tier   tier.Definition
	Expiry *time.Time
}

// Decide classifies an expired row against the chart.
func Decide(chart *tier.Chart, row ledger.TierHistory, minTier ledger.TierID) (Outcome, error) {
	curr, err := chart.Info(row.CurrTierID)
	if err != nil {
		return Outcome{}, err
	}
	normal := chart.NormalTier()

	if row.MaximumSpending() >= curr.LimitSpending {
		return Outcome{Type: ledger.TierRenewal, Tier: curr, Expiry: renewalExpiry(row, curr, normal)}, nil
	}

	target, err := chart.Below(curr.ID, minTier)
	if err != nil {
		return Outcome{}, err
	}
	if target.ID == curr.ID {
		return Outcome{Type: ledger.TierRenewal, Tier: curr, Expiry: renewalExpiry(row, curr, normal)}, nil
	}

	var expiry *time.Time
	if target.ID != normal.ID && row.ExpiryDate != nil {
		expiry = ledger.TimePtr(row.ExpiryDate.AddDate(1, 0, 0))
	}
	return Outcome{Type: ledger.TierDowngrade, Tier: target, Expiry: expiry}, nil
}

func renewalExpiry(row ledger.TierHistory, curr, normal tier.Definition) *time.Time {
	if curr.ID == normal.ID || row.ExpiryDate == nil {
		return nil
	}
	return ledger.TimePtr(ledger.EndOfYear(row.ExpiryDate.Year() + 1))
}

// ResetMemberTier processes every active tier-history row that expired on or
// before asOf, one member per transaction. Failures are logged and skipped.
func (s *Sweeper) ResetMemberTier(ctx context.Context, asOf time.Time) (summary Summary, err error) {
	defer s.Metrics.ObservePass("renew_tiers", time.Now(), &err)
	if s.Chart == nil {
		return summary, &ledger.InvalidChartError{Reason: "no tier chart loaded"}
	}
	log := s.logger().With("sweep", "renew_tiers", "as_of", asOf)
	limit := s.BatchSize
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	var after ledger.HistoryID
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		rows, err := s.Store.ExpiredTierHistories(ctx, asOf, after, limit)
		if err != nil {
			return summary, fmt.Errorf("load expired tier histories: %w", err)
		}
		for _, row := range rows {
			after = row.ID
			outcome, applied, err := s.resetOne(ctx, row, asOf)
			if err != nil {
				summary.Failed++
				s.Metrics.MemberFailed("renew_tiers", "error")
				log.Warn("tier reset failed", "member_id", row.MemberID, "row_id", row.ID, "error", err)
				continue
			}
			if !applied {
				summary.Skipped++
				log.Debug("tier row no longer active", "member_id", row.MemberID, "row_id", row.ID)
				continue
			}
			if outcome.Type == ledger.TierDowngrade {
				summary.Downgraded++
			} else {
				summary.Renewed++
			}
			s.Metrics.TierChanged(string(outcome.Type))
		}
		if len(rows) < limit {
			break
		}
	}

	s.Metrics.SweepRows("renew_tiers", summary.Renewed+summary.Downgraded)
	log.Info("sweep finished", "renewed", summary.Renewed, "downgraded", summary.Downgraded, "skipped", summary.Skipped, "failed", summary.Failed)
	return summary, nil
}

// resetOne closes one expired row. The change is rebuilt from fresh reads once
// when the commit conflicts. It reports false without writing when the row is
// no longer the member's active row.
func (s *Sweeper) resetOne(ctx context.Context, row ledger.TierHistory, asOf time.Time) (Outcome, bool, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var (
			outcome Outcome
			change  *ledger.MemberChange
		)
		outcome, change, err = s.plan(ctx, row.MemberID, row.ID, asOf)
		if err != nil || change == nil {
			return outcome, false, err
		}
		err = s.Store.Commit(ctx, *change)
		if err == nil {
			return outcome, true, nil
		}
		if !ledger.IsRetryable(err) {
			return Outcome{}, false, err
		}
		s.Metrics.CommitConflict()
	}
	return Outcome{}, false, err
}

// plan reads the member and its active row and builds the renewal change.
// It returns a nil change when rowID is no longer the active row.
func (s *Sweeper) plan(ctx context.Context, memberID ledger.MemberID, rowID ledger.HistoryID, asOf time.Time) (Outcome, *ledger.MemberChange, error) {
	active, err := s.Store.ActiveTierHistory(ctx, memberID)
	if err != nil {
		return Outcome{}, nil, err
	}
	if active == nil || active.ID != rowID {
		return Outcome{}, nil, nil
	}
	member, err := s.Store.GetMember(ctx, memberID)
	if err != nil {
		return Outcome{}, nil, err
	}
	floor := active.MinTierID
	if floor == "" {
		floor = member.MinTierID
	}
	outcome, err := Decide(s.Chart, *active, floor)
	if err != nil {
		return Outcome{}, nil, err
	}
	stats, err := s.Chart.Stats(outcome.Tier.ID)
	if err != nil {
		return Outcome{}, nil, err
	}

	st := accrual.NewState(*member, active)
	st.AddTierHistory(ledger.TierHistory{
		PrevTierID:      active.CurrTierID,
		CurrTierID:      outcome.Tier.ID,
		MinTierID:       floor,
		Type:            outcome.Type,
		RenewalSpending: outcome.Tier.LimitSpending,
		UpgradeSpending: stats.Next.LimitSpending,
		ExpiryDate:      outcome.Expiry,
		CreatedAt:       asOf,
	})
	st.SetTier(outcome.Tier.ID, outcome.Expiry)
	st.SetSpending(0, 0)

	change := st.Change()
	return outcome, &change, nil
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
