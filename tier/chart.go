/*
Package tier implements the tier chart: the sorted table of spending
thresholds and reward rates every accrual decision is made against.

PURPOSE:
  A Chart is loaded once at process start and shared read-only by the accrual
  driver and the renewal sweep. Lookups after Load are pure.

KEY CONCEPTS:
  - Definition:     one tier row (order, threshold, rates)
  - Stats:          the current tier and the one directly above it
  - ComputeAccrual: applies one invoice aggregate to a member position and
                    decides upgrade vs. flat accumulation

THRESHOLDS:
  LimitSpending is the cumulative spending needed to reach a tier. The lowest
  tier is the "normal" tier new members start in. The highest tier has no
  upper bound; its Next is itself, so nothing upgrades past it.

EXCESS CARRY-OVER:
  When a cluster crosses a threshold, the part of the bucket above the new
  tier's LimitSpending becomes that tier's opening spending:

      chart [0, 1000, 5000], member at tier 0 with 800, cluster of 500
      -> currSpending 1300, upgrade to tier 1, excess 300

  so excess + candidate.LimitSpending == currSpending on every upgrade.

SEE ALSO:
  - accrual/driver.go: calls ComputeAccrual per cluster
  - renewal/sweep.go: uses Stats and Below for downgrades
  - factory/chart.go: parses definitions from JSON/YAML
*/
package tier

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/membership-engine/ledger"
)

// =============================================================================
// DEFINITIONS
// =============================================================================

// Definition is one immutable row of the chart. Rates are points per minor
// currency unit.
type Definition struct {
	ID            ledger.TierID
	Name          string
	Order         int
	LimitSpending int64
	PersonalRate  decimal.Decimal
	InitialRate   decimal.Decimal
	ReferralRate  decimal.Decimal
	BirthdayRatio decimal.Decimal
}

// RateKind selects which rate of a Definition an accrual uses.
type RateKind int

const (
	RatePersonal RateKind = iota
	RateInitial
	RateReferral
)

func (k RateKind) String() string {
	switch k {
	case RateInitial:
		return "initial"
	case RateReferral:
		return "referral"
	default:
		return "personal"
	}
}

// Rate returns the rate of the given kind.
func (d Definition) Rate(kind RateKind) decimal.Decimal {
	switch kind {
	case RateInitial:
		return d.InitialRate
	case RateReferral:
		return d.ReferralRate
	default:
		return d.PersonalRate
	}
}

// =============================================================================
// CHART
// =============================================================================

// Chart is the loaded, validated tier table sorted by Order.
type Chart struct {
	tiers []Definition
	index map[ledger.TierID]int
}

// Load validates and sorts the definitions.
func Load(defs []Definition) (*Chart, error) {
	if len(defs) < 2 {
		return nil, &ledger.InvalidChartError{Reason: fmt.Sprintf("need at least 2 tiers, got %d", len(defs))}
	}

	tiers := make([]Definition, len(defs))
	copy(tiers, defs)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Order < tiers[j].Order })

	index := make(map[ledger.TierID]int, len(tiers))
	for i, t := range tiers {
		if t.ID == "" {
			return nil, &ledger.InvalidChartError{Reason: fmt.Sprintf("tier at order %d has no id", t.Order)}
		}
		if _, dup := index[t.ID]; dup {
			return nil, &ledger.InvalidChartError{Reason: fmt.Sprintf("duplicate tier id %q", t.ID)}
		}
		if t.LimitSpending < 0 {
			return nil, &ledger.InvalidChartError{Reason: fmt.Sprintf("tier %q has negative limit spending", t.ID)}
		}
		if i > 0 {
			prev := tiers[i-1]
			if t.Order <= prev.Order {
				return nil, &ledger.InvalidChartError{Reason: fmt.Sprintf("order not strictly increasing at tier %q", t.ID)}
			}
			if t.LimitSpending <= prev.LimitSpending {
				return nil, &ledger.InvalidChartError{Reason: fmt.Sprintf("limit spending not strictly increasing at tier %q", t.ID)}
			}
		}
		if !t.BirthdayRatio.IsPositive() {
			return nil, &ledger.InvalidChartError{Reason: fmt.Sprintf("tier %q has non-positive birthday ratio", t.ID)}
		}
		index[t.ID] = i
	}

	return &Chart{tiers: tiers, index: index}, nil
}

// MustLoad is Load for static charts in tests and defaults.
func MustLoad(defs []Definition) *Chart {
	c, err := Load(defs)
	if err != nil {
		panic(err)
	}
	return c
}

// Tiers returns a copy of the sorted definitions.
func (c *Chart) Tiers() []Definition {
	out := make([]Definition, len(c.tiers))
	copy(out, c.tiers)
	return out
}

// NormalTier returns the lowest tier. New members start here.
func (c *Chart) NormalTier() Definition { return c.tiers[0] }

// TopTier returns the highest tier.
func (c *Chart) TopTier() Definition { return c.tiers[len(c.tiers)-1] }

// IsTop reports whether id is the highest tier.
func (c *Chart) IsTop(id ledger.TierID) bool { return c.TopTier().ID == id }

// Info looks up a tier by id.
func (c *Chart) Info(id ledger.TierID) (Definition, error) {
	i, ok := c.index[id]
	if !ok {
		return Definition{}, &ledger.UnknownTierError{TierID: id}
	}
	return c.tiers[i], nil
}

// Stats is a tier and the tier directly above it.
// For the top tier Next == Curr.
type Stats struct {
	Curr Definition
	Next Definition
}

// CanUpgrade reports whether a higher tier exists.
func (s Stats) CanUpgrade() bool { return s.Next.ID != s.Curr.ID }

func (c *Chart) Stats(id ledger.TierID) (Stats, error) {
	i, ok := c.index[id]
	if !ok {
		return Stats{}, &ledger.UnknownTierError{TierID: id}
	}
	next := i
	if i+1 < len(c.tiers) {
		next = i + 1
	}
	return Stats{Curr: c.tiers[i], Next: c.tiers[next]}, nil
}

// Below returns the tier one step under id, but never below floor and never
// above id.
// An empty floor means the normal tier.
func (c *Chart) Below(id, floor ledger.TierID) (Definition, error) {
	i, ok := c.index[id]
	if !ok {
		return Definition{}, &ledger.UnknownTierError{TierID: id}
	}
	lowest := 0
	if floor != "" {
		f, ok := c.index[floor]
		if !ok {
			return Definition{}, &ledger.UnknownTierError{TierID: floor}
		}
		lowest = f
	}
	target := min(max(i-1, lowest, 0), i)
	return c.tiers[target], nil
}

// =============================================================================
// ACCRUAL
// =============================================================================

// Basis selects which spending bucket an aggregate accumulates into.
type Basis int

const (
	BasisPersonal Basis = iota
	BasisReferral
)

// Position is the part of a member snapshot the chart needs.
type Position struct {
	TierID           ledger.TierID
	PersonalSpending int64
	ReferralSpending int64
	MaximumSpending  int64
}

// Aggregate is the sum of one invoice cluster.
type Aggregate struct {
	TotalAmount int64
	UsageAmount int64
	InvoiceIDs  []ledger.InvoiceID
}

// TierData describes the tier outcome of one accrual.
//   - Info: the tier the member held before the accrual
//   - Curr: the tier after the accrual (Info when nothing changed)
//   - Next: the tier above Curr
type TierData struct {
	Info Definition
	Curr Definition
	Next Definition
}

// IsUpgrade reports whether the accrual moved the member up.
func (d TierData) IsUpgrade() bool { return d.Curr.Order > d.Info.Order }

// TierValue holds the spending figures of one accrual.
//   - CurrAmount:   bucket value after adding UsageAmount
//   - ExcessAmount: part of CurrAmount above Curr.LimitSpending on upgrade, else 0
type TierValue struct {
	UsageAmount  int64
	CurrAmount   int64
	ExcessAmount int64
	TotalAmount  int64
}

// PreThreshold is the usage earned at the old tier's rate.
func (v TierValue) PreThreshold() int64 { return max(v.UsageAmount-v.ExcessAmount, 0) }

// PostThreshold is the usage earned at the new tier's rate.
func (v TierValue) PostThreshold() int64 { return min(v.ExcessAmount, v.UsageAmount) }

type AccrualResult struct {
	TierData   TierData
	TierValue  TierValue
	InvoiceIDs []ledger.InvoiceID
}

// ComputeAccrual adds an aggregate to the chosen bucket and finds the highest
// tier reachable from the current one. Tiers never move down here.
func (c *Chart) ComputeAccrual(pos Position, agg Aggregate, basis Basis) (AccrualResult, error) {
	i, ok := c.index[pos.TierID]
	if !ok {
		return AccrualResult{}, &ledger.UnknownTierError{TierID: pos.TierID}
	}

	usage := max(agg.UsageAmount, 0)
	bucket := pos.PersonalSpending
	if basis == BasisReferral {
		bucket = pos.ReferralSpending
	}
	curr := bucket + usage
	reach := max(curr, pos.MaximumSpending)

	candidate := i
	for j := i + 1; j < len(c.tiers); j++ {
		if c.tiers[j].LimitSpending > reach {
			break
		}
		candidate = j
	}

	value := TierValue{
		UsageAmount: usage,
		CurrAmount:  curr,
		TotalAmount: agg.TotalAmount,
	}
	if candidate > i {
		value.ExcessAmount = max(curr-c.tiers[candidate].LimitSpending, 0)
	}

	next := candidate
	if candidate+1 < len(c.tiers) {
		next = candidate + 1
	}

	return AccrualResult{
		TierData: TierData{
			Info: c.tiers[i],
			Curr: c.tiers[candidate],
			Next: c.tiers[next],
		},
		TierValue:  value,
		InvoiceIDs: agg.InvoiceIDs,
	}, nil
}

// =============================================================================
// POINT ARITHMETIC
// =============================================================================

var half = decimal.New(5, -1)

// Round rounds to the nearest whole point, halves up.
func Round(d decimal.Decimal) int64 {
	return d.Add(half).Floor().IntPart()
}

// Points converts an amount to points at rate, scaled by ratio.
func Points(amount int64, rate, ratio decimal.Decimal) int64 {
	if amount <= 0 {
		return 0
	}
	return Round(decimal.NewFromInt(amount).Mul(rate).Mul(ratio))
}
