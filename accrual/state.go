/*
Package accrual turns paid invoices into tier progress and point rewards.

PURPOSE:
  The batch driver (driver.go) replays a day's invoices cluster by cluster
  against the tier chart. Each member touched that day gets one State: a
  mutable working copy of its ledger fields plus buffers of the history rows
  the day produces. Nothing reaches the store until the driver commits.

STATE LIFECYCLE:
  1. NewState wraps the persisted member and its open tier-history row
     (synthesizing an INITIAL row for members that never had one)
  2. The driver mutates it once per cluster (AddTierHistory, AddPointHistory,
     flag setters, spending and tier setters)
  3. Change() renders everything as a ledger.MemberChange for Store.Commit
  4. The State is dropped. It is never reused across days.

A State is not safe for concurrent use. One goroutine owns it per pass.

SEE ALSO:
  - driver.go: Driver.Run
  - cluster.go: invoice grouping
  - renewal/sweep.go: reuses State to close and open tier rows
*/
package accrual

import (
	"time"

	"github.com/warp/membership-engine/ledger"
	"github.com/warp/membership-engine/tier"
)

// State is the in-process accrual snapshot of one member for one pass.
type State struct {
	member  ledger.Member
	version int64

	open        *ledger.TierHistory
	openCreated bool // open row is one of tierCreates

	tierCreates []*ledger.TierHistory
	tierUpdates map[ledger.HistoryID]*ledger.TierHistory
	tierOrder   []ledger.HistoryID

	pointCreates []ledger.PointHistory
	pointDeletes []ledger.HistoryID
	earned       []ledger.InvoiceID

	referrer *State
	referees []*State

	upgradedTo *tier.Definition
	dirty      bool
}

// NewState wraps a persisted member. When open is nil an INITIAL row for the
// member's current tier is queued so the member has an active row after commit.
func NewState(member ledger.Member, open *ledger.TierHistory) *State {
	s := &State{
		member:      member,
		version:     member.Version,
		tierUpdates: make(map[ledger.HistoryID]*ledger.TierHistory),
	}
	if open != nil {
		row := *open
		s.open = &row
		return s
	}

	row := &ledger.TierHistory{
		ID:               ledger.NewHistoryID(),
		MemberID:         member.ID,
		PrevTierID:       member.TierID,
		CurrTierID:       member.TierID,
		MinTierID:        member.MinTierID,
		Type:             ledger.TierInitial,
		PersonalSpending: member.PersonalSpending,
		ReferralSpending: member.ReferralSpending,
		ExpiryDate:       member.TierExpiryDate,
		IsActive:         true,
	}
	s.tierCreates = append(s.tierCreates, row)
	s.open = row
	s.openCreated = true
	s.dirty = true
	return s
}

// Member returns a copy of the working member fields.
func (s *State) Member() ledger.Member { return s.member }

func (s *State) MemberID() ledger.MemberID { return s.member.ID }

// OpenTierHistory returns a copy of the currently open tier-history row.
// Pass the modified copy back to AddTierHistory to extend it in place.
func (s *State) OpenTierHistory() ledger.TierHistory { return *s.open }

// Position is the chart's view of the member.
func (s *State) Position() tier.Position {
	return tier.Position{
		TierID:           s.member.TierID,
		PersonalSpending: s.member.PersonalSpending,
		ReferralSpending: s.member.ReferralSpending,
		MaximumSpending:  s.member.MaximumSpending,
	}
}

// =============================================================================
// HISTORY BUFFERS
// =============================================================================

// AddTierHistory merges row into the open row when the ids match. Otherwise it
// closes the open row and makes row the new open row.
func (s *State) AddTierHistory(row ledger.TierHistory) *State {
	s.dirty = true
	row.MemberID = s.member.ID

	if row.ID != "" && row.ID == s.open.ID {
		row.IsActive = s.open.IsActive
		row.CreatedAt = s.open.CreatedAt
		*s.open = row
		if !s.openCreated {
			s.trackUpdate(s.open)
		}
		return s
	}

	s.open.IsActive = false
	if !s.openCreated {
		s.trackUpdate(s.open)
	}

	if row.ID == "" {
		row.ID = ledger.NewHistoryID()
	}
	row.IsActive = true
	created := &row
	s.tierCreates = append(s.tierCreates, created)
	s.open = created
	s.openCreated = true
	return s
}

func (s *State) trackUpdate(row *ledger.TierHistory) {
	if _, seen := s.tierUpdates[row.ID]; !seen {
		s.tierOrder = append(s.tierOrder, row.ID)
	}
	s.tierUpdates[row.ID] = row
}

// AddPointHistory appends a point row and advances the running balance.
// Pending rows are recorded but do not move the balance until released.
func (s *State) AddPointHistory(row ledger.PointHistory) *State {
	s.dirty = true
	row.MemberID = s.member.ID
	if row.ID == "" {
		row.ID = ledger.NewHistoryID()
	}
	if row.TierID == "" {
		row.TierID = s.member.TierID
	}
	if !row.IsPending {
		s.member.PointBalance += row.Point
	}
	row.PointBalance = s.member.PointBalance
	s.pointCreates = append(s.pointCreates, row)
	return s
}

// DeletePointHistory soft-deletes a persisted point row in the same commit.
func (s *State) DeletePointHistory(id ledger.HistoryID) *State {
	s.dirty = true
	s.pointDeletes = append(s.pointDeletes, id)
	return s
}

// PointHistories returns the point rows buffered so far.
func (s *State) PointHistories() []ledger.PointHistory {
	out := make([]ledger.PointHistory, len(s.pointCreates))
	copy(out, s.pointCreates)
	return out
}

// TierHistories returns the tier rows created so far.
func (s *State) TierHistories() []ledger.TierHistory {
	out := make([]ledger.TierHistory, 0, len(s.tierCreates))
	for _, h := range s.tierCreates {
		out = append(out, *h)
	}
	return out
}

// MarkEarned records invoices consumed by this member's accrual.
func (s *State) MarkEarned(ids ...ledger.InvoiceID) *State {
	if len(ids) > 0 {
		s.dirty = true
		s.earned = append(s.earned, ids...)
	}
	return s
}

// =============================================================================
// SCALAR SETTERS
// =============================================================================

// SetSpending replaces both buckets and recomputes the maximum.
func (s *State) SetSpending(personal, referral int64) *State {
	s.dirty = true
	s.member.PersonalSpending = personal
	s.member.ReferralSpending = referral
	s.member.MaximumSpending = max(personal, referral, 0)
	return s
}

// SetTier moves the member to a tier with a new tier expiry.
func (s *State) SetTier(id ledger.TierID, expiry *time.Time) *State {
	s.dirty = true
	s.member.TierID = id
	s.member.TierExpiryDate = expiry
	return s
}

// SetFirstPurchased is one-way.
func (s *State) SetFirstPurchased() *State {
	if !s.member.HasFirstPurchased {
		s.dirty = true
		s.member.HasFirstPurchased = true
	}
	return s
}

// SetBirthPurchased records a birth-month purchase issued at at. A nil at
// clears the flag.
func (s *State) SetBirthPurchased(at *time.Time) *State {
	if at == nil {
		if s.member.HasBirthPurchased {
			s.dirty = true
			s.member.HasBirthPurchased = false
		}
		return s
	}
	if !s.member.HasBirthPurchased || s.member.BirthPurchasedAt == nil || !s.member.BirthPurchasedAt.Equal(*at) {
		s.dirty = true
		s.member.HasBirthPurchased = true
		s.member.BirthPurchasedAt = ledger.TimePtr(*at)
	}
	return s
}

func (s *State) SetDiamondAchieved(v bool) *State {
	if s.member.HasDiamondAchieved != v {
		s.dirty = true
		s.member.HasDiamondAchieved = v
	}
	return s
}

func (s *State) markUpgrade(def tier.Definition) {
	s.upgradedTo = &def
}

// UpgradedTo returns the highest tier reached in this pass, if any.
func (s *State) UpgradedTo() (tier.Definition, bool) {
	if s.upgradedTo == nil {
		return tier.Definition{}, false
	}
	return *s.upgradedTo, true
}

// =============================================================================
// REFERRAL LINK
// =============================================================================
// The link only lives for one pass. It lets the driver commit a referee and
// its referrer together; it is not a persisted graph edge.

// AddRefereeData links child as a referee of s.
func (s *State) AddRefereeData(child *State) *State {
	if child.referrer == s {
		return s
	}
	child.referrer = s
	s.referees = append(s.referees, child)
	return s
}

// GetReferrerData returns the referrer linked in this pass, or nil.
func (s *State) GetReferrerData() *State { return s.referrer }

func (s *State) HasReferrer() bool { return s.referrer != nil }

// Referees returns the states linked to s as referees in this pass.
func (s *State) Referees() []*State { return s.referees }

// =============================================================================
// FLUSH
// =============================================================================

// Touched reports whether the state has anything to commit.
func (s *State) Touched() bool { return s.dirty }

// Change renders the buffered writes. Member.Version stays at the version read
// so the store can detect concurrent writers.
func (s *State) Change() ledger.MemberChange {
	member := s.member
	member.Version = s.version

	c := ledger.MemberChange{
		Member:              member,
		PointHistoryCreates: append([]ledger.PointHistory(nil), s.pointCreates...),
		PointHistoryDeletes: append([]ledger.HistoryID(nil), s.pointDeletes...),
		EarnedInvoices:      append([]ledger.InvoiceID(nil), s.earned...),
	}
	for _, id := range s.tierOrder {
		c.TierHistoryUpdates = append(c.TierHistoryUpdates, *s.tierUpdates[id])
	}
	for _, h := range s.tierCreates {
		c.TierHistoryCreates = append(c.TierHistoryCreates, *h)
	}
	return c
}
