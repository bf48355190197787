/*
Package ledger defines the membership ledger data model and its persistence boundary.

PURPOSE:
  Every other package in the engine speaks in these types. The tier chart,
  the accrual driver, the point lifecycle manager and the renewal sweep never
  touch a database directly; they read and write through the Store interface
  declared in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Member:        scalar ledger fields of one member (tier, spending, points)
  - Invoice:       a paid purchase that feeds accrual
  - TierHistory:   audit row of a tier period (INITIAL, UPGRADE, RENEWAL, DOWNGRADE)
  - PointHistory:  signed point ledger entry (REWARD, REFER, PURCHASE, EXPIRY, SYSTEM)
  - SlipCounter:   per (type, date key) monotonic sequence

DESIGN PRINCIPLES:
  1. Money and points are int64 minor units. No floating point.
  2. History rows are append-only audit records; only the isActive / isDeleted
     flags ever flip after creation.
  3. Exactly one TierHistory row per member is active at a time.

SEE ALSO:
  - store.go: Store interface and MemberChange
  - errors.go: error taxonomy
  - time.go: day arithmetic used for cutoffs and expiry
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type InvoiceID string
type TierID string
type HistoryID string

// =============================================================================
// MEMBER
// =============================================================================

type MemberStatus string

const (
	MemberActive   MemberStatus = "active"
	MemberInactive MemberStatus = "inactive"
)

// Member holds the ledger-relevant fields of a member account.
// Version is bumped on every committed write and used for optimistic locking.
type Member struct {
	ID          MemberID
	Name        string
	Email       string
	Phone       string
	Code        string // own referral code
	InvitedCode string // referral code of whoever invited this member
	Status      MemberStatus
	BirthDate   *time.Time

	TierID           TierID
	MinTierID        TierID
	PersonalSpending int64
	ReferralSpending int64
	MaximumSpending  int64
	PointBalance     int64
	TierExpiryDate   *time.Time

	HasFirstPurchased  bool
	HasBirthPurchased  bool
	BirthPurchasedAt   *time.Time // issue time of the last birth-month purchase
	HasDiamondAchieved bool

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the member participates in accrual.
func (m Member) IsActive() bool { return m.Status == MemberActive }

// IsBirthMonth reports whether t falls in the member's birth month.
func (m Member) IsBirthMonth(t time.Time) bool {
	return m.BirthDate != nil && m.BirthDate.Month() == t.Month()
}

// BirthdayBonusDue reports whether a purchase at t earns the birthday ratio:
// t is in the birth month and no purchase claimed the bonus in t's year.
func (m Member) BirthdayBonusDue(t time.Time) bool {
	if !m.IsBirthMonth(t) {
		return false
	}
	if !m.HasBirthPurchased || m.BirthPurchasedAt == nil {
		return true
	}
	return m.BirthPurchasedAt.Year() != t.Year()
}

// =============================================================================
// INVOICE
// =============================================================================

type OrderSource string

const (
	SourceSystem OrderSource = "SYSTEM"
	SourcePOS    OrderSource = "POS"
	SourceApp    OrderSource = "APP"
	SourceWeb    OrderSource = "WEB"
)

// IsSelfService reports whether the order was placed by the member without staff.
// Self-service first purchases wait out the first-transaction window.
func (s OrderSource) IsSelfService() bool {
	return s == SourceApp || s == SourceWeb
}

type PaymentStatus string

const (
	PaymentUnpaid    PaymentStatus = "UNPAID"
	PaymentPartial   PaymentStatus = "PARTIAL"
	PaymentPaid      PaymentStatus = "PAID"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

// Invoice is a purchase record. UsageAmount is the part of TotalAmount that
// counts toward tier spending and point accrual.
type Invoice struct {
	ID          InvoiceID
	Code        string
	MemberID    MemberID
	Source      OrderSource
	Status      PaymentStatus
	TotalAmount int64
	UsageAmount int64
	IsEarned    bool
	IssuedAt    time.Time
	CreatedAt   time.Time
}

// =============================================================================
// TIER HISTORY
// =============================================================================

type TierHistoryType string

const (
	TierInitial   TierHistoryType = "INITIAL"
	TierUpgrade   TierHistoryType = "UPGRADE"
	TierRenewal   TierHistoryType = "RENEWAL"
	TierDowngrade TierHistoryType = "DOWNGRADE"
)

// TierHistory is one tier period of a member.
type TierHistory struct {
	ID               HistoryID
	MemberID         MemberID
	PrevTierID       TierID
	CurrTierID       TierID
	MinTierID        TierID
	Type             TierHistoryType
	PersonalSpending int64
	ReferralSpending int64
	ExcessSpending   int64
	RenewalSpending  int64 // current tier threshold
	UpgradeSpending  int64 // next tier threshold
	ExpiryDate       *time.Time
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MaximumSpending is the larger of the two spending buckets, never negative.
func (h TierHistory) MaximumSpending() int64 {
	return max(h.PersonalSpending, h.ReferralSpending, 0)
}

// =============================================================================
// POINT HISTORY
// =============================================================================

type PointHistoryType string

const (
	PointReward   PointHistoryType = "REWARD"
	PointRefer    PointHistoryType = "REFER"
	PointPurchase PointHistoryType = "PURCHASE"
	PointExpiry   PointHistoryType = "EXPIRY"
	PointSystem   PointHistoryType = "SYSTEM"
)

// PointHistory is a signed point ledger entry. Point > 0 is earned, < 0 deducted.
// PointBalance is the running member balance right after this entry.
type PointHistory struct {
	ID            HistoryID
	MemberID      MemberID
	TierID        TierID
	Type          PointHistoryType
	InvoiceID     InvoiceID
	InvoiceAmount int64
	Point         int64
	PointBalance  int64
	MultipleRatio decimal.Decimal
	Reason        string
	IsFirst       bool
	IsBirth       bool
	IsPending     bool
	IsDeleted     bool
	ExpiryDate    *time.Time
	ReleaseDate   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CountsAt reports whether the row contributes to the spendable balance at asOf.
// A nil expiry date never expires.
func (p PointHistory) CountsAt(asOf time.Time) bool {
	if p.IsDeleted || p.IsPending {
		return false
	}
	if p.CreatedAt.After(asOf) {
		return false
	}
	return p.ExpiryDate == nil || !p.ExpiryDate.Before(asOf)
}

// PointGroup is the summed point value of rows sharing one expiry date.
// A nil Date groups the rows that never expire; it sorts after every dated group.
type PointGroup struct {
	Date  *time.Time
	Point int64
}

// =============================================================================
// SLIP COUNTER
// =============================================================================

type SlipType string

const (
	SlipInvoice SlipType = "INV"
	SlipOrder   SlipType = "ORD"
	SlipMember  SlipType = "MEM"
)

// SlipCounter is the persisted state behind human-readable sequence codes.
type SlipCounter struct {
	Type     SlipType
	DateKey  string
	Sequence int64
}
