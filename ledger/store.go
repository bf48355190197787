/*
store.go - Persistence boundary of the membership engine

PURPOSE:
  Defines the interface between the engine and the database. Engine packages
  only see Store; SQLite and in-memory implementations live elsewhere.

KEY INTERFACES:
  Store:        keyed reads, date-range invoice query, grouped point aggregates,
                keyset-paged sweep queries, atomic Commit, slip counter

ATOMIC COMMIT:
  Commit(ctx, changes...) writes every MemberChange in one database
  transaction: member scalar fields, tier-history creates and updates,
  point-history creates and soft deletes, invoice isEarned flags. Either all
  of it lands or none of it does. Each member row is guarded by its Version;
  a mismatch aborts the whole commit with ConcurrentModificationError.

PAGING:
  Sweep queries take an `after` cursor (the last id of the previous page) and a
  limit. Callers loop until a page returns fewer rows than the limit. Rows that
  fail to process stay behind the cursor, so a sweep always terminates.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - ledger/store/memory.go: in-memory for tests

SEE ALSO:
  - accrual/driver.go: builds MemberChange values from accrual state
  - rewards/manager.go, renewal/sweep.go: paged sweeps
*/
package ledger

import (
	"context"
	"time"
)

// InvoiceQuery selects the invoices one accrual day may consume.
//
// An invoice qualifies when it is PAID, not earned, issued and created on or
// before Cutoff, owned by an active member, and either the member has already
// made a first purchase, the invoice came from a staffed source, or it was
// created on or before SelfServiceCutoff.
type InvoiceQuery struct {
	Cutoff            time.Time
	SelfServiceCutoff time.Time
}

// Matches applies the query to one invoice and its owner. Stores that filter in
// memory use it directly; SQL stores mirror it in their WHERE clause.
func (q InvoiceQuery) Matches(inv Invoice, owner Member) bool {
	if inv.Status != PaymentPaid || inv.IsEarned || !owner.IsActive() {
		return false
	}
	if inv.IssuedAt.After(q.Cutoff) || inv.CreatedAt.After(q.Cutoff) {
		return false
	}
	if owner.HasFirstPurchased || !inv.Source.IsSelfService() {
		return true
	}
	return !inv.CreatedAt.After(q.SelfServiceCutoff)
}

// MemberChange is everything one member contributes to an atomic commit.
//
// Member carries the new scalar values with Version set to the version that was
// read. The store writes Version+1. IsNew inserts the member instead.
type MemberChange struct {
	Member              Member
	IsNew               bool
	TierHistoryCreates  []TierHistory
	TierHistoryUpdates  []TierHistory
	PointHistoryCreates []PointHistory
	PointHistoryDeletes []HistoryID
	EarnedInvoices      []InvoiceID
}

// IsEmpty reports whether the change writes nothing beyond the member row.
func (c MemberChange) IsEmpty() bool {
	return !c.IsNew &&
		len(c.TierHistoryCreates) == 0 &&
		len(c.TierHistoryUpdates) == 0 &&
		len(c.PointHistoryCreates) == 0 &&
		len(c.PointHistoryDeletes) == 0 &&
		len(c.EarnedInvoices) == 0
}

// Store handles persistence of the membership ledger.
type Store interface {
	// Members
	GetMember(ctx context.Context, id MemberID) (*Member, error)
	GetMemberByCode(ctx context.Context, code string) (*Member, error)

	// Invoices
	SaveInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	EligibleInvoices(ctx context.Context, q InvoiceQuery) ([]Invoice, error)

	// Tier history. ActiveTierHistory returns (nil, nil) when no row is open.
	ActiveTierHistory(ctx context.Context, memberID MemberID) (*TierHistory, error)
	ListTierHistory(ctx context.Context, memberID MemberID) ([]TierHistory, error)
	ExpiredTierHistories(ctx context.Context, asOf time.Time, after HistoryID, limit int) ([]TierHistory, error)

	// Point history
	ListPointHistory(ctx context.Context, memberID MemberID) ([]PointHistory, error)
	PointBalance(ctx context.Context, memberID MemberID, asOf time.Time) (int64, error)
	PointGroups(ctx context.Context, memberID MemberID, asOf time.Time, take int) ([]PointGroup, error)
	PendingPoints(ctx context.Context, asOf time.Time, after HistoryID, limit int) ([]PointHistory, error)
	ExpiringMembers(ctx context.Context, asOf time.Time, after MemberID, limit int) ([]MemberID, error)
	ExpiringPoints(ctx context.Context, memberID MemberID, asOf time.Time) ([]PointHistory, error)

	// Commit writes all changes atomically.
	Commit(ctx context.Context, changes ...MemberChange) error

	// NextSequence atomically increments and returns the counter for (typ, dateKey).
	// The first call for a key returns 1.
	NextSequence(ctx context.Context, typ SlipType, dateKey string) (int64, error)
}
