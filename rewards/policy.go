/*
Package rewards manages the lifecycle of member points once they are earned.

PURPOSE:
  Accrual (package accrual) decides how many points an invoice is worth. This
  package decides when those points become spendable, when they expire, which
  points a redemption consumes, and keeps the member balance in step with the
  point ledger.

KEY OPERATIONS:
  - Policy.ExpirationDate:   endOfDay(issuedAt) + TTL years, nil when TTL is 0
  - Manager.GetPointBalance: spendable balance as of a date
  - Manager.GetPointRecent:  expiry-date groups, soonest first
  - Manager.GetPointRecents: FIFO-by-expiry selection for a required amount
  - Manager.Spend / Adjust:  request-path deductions and manual grants
  - Manager.ReleaseMemberPoint / ResetMemberPoint: daily sweeps

BALANCE CONTRACT:
  The spendable balance as of D is the sum of Point over rows that are not
  deleted, not pending, created on or before D, and expire on or after D
  (or never). Member.PointBalance is kept equal to that sum as of "now".

SEE ALSO:
  - ledger/types.go: PointHistory.CountsAt
  - accrual/driver.go: creates REWARD / REFER rows with this Policy
*/
package rewards

import (
	"time"

	"github.com/warp/membership-engine/ledger"
)

// Policy holds the point timing rules.
type Policy struct {
	// TTLYears is how long earned points stay spendable. 0 means never expire.
	TTLYears int
	// ReleaseDays embargoes new rewards for this many days. 0 releases at once.
	ReleaseDays int
}

// DefaultPolicy expires points after one year and releases them immediately.
func DefaultPolicy() Policy {
	return Policy{TTLYears: 1}
}

// ExpirationDate is GetPointExpirationDate with the configured TTL.
func (p Policy) ExpirationDate(issuedAt time.Time) *time.Time {
	return ExpirationDate(issuedAt, p.TTLYears)
}

// ExpirationDate returns endOfDay(issuedAt) + ttlYears, or nil when ttlYears is 0.
func ExpirationDate(issuedAt time.Time, ttlYears int) *time.Time {
	if ttlYears <= 0 {
		return nil
	}
	return ledger.TimePtr(ledger.EndOfDay(issuedAt).AddDate(ttlYears, 0, 0))
}

// ReleaseDate returns when a reward issued at issuedAt becomes spendable, or
// nil when rewards are released immediately.
func (p Policy) ReleaseDate(issuedAt time.Time) *time.Time {
	if p.ReleaseDays <= 0 {
		return nil
	}
	return ledger.TimePtr(ledger.EndOfDay(issuedAt).AddDate(0, 0, p.ReleaseDays))
}
