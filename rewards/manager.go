package rewards

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/membership-engine/ledger"
	"github.com/warp/membership-engine/metrics"
)

// DefaultBatchSize is the page size of the daily sweeps.
const DefaultBatchSize = 500

// recentsStep is how many expiry groups GetPointRecents adds per round.
const recentsStep = 2

// Manager is the point lifecycle manager. It is safe for concurrent use; all
// state lives in the store.
type Manager struct {
	Store     ledger.Store
	Policy    Policy
	BatchSize int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

func NewManager(store ledger.Store, policy Policy) *Manager {
	return &Manager{
		Store:     store,
		Policy:    policy,
		BatchSize: DefaultBatchSize,
		Logger:    slog.Default().With("component", "rewards"),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

func (m *Manager) batchSize() int {
	if m.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return m.BatchSize
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now()
}

// =============================================================================
// QUERIES
// =============================================================================

// GetPointBalance returns the spendable balance as of asOf.
func (m *Manager) GetPointBalance(ctx context.Context, memberID ledger.MemberID, asOf time.Time) (int64, error) {
	return m.Store.PointBalance(ctx, memberID, asOf)
}

// GetPointRecent returns up to take positive expiry groups that are still
// valid at issuedAt, soonest expiry first.
func (m *Manager) GetPointRecent(ctx context.Context, memberID ledger.MemberID, issuedAt time.Time, take int) ([]ledger.PointGroup, error) {
	if take <= 0 {
		return nil, nil
	}
	return m.Store.PointGroups(ctx, memberID, issuedAt, take)
}

// GetPointRecents selects expiry groups oldest first until their sum covers
// required, trimming the last group to the exact remainder. When the member
// holds less than required it returns every group found; callers compare the
// total themselves.
func (m *Manager) GetPointRecents(ctx context.Context, memberID ledger.MemberID, required int64, asOf time.Time) ([]ledger.PointGroup, error) {
	if required <= 0 {
		return nil, nil
	}

	var groups []ledger.PointGroup
	for take := recentsStep; ; take += recentsStep {
		var err error
		groups, err = m.GetPointRecent(ctx, memberID, asOf, take)
		if err != nil {
			return nil, err
		}
		if len(groups) < take || sumGroups(groups) >= required {
			break
		}
	}

	var selected []ledger.PointGroup
	remaining := required
	for _, g := range groups {
		if remaining <= 0 {
			break
		}
		amount := min(g.Point, remaining)
		selected = append(selected, ledger.PointGroup{Date: g.Date, Point: amount})
		remaining -= amount
	}
	return selected, nil
}

func sumGroups(groups []ledger.PointGroup) int64 {
	var total int64
	for _, g := range groups {
		total += g.Point
	}
	return total
}

// =============================================================================
// REQUEST-PATH WRITES
// =============================================================================

// SpendRequest deducts points for a purchase.
type SpendRequest struct {
	MemberID  ledger.MemberID
	Points    int64
	InvoiceID ledger.InvoiceID
	Reason    string
	At        time.Time
}

// Spend deducts points FIFO by expiry. One PURCHASE row is written per expiry
// group consumed, carrying that group's expiry date, so the deduction leaves
// the ledger together with the points it consumed.
func (m *Manager) Spend(ctx context.Context, req SpendRequest) ([]ledger.PointHistory, error) {
	if req.Points <= 0 {
		return nil, fmt.Errorf("spend %d points: %w", req.Points, ledger.ErrInvalidAmount)
	}
	if req.At.IsZero() {
		req.At = m.now()
	}
	return m.deduct(ctx, req.MemberID, ledger.PointPurchase, req.Points, req.InvoiceID, req.Reason, req.At)
}

// AdjustRequest is a manual correction by an operator. Positive values grant
// points that expire under the normal policy; negative values deduct FIFO.
type AdjustRequest struct {
	MemberID ledger.MemberID
	Points   int64
	Reason   string
	At       time.Time
}

func (m *Manager) Adjust(ctx context.Context, req AdjustRequest) ([]ledger.PointHistory, error) {
	if req.Points == 0 {
		return nil, fmt.Errorf("adjust by 0 points: %w", ledger.ErrInvalidAmount)
	}
	if req.At.IsZero() {
		req.At = m.now()
	}
	if req.Points < 0 {
		return m.deduct(ctx, req.MemberID, ledger.PointSystem, -req.Points, "", req.Reason, req.At)
	}

	var written []ledger.PointHistory
	err := m.commitRetry(ctx, func() (ledger.MemberChange, error) {
		member, err := m.activeMember(ctx, req.MemberID)
		if err != nil {
			return ledger.MemberChange{}, err
		}
		member.PointBalance += req.Points
		row := ledger.PointHistory{
			ID:           ledger.NewHistoryID(),
			MemberID:     member.ID,
			TierID:       member.TierID,
			Type:         ledger.PointSystem,
			Point:        req.Points,
			PointBalance: member.PointBalance,
			Reason:       req.Reason,
			ExpiryDate:   m.Policy.ExpirationDate(req.At),
			CreatedAt:    req.At,
		}
		written = []ledger.PointHistory{row}
		return ledger.MemberChange{Member: *member, PointHistoryCreates: written}, nil
	})
	if err != nil {
		return nil, err
	}
	m.Metrics.PointsWritten(string(ledger.PointSystem), req.Points)
	return written, nil
}

func (m *Manager) deduct(ctx context.Context, memberID ledger.MemberID, typ ledger.PointHistoryType,
	points int64, invoiceID ledger.InvoiceID, reason string, at time.Time) ([]ledger.PointHistory, error) {

	var written []ledger.PointHistory
	err := m.commitRetry(ctx, func() (ledger.MemberChange, error) {
		member, err := m.activeMember(ctx, memberID)
		if err != nil {
			return ledger.MemberChange{}, err
		}
		groups, err := m.GetPointRecents(ctx, memberID, points, at)
		if err != nil {
			return ledger.MemberChange{}, err
		}
		if found := sumGroups(groups); found < points {
			return ledger.MemberChange{}, &ledger.InsufficientPointsError{
				MemberID:  memberID,
				Available: found,
				Required:  points,
			}
		}

		written = written[:0]
		for _, g := range groups {
			member.PointBalance -= g.Point
			written = append(written, ledger.PointHistory{
				ID:           ledger.NewHistoryID(),
				MemberID:     member.ID,
				TierID:       member.TierID,
				Type:         typ,
				InvoiceID:    invoiceID,
				Point:        -g.Point,
				PointBalance: member.PointBalance,
				Reason:       reason,
				ExpiryDate:   g.Date,
				CreatedAt:    at,
			})
		}
		return ledger.MemberChange{Member: *member, PointHistoryCreates: written}, nil
	})
	if err != nil {
		return nil, err
	}
	m.Metrics.PointsWritten(string(typ), points)
	return written, nil
}

func (m *Manager) activeMember(ctx context.Context, id ledger.MemberID) (*ledger.Member, error) {
	member, err := m.Store.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	if !member.IsActive() {
		return nil, fmt.Errorf("member %s: %w", id, ledger.ErrInactiveMember)
	}
	return member, nil
}

// commitRetry builds a change from fresh reads and commits it, rebuilding once
// when the member moved underneath.
func (m *Manager) commitRetry(ctx context.Context, build func() (ledger.MemberChange, error)) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var change ledger.MemberChange
		change, err = build()
		if err != nil {
			return err
		}
		err = m.Store.Commit(ctx, change)
		if !ledger.IsRetryable(err) {
			return err
		}
		m.Metrics.CommitConflict()
	}
	return err
}

// =============================================================================
// DAILY SWEEPS
// =============================================================================

// SweepSummary reports the outcome of one sweep.
type SweepSummary struct {
	Rows    int
	Members int
	Failed  int
	Points  int64
}

// ReleaseMemberPoint releases pending rewards whose release date is on or
// before asOf. Each pending row is replaced by a spendable copy and the member
// balance grows by its value.
func (m *Manager) ReleaseMemberPoint(ctx context.Context, asOf time.Time) (summary SweepSummary, err error) {
	defer m.Metrics.ObservePass("release_points", time.Now(), &err)
	log := m.logger().With("sweep", "release_points", "as_of", asOf)
	limit := m.batchSize()

	var after ledger.HistoryID
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		rows, err := m.Store.PendingPoints(ctx, asOf, after, limit)
		if err != nil {
			return summary, fmt.Errorf("load pending points: %w", err)
		}
		for _, row := range rows {
			after = row.ID
			if err := m.releaseOne(ctx, row, asOf); err != nil {
				summary.Failed++
				m.Metrics.MemberFailed("release_points", failureReason(err))
				log.Warn("release failed", "member_id", row.MemberID, "row_id", row.ID, "error", err)
				continue
			}
			summary.Rows++
			summary.Points += row.Point
		}
		if len(rows) < limit {
			break
		}
	}

	m.Metrics.SweepRows("release_points", summary.Rows)
	log.Info("sweep finished", "released", summary.Rows, "failed", summary.Failed, "points", summary.Points)
	return summary, nil
}

func (m *Manager) releaseOne(ctx context.Context, pending ledger.PointHistory, asOf time.Time) error {
	return m.commitRetry(ctx, func() (ledger.MemberChange, error) {
		member, err := m.Store.GetMember(ctx, pending.MemberID)
		if err != nil {
			return ledger.MemberChange{}, err
		}
		balance, err := m.Store.PointBalance(ctx, member.ID, asOf)
		if err != nil {
			return ledger.MemberChange{}, err
		}

		released := pending
		released.ID = ledger.NewHistoryID()
		released.IsPending = false
		released.PointBalance = balance + pending.Point
		released.CreatedAt = asOf
		released.UpdatedAt = time.Time{}

		member.PointBalance += pending.Point
		return ledger.MemberChange{
			Member:              *member,
			PointHistoryCreates: []ledger.PointHistory{released},
			PointHistoryDeletes: []ledger.HistoryID{pending.ID},
		}, nil
	})
}

// ResetMemberPoint expires every point row whose expiry date is on or before
// asOf. Per member it writes one EXPIRY row of the negated net total, soft
// deletes the source rows and lowers the member balance.
//
// The EXPIRY row is dated to expire just before it is created, so it is an
// audit record only and never counts toward a balance.
func (m *Manager) ResetMemberPoint(ctx context.Context, asOf time.Time) (summary SweepSummary, err error) {
	defer m.Metrics.ObservePass("expire_points", time.Now(), &err)
	log := m.logger().With("sweep", "expire_points", "as_of", asOf)
	limit := m.batchSize()

	var after ledger.MemberID
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		ids, err := m.Store.ExpiringMembers(ctx, asOf, after, limit)
		if err != nil {
			return summary, fmt.Errorf("load expiring members: %w", err)
		}
		for _, id := range ids {
			after = id
			rows, expired, err := m.expireMember(ctx, id, asOf)
			if err != nil {
				summary.Failed++
				m.Metrics.MemberFailed("expire_points", failureReason(err))
				log.Warn("expiry failed", "member_id", id, "error", err)
				continue
			}
			summary.Members++
			summary.Rows += rows
			summary.Points += expired
		}
		if len(ids) < limit {
			break
		}
	}

	m.Metrics.SweepRows("expire_points", summary.Rows)
	m.Metrics.PointsWritten(string(ledger.PointExpiry), summary.Points)
	log.Info("sweep finished", "members", summary.Members, "rows", summary.Rows,
		"failed", summary.Failed, "points", summary.Points)
	return summary, nil
}

func (m *Manager) expireMember(ctx context.Context, id ledger.MemberID, asOf time.Time) (int, int64, error) {
	var rows int
	var total int64
	err := m.commitRetry(ctx, func() (ledger.MemberChange, error) {
		member, err := m.Store.GetMember(ctx, id)
		if err != nil {
			return ledger.MemberChange{}, err
		}
		expiring, err := m.Store.ExpiringPoints(ctx, id, asOf)
		if err != nil {
			return ledger.MemberChange{}, err
		}

		rows, total = len(expiring), 0
		change := ledger.MemberChange{Member: *member}
		for _, p := range expiring {
			total += p.Point
			change.PointHistoryDeletes = append(change.PointHistoryDeletes, p.ID)
		}
		if total > 0 {
			change.Member.PointBalance -= total
			change.PointHistoryCreates = []ledger.PointHistory{{
				ID:           ledger.NewHistoryID(),
				MemberID:     member.ID,
				TierID:       member.TierID,
				Type:         ledger.PointExpiry,
				Point:        -total,
				PointBalance: change.Member.PointBalance,
				Reason:       "points expired",
				ExpiryDate:   ledger.TimePtr(asOf.Add(-time.Millisecond)),
				CreatedAt:    asOf,
			}}
		} else {
			total = 0
		}
		return change, nil
	})
	return rows, total, err
}

// failureReason is a low-cardinality metrics label for a per-member failure.
func failureReason(err error) string {
	switch {
	case ledger.IsRetryable(err):
		return "conflict"
	case ledger.IsNotFound(err):
		return "not_found"
	case ledger.IsClientError(err):
		return "rejected"
	default:
		return "error"
	}
}
