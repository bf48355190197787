// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/warp/membership-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	members  map[ledger.MemberID]ledger.Member
	invoices map[ledger.InvoiceID]ledger.Invoice
	tiers    []ledger.TierHistory
	points   []ledger.PointHistory
	slips    map[slipKey]int64

	// Now stamps CreatedAt/UpdatedAt on rows that arrive without one.
	Now func() time.Time
}

type slipKey struct {
	Type    ledger.SlipType
	DateKey string
}

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		members:  make(map[ledger.MemberID]ledger.Member),
		invoices: make(map[ledger.InvoiceID]ledger.Invoice),
		slips:    make(map[slipKey]int64),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// PutMember inserts or replaces a member without a version check. Test seeding only.
func (m *Memory) PutMember(member ledger.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[member.ID] = member
}

// PutTierHistory appends a tier-history row without validation. Test seeding only.
func (m *Memory) PutTierHistory(h ledger.TierHistory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers = append(m.tiers, h)
}

// PutPointHistory appends a point-history row without validation. Test seeding only.
func (m *Memory) PutPointHistory(p ledger.PointHistory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, p)
}

// =============================================================================
// MEMBERS & INVOICES
// =============================================================================

func (m *Memory) GetMember(_ context.Context, id ledger.MemberID) (*ledger.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[id]
	if !ok {
		return nil, ledger.ErrMemberNotFound
	}
	return &member, nil
}

func (m *Memory) GetMemberByCode(_ context.Context, code string) (*ledger.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, member := range m.members {
		if member.Code != "" && member.Code == code {
			return &member, nil
		}
	}
	return nil, ledger.ErrMemberNotFound
}

func (m *Memory) SaveInvoice(_ context.Context, inv ledger.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = m.Now()
	}
	m.invoices[inv.ID] = inv
	return nil
}

func (m *Memory) GetInvoice(_ context.Context, id ledger.InvoiceID) (*ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ledger.ErrInvoiceNotFound
	}
	return &inv, nil
}

func (m *Memory) EligibleInvoices(_ context.Context, q ledger.InvoiceQuery) ([]ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Invoice
	for _, inv := range m.invoices {
		owner, ok := m.members[inv.MemberID]
		if !ok || !q.Matches(inv, owner) {
			continue
		}
		result = append(result, inv)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].IssuedAt.Equal(result[j].IssuedAt) {
			return result[i].IssuedAt.Before(result[j].IssuedAt)
		}
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// =============================================================================
// TIER HISTORY
// =============================================================================

func (m *Memory) ActiveTierHistory(_ context.Context, memberID ledger.MemberID) (*ledger.TierHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.tiers {
		if h.MemberID == memberID && h.IsActive {
			return &h, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListTierHistory(_ context.Context, memberID ledger.MemberID) ([]ledger.TierHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Filter(m.tiers, func(h ledger.TierHistory, _ int) bool {
		return h.MemberID == memberID
	}), nil
}

func (m *Memory) ExpiredTierHistories(_ context.Context, asOf time.Time, after ledger.HistoryID, limit int) ([]ledger.TierHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := lo.Filter(m.tiers, func(h ledger.TierHistory, _ int) bool {
		if !h.IsActive || h.ExpiryDate == nil || h.ExpiryDate.After(asOf) || h.ID <= after {
			return false
		}
		member, ok := m.members[h.MemberID]
		return ok && member.IsActive()
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return lo.Subset(rows, 0, uint(limit)), nil
}

// =============================================================================
// POINT HISTORY
// =============================================================================

func (m *Memory) ListPointHistory(_ context.Context, memberID ledger.MemberID) ([]ledger.PointHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Filter(m.points, func(p ledger.PointHistory, _ int) bool {
		return p.MemberID == memberID
	}), nil
}

func (m *Memory) PointBalance(_ context.Context, memberID ledger.MemberID, asOf time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.SumBy(m.points, func(p ledger.PointHistory) int64 {
		if p.MemberID != memberID || !p.CountsAt(asOf) {
			return 0
		}
		return p.Point
	}), nil
}

func (m *Memory) PointGroups(_ context.Context, memberID ledger.MemberID, asOf time.Time, take int) ([]ledger.PointGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type group struct {
		ledger.PointGroup
		first time.Time
	}
	byDate := make(map[int64]*group)
	var order []*group
	for _, p := range m.points {
		if p.MemberID != memberID || p.IsDeleted || p.IsPending {
			continue
		}
		if p.ExpiryDate != nil && p.ExpiryDate.Before(asOf) {
			continue
		}
		k := int64(-1)
		if p.ExpiryDate != nil {
			k = p.ExpiryDate.UnixMilli()
		}
		g, ok := byDate[k]
		if !ok {
			g = &group{PointGroup: ledger.PointGroup{Date: p.ExpiryDate}, first: p.CreatedAt}
			byDate[k] = g
			order = append(order, g)
		}
		g.Point += p.Point
		if p.CreatedAt.Before(g.first) {
			g.first = p.CreatedAt
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		switch {
		case a.Date == nil && b.Date == nil:
			return a.first.Before(b.first)
		case a.Date == nil:
			return false
		case b.Date == nil:
			return true
		case !a.Date.Equal(*b.Date):
			return a.Date.Before(*b.Date)
		}
		return a.first.Before(b.first)
	})

	var result []ledger.PointGroup
	for _, g := range order {
		if g.Point <= 0 {
			continue
		}
		result = append(result, g.PointGroup)
		if len(result) == take {
			break
		}
	}
	return result, nil
}

func (m *Memory) PendingPoints(_ context.Context, asOf time.Time, after ledger.HistoryID, limit int) ([]ledger.PointHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := lo.Filter(m.points, func(p ledger.PointHistory, _ int) bool {
		if !p.IsPending || p.IsDeleted || p.ReleaseDate == nil || p.ReleaseDate.After(asOf) || p.ID <= after {
			return false
		}
		member, ok := m.members[p.MemberID]
		return ok && member.IsActive()
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return lo.Subset(rows, 0, uint(limit)), nil
}

func (m *Memory) ExpiringMembers(_ context.Context, asOf time.Time, after ledger.MemberID, limit int) ([]ledger.MemberID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := lo.Uniq(lo.FilterMap(m.points, func(p ledger.PointHistory, _ int) (ledger.MemberID, bool) {
		return p.MemberID, isExpiring(p, asOf) && p.MemberID > after
	}))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return lo.Subset(ids, 0, uint(limit)), nil
}

func (m *Memory) ExpiringPoints(_ context.Context, memberID ledger.MemberID, asOf time.Time) ([]ledger.PointHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Filter(m.points, func(p ledger.PointHistory, _ int) bool {
		return p.MemberID == memberID && isExpiring(p, asOf)
	}), nil
}

func isExpiring(p ledger.PointHistory, asOf time.Time) bool {
	return !p.IsDeleted && !p.IsPending && p.Type != ledger.PointExpiry &&
		p.ExpiryDate != nil && !p.ExpiryDate.After(asOf)
}

// =============================================================================
// ATOMIC COMMIT
// =============================================================================

// Commit applies all changes or none. Version checks run before any write.
func (m *Memory) Commit(_ context.Context, changes ...ledger.MemberChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range changes {
		current, exists := m.members[c.Member.ID]
		if c.IsNew {
			if exists {
				return &ledger.ConcurrentModificationError{MemberID: c.Member.ID, Expected: 0, Actual: current.Version}
			}
			continue
		}
		if !exists {
			return ledger.ErrMemberNotFound
		}
		if current.Version != c.Member.Version {
			return &ledger.ConcurrentModificationError{MemberID: c.Member.ID, Expected: c.Member.Version, Actual: current.Version}
		}
	}

	now := m.Now()
	for _, c := range changes {
		member := c.Member
		member.Version++
		member.UpdatedAt = now
		if c.IsNew && member.CreatedAt.IsZero() {
			member.CreatedAt = now
		}
		m.members[member.ID] = member

		for _, h := range c.TierHistoryUpdates {
			for i := range m.tiers {
				if m.tiers[i].ID == h.ID {
					h.UpdatedAt = now
					m.tiers[i] = h
				}
			}
		}
		for _, h := range c.TierHistoryCreates {
			if h.CreatedAt.IsZero() {
				h.CreatedAt = now
			}
			h.UpdatedAt = now
			m.tiers = append(m.tiers, h)
		}
		for _, id := range c.PointHistoryDeletes {
			for i := range m.points {
				if m.points[i].ID == id {
					m.points[i].IsDeleted = true
					m.points[i].UpdatedAt = now
				}
			}
		}
		for _, p := range c.PointHistoryCreates {
			if p.CreatedAt.IsZero() {
				p.CreatedAt = now
			}
			p.UpdatedAt = now
			m.points = append(m.points, p)
		}
		for _, id := range c.EarnedInvoices {
			if inv, ok := m.invoices[id]; ok {
				inv.IsEarned = true
				m.invoices[id] = inv
			}
		}
	}
	return nil
}

// NextSequence increments the counter for (typ, dateKey) under the store lock.
func (m *Memory) NextSequence(_ context.Context, typ ledger.SlipType, dateKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := slipKey{Type: typ, DateKey: dateKey}
	m.slips[k]++
	return m.slips[k], nil
}
