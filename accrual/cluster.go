package accrual

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/warp/membership-engine/ledger"
	"github.com/warp/membership-engine/tier"
)

// ClusterKey identifies invoices issued on one day and created on one day.
// Invoices created on different physical days never share a cluster, even when
// they were issued the same day, so a re-run groups them identically.
type ClusterKey struct {
	IssuedDay  string
	CreatedDay string
}

// Cluster is a chronologically ordered group of same-key invoices.
type Cluster struct {
	Key      ClusterKey
	Invoices []ledger.Invoice
}

// Group splits invoices into clusters ordered by (issued day, created day).
// Inside a cluster invoices keep issue time order, then id.
func Group(invoices []ledger.Invoice) []Cluster {
	byKey := lo.GroupBy(invoices, func(inv ledger.Invoice) ClusterKey {
		return ClusterKey{
			IssuedDay:  ledger.DateKey(inv.IssuedAt),
			CreatedDay: ledger.DateKey(inv.CreatedAt),
		}
	})

	clusters := make([]Cluster, 0, len(byKey))
	for key, invs := range byKey {
		sort.SliceStable(invs, func(i, j int) bool {
			if !invs[i].IssuedAt.Equal(invs[j].IssuedAt) {
				return invs[i].IssuedAt.Before(invs[j].IssuedAt)
			}
			return invs[i].ID < invs[j].ID
		})
		clusters = append(clusters, Cluster{Key: key, Invoices: invs})
	}
	sort.Slice(clusters, func(i, j int) bool {
		a, b := clusters[i].Key, clusters[j].Key
		if a.IssuedDay != b.IssuedDay {
			return a.IssuedDay < b.IssuedDay
		}
		return a.CreatedDay < b.CreatedDay
	})
	return clusters
}

// MemberInvoices returns the cluster's invoices owned by memberID that are not
// in used.
func (c Cluster) MemberInvoices(memberID ledger.MemberID, used map[ledger.InvoiceID]bool) []ledger.Invoice {
	return lo.Filter(c.Invoices, func(inv ledger.Invoice, _ int) bool {
		return inv.MemberID == memberID && !used[inv.ID]
	})
}

// Aggregate sums invoices into one accrual input.
func Aggregate(invoices []ledger.Invoice) tier.Aggregate {
	return tier.Aggregate{
		TotalAmount: lo.SumBy(invoices, func(inv ledger.Invoice) int64 { return inv.TotalAmount }),
		UsageAmount: lo.SumBy(invoices, func(inv ledger.Invoice) int64 { return inv.UsageAmount }),
		InvoiceIDs:  lo.Map(invoices, func(inv ledger.Invoice, _ int) ledger.InvoiceID { return inv.ID }),
	}
}

// latestIssue is the effective time of an aggregate.
func latestIssue(invoices []ledger.Invoice) time.Time {
	return lo.MaxBy(invoices, func(a, b ledger.Invoice) bool {
		return a.IssuedAt.After(b.IssuedAt)
	}).IssuedAt
}
