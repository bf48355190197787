// Package metrics exposes Prometheus collectors for the batch passes.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "membership"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing,
// so engine components can be built without a registry in tests.
type Metrics struct {
	invoicesEarned  prometheus.Counter
	memberFailures  *prometheus.CounterVec
	tierChanges     *prometheus.CounterVec
	pointsIssued    *prometheus.CounterVec
	sweepRows       *prometheus.CounterVec
	passDuration    *prometheus.HistogramVec
	commitConflicts prometheus.Counter
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns metrics registered with the global Prometheus registry.
// Collectors are created once to avoid duplicate registration panics.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew registers a fresh set of collectors with reg and panics on a
// registration error, like promauto.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		invoicesEarned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "accrual",
			Name:      "invoices_earned_total",
			Help:      "Invoices consumed by accrual and marked earned.",
		}),
		memberFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "accrual",
			Name:      "member_failures_total",
			Help:      "Member units skipped by a batch pass.",
		}, []string{"pass", "reason"}),
		tierChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tier",
			Name:      "changes_total",
			Help:      "Tier-history rows written, by type.",
		}, []string{"type"}),
		pointsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "points",
			Name:      "points_total",
			Help:      "Absolute points written to the point ledger, by row type.",
		}, []string{"type"}),
		sweepRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "rows_total",
			Help:      "Rows processed by daily sweeps.",
		}, []string{"sweep"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "pass_duration_seconds",
			Help:      "Duration of one batch pass.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pass", "status"}),
		commitConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "commit_conflicts_total",
			Help:      "Commits rejected by the optimistic version check.",
		}),
	}
	reg.MustRegister(
		m.invoicesEarned,
		m.memberFailures,
		m.tierChanges,
		m.pointsIssued,
		m.sweepRows,
		m.passDuration,
		m.commitConflicts,
	)
	return m
}

func (m *Metrics) InvoicesEarned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.invoicesEarned.Add(float64(n))
}

func (m *Metrics) MemberFailed(pass, reason string) {
	if m == nil {
		return
	}
	m.memberFailures.WithLabelValues(pass, reason).Inc()
}

func (m *Metrics) TierChanged(typ string) {
	if m == nil {
		return
	}
	m.tierChanges.WithLabelValues(typ).Inc()
}

func (m *Metrics) PointsWritten(typ string, points int64) {
	if m == nil || points == 0 {
		return
	}
	if points < 0 {
		points = -points
	}
	m.pointsIssued.WithLabelValues(typ).Add(float64(points))
}

func (m *Metrics) SweepRows(sweep string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepRows.WithLabelValues(sweep).Add(float64(n))
}

func (m *Metrics) CommitConflict() {
	if m == nil {
		return
	}
	m.commitConflicts.Inc()
}

// ObservePass records a pass duration. Use with defer:
//
//	defer m.ObservePass("accrual", time.Now(), &err)
func (m *Metrics) ObservePass(pass string, start time.Time, err *error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil && *err != nil {
		status = "error"
	}
	m.passDuration.WithLabelValues(pass, status).Observe(time.Since(start).Seconds())
}
