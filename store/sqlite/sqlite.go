/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists members, invoices, tier history, point history and slip counters.
  In production the same patterns apply to PostgreSQL with minor SQL dialect
  differences.

KEY TABLES:
  members:         scalar ledger fields + optimistic lock version
  invoices:        paid purchases feeding accrual (is_earned flag)
  tier_histories:  tier periods, at most one active row per member
  point_histories: signed point ledger, soft-deleted via is_deleted
  slip_counters:   (type, date_key) -> sequence

INDEXES:
  - idx_tier_histories_active: partial UNIQUE index, one active row per member
  - idx_invoices_eligible:     accrual day query (hot path)
  - idx_point_histories_member_expiry: balance and expiry-group queries
  - idx_point_histories_pending: release sweep

ATOMIC COMMIT:
  Commit runs every MemberChange in one SQL transaction. The member row is
  updated with `WHERE id = ? AND version = ?`; zero affected rows aborts the
  transaction with ConcurrentModificationError.

TIMES:
  Stored as fixed-width UTC text with millisecond precision, so string
  comparison in SQL orders the same as time comparison.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/membership.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Store interface
  - ledger/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/membership-engine/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	// Now stamps created_at/updated_at on rows that arrive without one.
	Now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database lives and dies with its connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, Now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		phone TEXT,
		code TEXT UNIQUE,
		invited_code TEXT,
		status TEXT NOT NULL,
		birth_date TEXT,
		tier_id TEXT NOT NULL,
		min_tier_id TEXT,
		personal_spending INTEGER NOT NULL DEFAULT 0,
		referral_spending INTEGER NOT NULL DEFAULT 0,
		maximum_spending INTEGER NOT NULL DEFAULT 0,
		point_balance INTEGER NOT NULL DEFAULT 0,
		tier_expiry_date TEXT,
		has_first_purchased INTEGER NOT NULL DEFAULT 0,
		has_birth_purchased INTEGER NOT NULL DEFAULT 0,
		birth_purchased_at TEXT,
		has_diamond_achieved INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		code TEXT,
		member_id TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		total_amount INTEGER NOT NULL,
		usage_amount INTEGER NOT NULL,
		is_earned INTEGER NOT NULL DEFAULT 0,
		issued_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_eligible
		ON invoices(status, is_earned, issued_at);
	CREATE INDEX IF NOT EXISTS idx_invoices_member
		ON invoices(member_id);

	CREATE TABLE IF NOT EXISTS tier_histories (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		prev_tier_id TEXT,
		curr_tier_id TEXT NOT NULL,
		min_tier_id TEXT,
		type TEXT NOT NULL,
		personal_spending INTEGER NOT NULL DEFAULT 0,
		referral_spending INTEGER NOT NULL DEFAULT 0,
		excess_spending INTEGER NOT NULL DEFAULT 0,
		renewal_spending INTEGER NOT NULL DEFAULT 0,
		upgrade_spending INTEGER NOT NULL DEFAULT 0,
		expiry_date TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Exactly one open tier period per member
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tier_histories_active
		ON tier_histories(member_id) WHERE is_active = 1;
	CREATE INDEX IF NOT EXISTS idx_tier_histories_expiry
		ON tier_histories(is_active, expiry_date);

	CREATE TABLE IF NOT EXISTS point_histories (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		tier_id TEXT,
		type TEXT NOT NULL,
		invoice_id TEXT,
		invoice_amount INTEGER NOT NULL DEFAULT 0,
		point INTEGER NOT NULL,
		point_balance INTEGER NOT NULL,
		multiple_ratio TEXT NOT NULL DEFAULT '1',
		reason TEXT,
		is_first INTEGER NOT NULL DEFAULT 0,
		is_birth INTEGER NOT NULL DEFAULT 0,
		is_pending INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		expiry_date TEXT,
		release_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_point_histories_member_expiry
		ON point_histories(member_id, is_deleted, is_pending, expiry_date);
	CREATE INDEX IF NOT EXISTS idx_point_histories_pending
		ON point_histories(is_pending, is_deleted, release_date);

	CREATE TABLE IF NOT EXISTS slip_counters (
		type TEXT NOT NULL,
		date_key TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		PRIMARY KEY (type, date_key)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// MEMBERS
// =============================================================================

const memberColumns = `
	id, name, email, phone, code, invited_code, status, birth_date,
	tier_id, min_tier_id, personal_spending, referral_spending, maximum_spending,
	point_balance, tier_expiry_date, has_first_purchased, has_birth_purchased,
	birth_purchased_at, has_diamond_achieved, version, created_at, updated_at`

func (s *Store) GetMember(ctx context.Context, id ledger.MemberID) (*ledger.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryMember(ctx, "SELECT "+memberColumns+" FROM members WHERE id = ?", id)
}

func (s *Store) GetMemberByCode(ctx context.Context, code string) (*ledger.Member, error) {
	if code == "" {
		return nil, ledger.ErrMemberNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryMember(ctx, "SELECT "+memberColumns+" FROM members WHERE code = ?", code)
}

func (s *Store) queryMember(ctx context.Context, query string, args ...any) (*ledger.Member, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return &m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMember(row scanner) (ledger.Member, error) {
	var (
		m                           ledger.Member
		email, phone, code, invited sql.NullString
		minTier                     sql.NullString
		birthDate, tierExpiry       sql.NullString
		birthBuyAt                  sql.NullString
		createdAt, updatedAt        string
		firstBuy, birthBuy, diamond bool
	)
	err := row.Scan(
		&m.ID, &m.Name, &email, &phone, &code, &invited, &m.Status, &birthDate,
		&m.TierID, &minTier, &m.PersonalSpending, &m.ReferralSpending, &m.MaximumSpending,
		&m.PointBalance, &tierExpiry, &firstBuy, &birthBuy,
		&birthBuyAt, &diamond, &m.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return m, err
	}
	m.Email = email.String
	m.Phone = phone.String
	m.Code = code.String
	m.InvitedCode = invited.String
	m.MinTierID = ledger.TierID(minTier.String)
	m.BirthDate = parseNullTime(birthDate)
	m.TierExpiryDate = parseNullTime(tierExpiry)
	m.HasFirstPurchased = firstBuy
	m.HasBirthPurchased = birthBuy
	m.BirthPurchasedAt = parseNullTime(birthBuyAt)
	m.HasDiamondAchieved = diamond
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `
	id, code, member_id, source, status, total_amount, usage_amount, is_earned,
	issued_at, created_at`

// SaveInvoice inserts or replaces an invoice.
func (s *Store) SaveInvoice(ctx context.Context, inv ledger.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = s.Now()
	}
	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			member_id = excluded.member_id,
			source = excluded.source,
			status = excluded.status,
			total_amount = excluded.total_amount,
			usage_amount = excluded.usage_amount,
			is_earned = excluded.is_earned,
			issued_at = excluded.issued_at
	`
	_, err := s.db.ExecContext(ctx, query,
		inv.ID, nullString(inv.Code), inv.MemberID, inv.Source, inv.Status,
		inv.TotalAmount, inv.UsageAmount, inv.IsEarned,
		formatTime(inv.IssuedAt), formatTime(inv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save invoice: %w", err)
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, id ledger.InvoiceID) (*ledger.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, err := scanInvoice(s.db.QueryRowContext(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return &inv, nil
}

// EligibleInvoices mirrors ledger.InvoiceQuery.Matches in SQL.
func (s *Store) EligibleInvoices(ctx context.Context, q ledger.InvoiceQuery) ([]ledger.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + prefixColumns("i", invoiceColumns) + `
		FROM invoices i
		JOIN members m ON m.id = i.member_id
		WHERE i.status = ? AND i.is_earned = 0
		  AND i.issued_at <= ? AND i.created_at <= ?
		  AND m.status = ?
		  AND (m.has_first_purchased = 1
		       OR i.source NOT IN (?, ?)
		       OR i.created_at <= ?)
		ORDER BY i.issued_at ASC, i.created_at ASC, i.id ASC
	`
	cutoff := formatTime(q.Cutoff)
	rows, err := s.db.QueryContext(ctx, query,
		ledger.PaymentPaid, cutoff, cutoff, ledger.MemberActive,
		ledger.SourceApp, ledger.SourceWeb, formatTime(q.SelfServiceCutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []ledger.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func scanInvoice(row scanner) (ledger.Invoice, error) {
	var (
		inv                 ledger.Invoice
		code                sql.NullString
		issuedAt, createdAt string
	)
	err := row.Scan(
		&inv.ID, &code, &inv.MemberID, &inv.Source, &inv.Status,
		&inv.TotalAmount, &inv.UsageAmount, &inv.IsEarned, &issuedAt, &createdAt,
	)
	if err != nil {
		return inv, err
	}
	inv.Code = code.String
	inv.IssuedAt = parseTime(issuedAt)
	inv.CreatedAt = parseTime(createdAt)
	return inv, nil
}

// =============================================================================
// TIER HISTORY
// =============================================================================

const tierColumns = `
	id, member_id, prev_tier_id, curr_tier_id, min_tier_id, type,
	personal_spending, referral_spending, excess_spending, renewal_spending,
	upgrade_spending, expiry_date, is_active, created_at, updated_at`

func (s *Store) ActiveTierHistory(ctx context.Context, memberID ledger.MemberID) (*ledger.TierHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, err := scanTierHistory(s.db.QueryRowContext(ctx,
		"SELECT "+tierColumns+" FROM tier_histories WHERE member_id = ? AND is_active = 1", memberID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active tier history: %w", err)
	}
	return &h, nil
}

func (s *Store) ListTierHistory(ctx context.Context, memberID ledger.MemberID) ([]ledger.TierHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTierHistories(ctx,
		"SELECT "+tierColumns+" FROM tier_histories WHERE member_id = ? ORDER BY created_at ASC, id ASC",
		memberID)
}

func (s *Store) ExpiredTierHistories(ctx context.Context, asOf time.Time, after ledger.HistoryID, limit int) ([]ledger.TierHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + prefixColumns("t", tierColumns) + `
		FROM tier_histories t
		JOIN members m ON m.id = t.member_id
		WHERE t.is_active = 1
		  AND t.expiry_date IS NOT NULL AND t.expiry_date <= ?
		  AND m.status = ?
		  AND t.id > ?
		ORDER BY t.id ASC
		LIMIT ?
	`
	return s.queryTierHistories(ctx, query, formatTime(asOf), ledger.MemberActive, after, limit)
}

func (s *Store) queryTierHistories(ctx context.Context, query string, args ...any) ([]ledger.TierHistory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tier histories: %w", err)
	}
	defer rows.Close()

	var result []ledger.TierHistory
	for rows.Next() {
		h, err := scanTierHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tier history: %w", err)
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func scanTierHistory(row scanner) (ledger.TierHistory, error) {
	var (
		h                    ledger.TierHistory
		prev, minTier        sql.NullString
		expiry               sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&h.ID, &h.MemberID, &prev, &h.CurrTierID, &minTier, &h.Type,
		&h.PersonalSpending, &h.ReferralSpending, &h.ExcessSpending, &h.RenewalSpending,
		&h.UpgradeSpending, &expiry, &h.IsActive, &createdAt, &updatedAt,
	)
	if err != nil {
		return h, err
	}
	h.PrevTierID = ledger.TierID(prev.String)
	h.MinTierID = ledger.TierID(minTier.String)
	h.ExpiryDate = parseNullTime(expiry)
	h.CreatedAt = parseTime(createdAt)
	h.UpdatedAt = parseTime(updatedAt)
	return h, nil
}

// =============================================================================
// POINT HISTORY
// =============================================================================

const pointColumns = `
	id, member_id, tier_id, type, invoice_id, invoice_amount, point, point_balance,
	multiple_ratio, reason, is_first, is_birth, is_pending, is_deleted,
	expiry_date, release_date, created_at, updated_at`

func (s *Store) ListPointHistory(ctx context.Context, memberID ledger.MemberID) ([]ledger.PointHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPointHistories(ctx,
		"SELECT "+pointColumns+" FROM point_histories WHERE member_id = ? ORDER BY created_at ASC, id ASC",
		memberID)
}

// PointBalance sums rows that are live, released, created by asOf and not yet expired.
func (s *Store) PointBalance(ctx context.Context, memberID ledger.MemberID, asOf time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	at := formatTime(asOf)
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(point), 0)
		FROM point_histories
		WHERE member_id = ? AND is_deleted = 0 AND is_pending = 0
		  AND created_at <= ?
		  AND (expiry_date IS NULL OR expiry_date >= ?)
	`, memberID, at, at).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum point balance: %w", err)
	}
	return total, nil
}

// PointGroups returns positive per-expiry-date sums, soonest first. Groups
// without an expiry date come last; ties break on the group's earliest row.
func (s *Store) PointGroups(ctx context.Context, memberID ledger.MemberID, asOf time.Time, take int) ([]ledger.PointGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT expiry_date, SUM(point) AS total, MIN(created_at) AS first_created
		FROM point_histories
		WHERE member_id = ? AND is_deleted = 0 AND is_pending = 0
		  AND (expiry_date IS NULL OR expiry_date >= ?)
		GROUP BY expiry_date
		HAVING SUM(point) > 0
		ORDER BY expiry_date IS NULL, expiry_date ASC, first_created ASC
		LIMIT ?
	`, memberID, formatTime(asOf), take)
	if err != nil {
		return nil, fmt.Errorf("failed to query point groups: %w", err)
	}
	defer rows.Close()

	var groups []ledger.PointGroup
	for rows.Next() {
		var (
			expiry sql.NullString
			g      ledger.PointGroup
			first  string
		)
		if err := rows.Scan(&expiry, &g.Point, &first); err != nil {
			return nil, fmt.Errorf("failed to scan point group: %w", err)
		}
		g.Date = parseNullTime(expiry)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *Store) PendingPoints(ctx context.Context, asOf time.Time, after ledger.HistoryID, limit int) ([]ledger.PointHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + prefixColumns("p", pointColumns) + `
		FROM point_histories p
		JOIN members m ON m.id = p.member_id
		WHERE p.is_pending = 1 AND p.is_deleted = 0
		  AND p.release_date IS NOT NULL AND p.release_date <= ?
		  AND m.status = ?
		  AND p.id > ?
		ORDER BY p.id ASC
		LIMIT ?
	`
	return s.queryPointHistories(ctx, query, formatTime(asOf), ledger.MemberActive, after, limit)
}

const expiringFilter = `
	is_deleted = 0 AND is_pending = 0 AND type <> ?
	AND expiry_date IS NOT NULL AND expiry_date <= ?`

func (s *Store) ExpiringMembers(ctx context.Context, asOf time.Time, after ledger.MemberID, limit int) ([]ledger.MemberID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT member_id
		FROM point_histories
		WHERE `+expiringFilter+` AND member_id > ?
		ORDER BY member_id ASC
		LIMIT ?
	`, ledger.PointExpiry, formatTime(asOf), after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring members: %w", err)
	}
	defer rows.Close()

	var ids []ledger.MemberID
	for rows.Next() {
		var id ledger.MemberID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ExpiringPoints(ctx context.Context, memberID ledger.MemberID, asOf time.Time) ([]ledger.PointHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPointHistories(ctx, `
		SELECT `+pointColumns+`
		FROM point_histories
		WHERE member_id = ? AND `+expiringFilter+`
		ORDER BY id ASC
	`, memberID, ledger.PointExpiry, formatTime(asOf))
}

func (s *Store) queryPointHistories(ctx context.Context, query string, args ...any) ([]ledger.PointHistory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query point histories: %w", err)
	}
	defer rows.Close()

	var result []ledger.PointHistory
	for rows.Next() {
		p, err := scanPointHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan point history: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanPointHistory(row scanner) (ledger.PointHistory, error) {
	var (
		p                         ledger.PointHistory
		tierID, invoiceID, reason sql.NullString
		ratio                     string
		expiry, release           sql.NullString
		createdAt, updatedAt      string
	)
	err := row.Scan(
		&p.ID, &p.MemberID, &tierID, &p.Type, &invoiceID, &p.InvoiceAmount, &p.Point, &p.PointBalance,
		&ratio, &reason, &p.IsFirst, &p.IsBirth, &p.IsPending, &p.IsDeleted,
		&expiry, &release, &createdAt, &updatedAt,
	)
	if err != nil {
		return p, err
	}
	p.TierID = ledger.TierID(tierID.String)
	p.InvoiceID = ledger.InvoiceID(invoiceID.String)
	p.Reason = reason.String
	p.MultipleRatio, err = decimal.NewFromString(ratio)
	if err != nil {
		return p, fmt.Errorf("bad multiple_ratio %q: %w", ratio, err)
	}
	p.ExpiryDate = parseNullTime(expiry)
	p.ReleaseDate = parseNullTime(release)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// =============================================================================
// ATOMIC COMMIT
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Commit writes all changes in one transaction.
func (s *Store) Commit(ctx context.Context, changes ...ledger.MemberChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.Now()
		for _, c := range changes {
			if err := s.commitMember(ctx, tx, c, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) commitMember(ctx context.Context, db execer, c ledger.MemberChange, now time.Time) error {
	if c.IsNew {
		if err := insertMember(ctx, db, c.Member, now); err != nil {
			return err
		}
	} else if err := updateMember(ctx, db, c.Member, now); err != nil {
		return err
	}

	// Close rows before opening new ones so the one-active-row index holds.
	for _, h := range c.TierHistoryUpdates {
		if err := updateTierHistory(ctx, db, h, now); err != nil {
			return err
		}
	}
	for _, h := range c.TierHistoryCreates {
		if err := insertTierHistory(ctx, db, h, now); err != nil {
			return err
		}
	}
	for _, id := range c.PointHistoryDeletes {
		if _, err := db.ExecContext(ctx,
			"UPDATE point_histories SET is_deleted = 1, updated_at = ? WHERE id = ?",
			formatTime(now), id); err != nil {
			return fmt.Errorf("failed to delete point history: %w", err)
		}
	}
	for _, p := range c.PointHistoryCreates {
		if err := insertPointHistory(ctx, db, p, now); err != nil {
			return err
		}
	}
	for _, id := range c.EarnedInvoices {
		if _, err := db.ExecContext(ctx, "UPDATE invoices SET is_earned = 1 WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to mark invoice earned: %w", err)
		}
	}
	return nil
}

func insertMember(ctx context.Context, db execer, m ledger.Member, now time.Time) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO members (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.Name, nullString(m.Email), nullString(m.Phone), nullString(m.Code),
		nullString(m.InvitedCode), m.Status, formatNullTime(m.BirthDate),
		m.TierID, nullString(string(m.MinTierID)), m.PersonalSpending, m.ReferralSpending, m.MaximumSpending,
		m.PointBalance, formatNullTime(m.TierExpiryDate), m.HasFirstPurchased, m.HasBirthPurchased,
		formatNullTime(m.BirthPurchasedAt), m.HasDiamondAchieved, m.Version+1, formatTime(created), formatTime(now),
	)
	if isUniqueConstraintError(err) {
		return &ledger.ConcurrentModificationError{MemberID: m.ID, Expected: m.Version}
	}
	if err != nil {
		return fmt.Errorf("failed to insert member: %w", err)
	}
	return nil
}

func updateMember(ctx context.Context, db execer, m ledger.Member, now time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE members SET
			name = ?, email = ?, phone = ?, code = ?, invited_code = ?, status = ?, birth_date = ?,
			tier_id = ?, min_tier_id = ?, personal_spending = ?, referral_spending = ?,
			maximum_spending = ?, point_balance = ?, tier_expiry_date = ?,
			has_first_purchased = ?, has_birth_purchased = ?, birth_purchased_at = ?, has_diamond_achieved = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		m.Name, nullString(m.Email), nullString(m.Phone), nullString(m.Code),
		nullString(m.InvitedCode), m.Status, formatNullTime(m.BirthDate),
		m.TierID, nullString(string(m.MinTierID)), m.PersonalSpending, m.ReferralSpending,
		m.MaximumSpending, m.PointBalance, formatNullTime(m.TierExpiryDate),
		m.HasFirstPurchased, m.HasBirthPurchased, formatNullTime(m.BirthPurchasedAt), m.HasDiamondAchieved,
		formatTime(now), m.ID, m.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	if n == 1 {
		return nil
	}

	var actual int64
	err = db.QueryRowContext(ctx, "SELECT version FROM members WHERE id = ?", m.ID).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrMemberNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read member version: %w", err)
	}
	return &ledger.ConcurrentModificationError{MemberID: m.ID, Expected: m.Version, Actual: actual}
}

func insertTierHistory(ctx context.Context, db execer, h ledger.TierHistory, now time.Time) error {
	created := h.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO tier_histories (`+tierColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		h.ID, h.MemberID, nullString(string(h.PrevTierID)), h.CurrTierID, nullString(string(h.MinTierID)), h.Type,
		h.PersonalSpending, h.ReferralSpending, h.ExcessSpending, h.RenewalSpending,
		h.UpgradeSpending, formatNullTime(h.ExpiryDate), h.IsActive, formatTime(created), formatTime(now),
	)
	if isUniqueConstraintError(err) {
		return &ledger.ConcurrentModificationError{MemberID: h.MemberID}
	}
	if err != nil {
		return fmt.Errorf("failed to insert tier history: %w", err)
	}
	return nil
}

func updateTierHistory(ctx context.Context, db execer, h ledger.TierHistory, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE tier_histories SET
			prev_tier_id = ?, curr_tier_id = ?, min_tier_id = ?, type = ?,
			personal_spending = ?, referral_spending = ?, excess_spending = ?,
			renewal_spending = ?, upgrade_spending = ?, expiry_date = ?, is_active = ?,
			updated_at = ?
		WHERE id = ?
	`,
		nullString(string(h.PrevTierID)), h.CurrTierID, nullString(string(h.MinTierID)), h.Type,
		h.PersonalSpending, h.ReferralSpending, h.ExcessSpending,
		h.RenewalSpending, h.UpgradeSpending, formatNullTime(h.ExpiryDate), h.IsActive,
		formatTime(now), h.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tier history: %w", err)
	}
	return nil
}

func insertPointHistory(ctx context.Context, db execer, p ledger.PointHistory, now time.Time) error {
	created := p.CreatedAt
	if created.IsZero() {
		created = now
	}
	ratio := p.MultipleRatio
	if ratio.IsZero() {
		ratio = decimal.NewFromInt(1)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO point_histories (`+pointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.MemberID, nullString(string(p.TierID)), p.Type, nullString(string(p.InvoiceID)),
		p.InvoiceAmount, p.Point, p.PointBalance, ratio.String(), nullString(p.Reason),
		p.IsFirst, p.IsBirth, p.IsPending, p.IsDeleted,
		formatNullTime(p.ExpiryDate), formatNullTime(p.ReleaseDate), formatTime(created), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to insert point history: %w", err)
	}
	return nil
}

// =============================================================================
// SLIP COUNTER
// =============================================================================

// NextSequence increments the (typ, dateKey) counter in a single upsert.
func (s *Store) NextSequence(ctx context.Context, typ ledger.SlipType, dateKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO slip_counters (type, date_key, sequence) VALUES (?, ?, 1)
		ON CONFLICT(type, date_key) DO UPDATE SET sequence = sequence + 1
		RETURNING sequence
	`, typ, dateKey).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to increment slip counter: %w", err)
	}
	return seq, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// prefixColumns qualifies a column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
