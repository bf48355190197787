/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

Dates in requests accept YYYY-MM-DD or RFC3339. Responses use RFC3339.
Validation is done in handlers, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/membership-engine/factory"
	"github.com/warp/membership-engine/ledger"
	"github.com/warp/membership-engine/tier"
)

// =============================================================================
// MEMBERS
// =============================================================================

type MemberDTO struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	Email              string  `json:"email,omitempty"`
	Phone              string  `json:"phone,omitempty"`
	Code               string  `json:"code"`
	InvitedCode        string  `json:"invited_code,omitempty"`
	Status             string  `json:"status"`
	BirthDate          *string `json:"birth_date,omitempty"`
	TierID             string  `json:"tier_id"`
	MinTierID          string  `json:"min_tier_id,omitempty"`
	PersonalSpending   int64   `json:"personal_spending"`
	ReferralSpending   int64   `json:"referral_spending"`
	MaximumSpending    int64   `json:"maximum_spending"`
	PointBalance       int64   `json:"point_balance"`
	TierExpiryDate     *string `json:"tier_expiry_date,omitempty"`
	HasFirstPurchased  bool    `json:"has_first_purchased"`
	HasBirthPurchased  bool    `json:"has_birth_purchased"`
	BirthPurchasedAt   *string `json:"birth_purchased_at,omitempty"`
	HasDiamondAchieved bool    `json:"has_diamond_achieved"`
	Version            int64   `json:"version"`
	CreatedAt          string  `json:"created_at,omitempty"`
}

// CreateMemberRequest is a signup.
type CreateMemberRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	InvitedCode string `json:"invited_code"`
	BirthDate   string `json:"birth_date"`
}

type BalanceDTO struct {
	MemberID string `json:"member_id"`
	AsOf     string `json:"as_of"`
	Balance  int64  `json:"balance"`
}

type PointGroupDTO struct {
	ExpiryDate *string `json:"expiry_date"`
	Point      int64   `json:"point"`
}

// SpendPointsRequest deducts points FIFO by expiry.
type SpendPointsRequest struct {
	Points    int64  `json:"points"`
	InvoiceID string `json:"invoice_id"`
	Reason    string `json:"reason"`
}

// AdjustPointsRequest grants (positive) or deducts (negative) points manually.
type AdjustPointsRequest struct {
	Points int64  `json:"points"`
	Reason string `json:"reason"`
}

// =============================================================================
// HISTORY
// =============================================================================

type TierHistoryDTO struct {
	ID               string  `json:"id"`
	PrevTierID       string  `json:"prev_tier_id,omitempty"`
	CurrTierID       string  `json:"curr_tier_id"`
	MinTierID        string  `json:"min_tier_id,omitempty"`
	Type             string  `json:"type"`
	PersonalSpending int64   `json:"personal_spending"`
	ReferralSpending int64   `json:"referral_spending"`
	ExcessSpending   int64   `json:"excess_spending"`
	RenewalSpending  int64   `json:"renewal_spending"`
	UpgradeSpending  int64   `json:"upgrade_spending"`
	ExpiryDate       *string `json:"expiry_date,omitempty"`
	IsActive         bool    `json:"is_active"`
	CreatedAt        string  `json:"created_at"`
}

type PointHistoryDTO struct {
	ID            string  `json:"id"`
	TierID        string  `json:"tier_id,omitempty"`
	Type          string  `json:"type"`
	InvoiceID     string  `json:"invoice_id,omitempty"`
	InvoiceAmount int64   `json:"invoice_amount,omitempty"`
	Point         int64   `json:"point"`
	PointBalance  int64   `json:"point_balance"`
	MultipleRatio string  `json:"multiple_ratio"`
	Reason        string  `json:"reason,omitempty"`
	IsFirst       bool    `json:"is_first"`
	IsBirth       bool    `json:"is_birth"`
	IsPending     bool    `json:"is_pending"`
	IsDeleted     bool    `json:"is_deleted"`
	ExpiryDate    *string `json:"expiry_date,omitempty"`
	ReleaseDate   *string `json:"release_date,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// =============================================================================
// INVOICES
// =============================================================================

type InvoiceDTO struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	MemberID    string `json:"member_id"`
	Source      string `json:"source"`
	Status      string `json:"status"`
	TotalAmount int64  `json:"total_amount"`
	UsageAmount int64  `json:"usage_amount"`
	IsEarned    bool   `json:"is_earned"`
	IssuedAt    string `json:"issued_at"`
	CreatedAt   string `json:"created_at"`
}

// CreateInvoiceRequest records a purchase. UsageAmount defaults to
// TotalAmount, Status to PAID, Source to POS, IssuedAt to now.
type CreateInvoiceRequest struct {
	MemberID    string `json:"member_id"`
	Source      string `json:"source"`
	Status      string `json:"status"`
	TotalAmount int64  `json:"total_amount"`
	UsageAmount *int64 `json:"usage_amount"`
	IssuedAt    string `json:"issued_at"`
}

// =============================================================================
// TIERS & BATCH
// =============================================================================

type TierDTO = factory.TierJSON

// BatchRequest selects the day range of a manual batch run. Until defaults
// to Since; Since defaults to yesterday.
type BatchRequest struct {
	Since string `json:"since"`
	Until string `json:"until"`
}

type BatchResponse struct {
	Pass    string `json:"pass"`
	Since   string `json:"since"`
	Until   string `json:"until"`
	Summary any    `json:"summary"`
}

// ErrorResponse is the error body for every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toMemberDTO(m ledger.Member) MemberDTO {
	return MemberDTO{
		ID:                 string(m.ID),
		Name:               m.Name,
		Email:              m.Email,
		Phone:              m.Phone,
		Code:               m.Code,
		InvitedCode:        m.InvitedCode,
		Status:             string(m.Status),
		BirthDate:          formatTimePtr(m.BirthDate),
		TierID:             string(m.TierID),
		MinTierID:          string(m.MinTierID),
		PersonalSpending:   m.PersonalSpending,
		ReferralSpending:   m.ReferralSpending,
		MaximumSpending:    m.MaximumSpending,
		PointBalance:       m.PointBalance,
		TierExpiryDate:     formatTimePtr(m.TierExpiryDate),
		HasFirstPurchased:  m.HasFirstPurchased,
		HasBirthPurchased:  m.HasBirthPurchased,
		BirthPurchasedAt:   formatTimePtr(m.BirthPurchasedAt),
		HasDiamondAchieved: m.HasDiamondAchieved,
		Version:            m.Version,
		CreatedAt:          formatTime(m.CreatedAt),
	}
}

func toTierHistoryDTO(h ledger.TierHistory) TierHistoryDTO {
	return TierHistoryDTO{
		ID:               string(h.ID),
		PrevTierID:       string(h.PrevTierID),
		CurrTierID:       string(h.CurrTierID),
		MinTierID:        string(h.MinTierID),
		Type:             string(h.Type),
		PersonalSpending: h.PersonalSpending,
		ReferralSpending: h.ReferralSpending,
		ExcessSpending:   h.ExcessSpending,
		RenewalSpending:  h.RenewalSpending,
		UpgradeSpending:  h.UpgradeSpending,
		ExpiryDate:       formatTimePtr(h.ExpiryDate),
		IsActive:         h.IsActive,
		CreatedAt:        formatTime(h.CreatedAt),
	}
}

func toPointHistoryDTO(p ledger.PointHistory) PointHistoryDTO {
	return PointHistoryDTO{
		ID:            string(p.ID),
		TierID:        string(p.TierID),
		Type:          string(p.Type),
		InvoiceID:     string(p.InvoiceID),
		InvoiceAmount: p.InvoiceAmount,
		Point:         p.Point,
		PointBalance:  p.PointBalance,
		MultipleRatio: p.MultipleRatio.String(),
		Reason:        p.Reason,
		IsFirst:       p.IsFirst,
		IsBirth:       p.IsBirth,
		IsPending:     p.IsPending,
		IsDeleted:     p.IsDeleted,
		ExpiryDate:    formatTimePtr(p.ExpiryDate),
		ReleaseDate:   formatTimePtr(p.ReleaseDate),
		CreatedAt:     formatTime(p.CreatedAt),
	}
}

func toPointGroupDTOs(groups []ledger.PointGroup) []PointGroupDTO {
	dtos := make([]PointGroupDTO, len(groups))
	for i, g := range groups {
		dtos[i] = PointGroupDTO{ExpiryDate: formatTimePtr(g.Date), Point: g.Point}
	}
	return dtos
}

func toInvoiceDTO(inv ledger.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:          string(inv.ID),
		Code:        inv.Code,
		MemberID:    string(inv.MemberID),
		Source:      string(inv.Source),
		Status:      string(inv.Status),
		TotalAmount: inv.TotalAmount,
		UsageAmount: inv.UsageAmount,
		IsEarned:    inv.IsEarned,
		IssuedAt:    formatTime(inv.IssuedAt),
		CreatedAt:   formatTime(inv.CreatedAt),
	}
}

func toTierDTOs(chart *tier.Chart) []TierDTO {
	return factory.NewChartFactory().ToJSON(chart).Tiers
}
