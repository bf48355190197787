package accrual

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/warp/membership-engine/ledger"
)

// EnrollRequest is a signup.
type EnrollRequest struct {
	Name        string
	Email       string
	Phone       string
	InvitedCode string
	BirthDate   *time.Time
}

// Enroll creates an active member at the chart's normal tier with its INITIAL
// tier-history row and a freshly minted referral code, then queues a welcome
// message. An invited code must belong to an active member.
func (d *Driver) Enroll(ctx context.Context, req EnrollRequest) (*ledger.Member, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("enroll: name is required: %w", ledger.ErrInvalidInput)
	}
	if req.InvitedCode != "" {
		inviter, err := d.Store.GetMemberByCode(ctx, req.InvitedCode)
		if err != nil {
			return nil, fmt.Errorf("invited code %q: %w", req.InvitedCode, err)
		}
		if !inviter.IsActive() {
			return nil, fmt.Errorf("invited code %q: %w", req.InvitedCode, ledger.ErrInactiveMember)
		}
	}

	now := d.now()
	code, err := d.Slips.NextAt(ctx, ledger.SlipMember, now)
	if err != nil {
		return nil, err
	}

	normal := d.Chart.NormalTier()
	member := ledger.Member{
		ID:          ledger.NewMemberID(),
		Name:        req.Name,
		Email:       req.Email,
		Phone:       req.Phone,
		Code:        code,
		InvitedCode: req.InvitedCode,
		Status:      ledger.MemberActive,
		BirthDate:   req.BirthDate,
		TierID:      normal.ID,
		MinTierID:   normal.ID,
		CreatedAt:   now,
	}

	st := NewState(member, nil)
	change := st.Change()
	change.IsNew = true
	for i := range change.TierHistoryCreates {
		change.TierHistoryCreates[i].RenewalSpending = normal.LimitSpending
		change.TierHistoryCreates[i].UpgradeSpending = d.nextLimit(normal.ID)
		change.TierHistoryCreates[i].CreatedAt = now
	}
	if err := d.Store.Commit(ctx, change); err != nil {
		return nil, fmt.Errorf("enroll %s: %w", member.ID, err)
	}

	d.Metrics.TierChanged(string(ledger.TierInitial))
	d.send(member, "welcome", map[string]string{
		"name":      member.Name,
		"code":      member.Code,
		"tier_name": normal.Name,
	})
	d.logger().Info("member enrolled", "member_id", member.ID, "code", member.Code)

	return d.Store.GetMember(ctx, member.ID)
}

func (d *Driver) nextLimit(id ledger.TierID) int64 {
	stats, err := d.Chart.Stats(id)
	if err != nil {
		return 0
	}
	return stats.Next.LimitSpending
}
