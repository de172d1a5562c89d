package loyalty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tiercore.io/internal/ids"
)

// newMemberWindow is how recently a member must have joined to match
// new_members targeting.
const newMemberWindow = 30 * 24 * time.Hour

// PromotionManager grants and revokes time-boxed promotional tiers. Grants
// terminate in the Resolver so the priority invariant and audit trail hold
// for promotional assignments too.
type PromotionManager struct {
	store    Store
	resolver *Resolver
	now      func() time.Time
}

// NewPromotionManager constructs a PromotionManager over store and resolver.
func NewPromotionManager(store Store, resolver *Resolver) *PromotionManager {
	return &PromotionManager{store: store, resolver: resolver, now: time.Now}
}

// ApplyPromotionRequest identifies the member and the promotion, by code when
// Code is set, otherwise by PromotionID.
type ApplyPromotionRequest struct {
	TenantID    string
	MemberID    string
	PromotionID string
	Code        string
	CreatedBy   string
}

// PromotionResult reports a redemption or an expiry.
type PromotionResult struct {
	Promotion  *Promotion  `json:"promotion,omitempty"`
	Usage      *PromoUsage `json:"usage,omitempty"`
	Assignment *Result     `json:"assignment,omitempty"`
	NoOp       bool        `json:"no_op,omitempty"`
}

// Effects returns the post-commit effects owed for this result.
func (r *PromotionResult) Effects() []Effect {
	if r == nil || r.Assignment == nil {
		return nil
	}
	return r.Assignment.Effects
}

// ApplyPromotion validates targeting and caps, records the usage row, bumps
// the counter and assigns the promotional tier — all in one transaction. If
// the Resolver rejects the assignment (a stronger source got there first)
// the usage row and counter roll back with it.
func (p *PromotionManager) ApplyPromotion(ctx context.Context, req ApplyPromotionRequest) (*PromotionResult, error) {
	switch {
	case req.TenantID == "":
		return nil, validationErr("tenant id is required")
	case req.MemberID == "":
		return nil, validationErr("member id is required")
	case req.PromotionID == "" && req.Code == "":
		return nil, validationErr("promotion id or code is required")
	case req.CreatedBy == "":
		return nil, validationErr("created_by is required")
	}

	now := p.now().UTC()
	var res *PromotionResult
	err := p.store.Within(ctx, func(tx Tx) error {
		// Member first, promotion second; every engine path locks in this
		// order.
		m, err := tx.MemberForUpdate(ctx, req.TenantID, req.MemberID)
		if err != nil {
			return err
		}

		var promo *Promotion
		if req.Code != "" {
			promo, err = tx.PromotionByCode(ctx, req.TenantID, strings.ToUpper(strings.TrimSpace(req.Code)))
		} else {
			promo, err = tx.PromotionForUpdate(ctx, req.TenantID, req.PromotionID)
		}
		if err != nil {
			return err
		}
		if !promo.CurrentlyActive(now) {
			return ErrNotActive
		}

		if existing, err := tx.Usage(ctx, req.TenantID, m.ID, promo.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		} else if existing != nil {
			return ErrAlreadyUsed
		}

		if err := p.checkTargeting(m, promo, now); err != nil {
			return err
		}

		grantTier, err := tx.Tier(ctx, req.TenantID, promo.TierID)
		if err != nil {
			return err
		}
		if promo.UpgradeOnly && m.HasTier() {
			cur, err := tx.Tier(ctx, req.TenantID, m.CurrentTierID)
			if err != nil {
				return err
			}
			if cur.BonusRate >= grantTier.BonusRate {
				return ErrNotAnUpgrade
			}
		}

		expires := promo.EndsAt
		if promo.GrantDays > 0 {
			expires = now.Add(time.Duration(promo.GrantDays) * 24 * time.Hour)
		}

		usage := &PromoUsage{
			ID:             ids.NewAt(now),
			TenantID:       req.TenantID,
			MemberID:       m.ID,
			PromotionID:    promo.ID,
			PreviousTierID: m.CurrentTierID,
			ExpiresAt:      &expires,
			Status:         UsageActive,
			RedeemedAt:     now,
		}
		if err := tx.InsertUsage(ctx, usage); err != nil {
			return err
		}
		if err := tx.IncrementPromotionUses(ctx, req.TenantID, promo.ID); err != nil {
			return err
		}
		promo.CurrentUses++

		ref := promo.Code
		if ref == "" {
			ref = promo.Name
		}
		assignment, err := p.resolver.assignWithin(ctx, tx, AssignRequest{
			TenantID:  req.TenantID,
			MemberID:  m.ID,
			TierID:    promo.TierID,
			Source:    Source{Kind: SourcePromo, Reference: fmt.Sprintf("%s:%s", promo.ID, ref)},
			Reason:    "promotion " + ref,
			ExpiresAt: &expires,
			CreatedBy: req.CreatedBy,
		})
		if err != nil {
			return err
		}
		res = &PromotionResult{Promotion: promo, Usage: usage, Assignment: assignment}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *PromotionManager) checkTargeting(m *Member, promo *Promotion, now time.Time) error {
	switch promo.Target {
	case TargetAll, "":
		return nil
	case TargetNewMembers:
		if m.JoinedAt.IsZero() || now.Sub(m.JoinedAt) <= newMemberWindow {
			return nil
		}
		return ErrTargetingMismatch
	case TargetTierSpecific:
		for _, id := range promo.TargetTierIDs {
			if id == m.CurrentTierID {
				return nil
			}
		}
		return ErrTargetingMismatch
	case TargetTagged:
		if len(promo.TargetTags) == 0 {
			return nil
		}
		memberTags := make(map[string]struct{}, len(m.Tags))
		for _, tag := range m.Tags {
			memberTags[strings.ToLower(tag)] = struct{}{}
		}
		for _, tag := range promo.TargetTags {
			if _, ok := memberTags[strings.ToLower(tag)]; ok {
				return nil
			}
		}
		return ErrTargetingMismatch
	case TargetManual:
		if len(promo.TargetMemberIDs) == 0 {
			return nil
		}
		for _, id := range promo.TargetMemberIDs {
			if id == m.ID {
				return nil
			}
		}
		return ErrTargetingMismatch
	default:
		return validationErr("unknown target type %q", promo.Target)
	}
}

// ExpirePromotion closes the member's active usage of the promotion. When the
// member still holds the tier from this exact promotion, the grant is undone:
// reverted to the snapshot tier if the promotion asks for that, removed
// otherwise. A usage that was already overridden by a stronger source gets
// its bookkeeping closed without touching the member.
func (p *PromotionManager) ExpirePromotion(ctx context.Context, tenantID, memberID, promotionID string) (*PromotionResult, error) {
	switch {
	case tenantID == "":
		return nil, validationErr("tenant id is required")
	case memberID == "":
		return nil, validationErr("member id is required")
	case promotionID == "":
		return nil, validationErr("promotion id is required")
	}

	now := p.now().UTC()
	var res *PromotionResult
	err := p.store.Within(ctx, func(tx Tx) error {
		m, err := tx.MemberForUpdate(ctx, tenantID, memberID)
		if err != nil {
			return err
		}
		usage, err := tx.Usage(ctx, tenantID, memberID, promotionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if usage == nil || usage.Status != UsageActive {
			res = &PromotionResult{NoOp: true}
			return nil
		}

		promo, err := tx.PromotionForUpdate(ctx, tenantID, promotionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		usage.Status = UsageExpired
		usage.RevertedAt = &now
		if err := tx.UpdateUsage(ctx, usage); err != nil {
			return err
		}
		res = &PromotionResult{Promotion: promo, Usage: usage}

		if m.TierSource == nil || m.TierSource.Kind != SourcePromo ||
			!strings.HasPrefix(m.TierSource.Reference, promotionID+":") {
			// A staff override (or anything stronger) replaced the grant
			// since redemption; bookkeeping only.
			return nil
		}

		revert := promo != nil && promo.RevertOnExpire && usage.PreviousTierID != ""
		if revert {
			assignment, err := p.resolver.assignWithin(ctx, tx, AssignRequest{
				TenantID:  tenantID,
				MemberID:  memberID,
				TierID:    usage.PreviousTierID,
				Source:    Source{Kind: SourceSystem, Reference: "promo-expiry"},
				Reason:    "promotional grant expired",
				CreatedBy: "expiration-processor",
				Change:    ChangeReverted,
			})
			if err == nil {
				usage.Status = UsageReverted
				if err := tx.UpdateUsage(ctx, usage); err != nil {
					return err
				}
				res.Assignment = assignment
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			// Reversion target deactivated since the snapshot; fall through
			// to removal.
		}
		removal, err := p.resolver.removeWithin(ctx, tx, RemoveRequest{
			TenantID:  tenantID,
			MemberID:  memberID,
			Source:    Source{Kind: SourceSystem, Reference: "promo-expiry"},
			Cause:     CauseExpiration,
			Reason:    "promotional grant expired",
			CreatedBy: "expiration-processor",
		})
		if err != nil {
			return err
		}
		res.Assignment = removal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
