package loyalty

import (
	"context"
	"strings"
	"time"

	"tiercore.io/internal/audit"
)

// ExpirationProcessor sweeps a tenant for time-expired assignments. Both
// sweeps are idempotent: a second run over unchanged state processes nothing.
type ExpirationProcessor struct {
	store    Store
	resolver *Resolver
	promos   *PromotionManager
	now      func() time.Time
}

// NewExpirationProcessor constructs the sweep over the same store and
// resolver the rest of the engine uses.
func NewExpirationProcessor(store Store, resolver *Resolver, promos *PromotionManager) *ExpirationProcessor {
	return &ExpirationProcessor{store: store, resolver: resolver, promos: promos, now: time.Now}
}

// SweepSummary tallies one ProcessExpiredTiers run.
type SweepSummary struct {
	Processed int `json:"processed"`
	Removed   int `json:"removed"`
	Reverted  int `json:"reverted"`
	Errors    int `json:"errors"`

	Effects []Effect `json:"-"`
}

// ProcessExpiredTiers runs two sweeps: members whose tier_expires_at has
// passed, then active usage rows whose expiry passed without the member sweep
// catching them (the tier was reassigned but the row never closed). Per-item
// failures are counted and logged; the sweep never aborts partway.
func (p *ExpirationProcessor) ProcessExpiredTiers(ctx context.Context, tenantID string) (SweepSummary, error) {
	var sum SweepSummary
	if tenantID == "" {
		return sum, validationErr("tenant id is required")
	}
	now := p.now().UTC()

	memberIDs, err := p.store.ExpiredTierMembers(ctx, tenantID, now)
	if err != nil {
		return sum, err
	}
	for _, memberID := range memberIDs {
		if err := p.expireMember(ctx, tenantID, memberID, &sum); err != nil {
			sum.Errors++
			p.logItemFailure(ctx, tenantID, memberID, "", err)
		}
	}

	usages, err := p.store.ExpiredActiveUsages(ctx, tenantID, now)
	if err != nil {
		return sum, err
	}
	for _, usage := range usages {
		res, err := p.promos.ExpirePromotion(ctx, tenantID, usage.MemberID, usage.PromotionID)
		if err != nil {
			sum.Errors++
			p.logItemFailure(ctx, tenantID, usage.MemberID, usage.PromotionID, err)
			continue
		}
		p.tally(&sum, res)
	}

	_ = audit.LogEvent(ctx, "loyalty.expiration_sweep.complete", tenantID, map[string]any{
		"processed": sum.Processed,
		"removed":   sum.Removed,
		"reverted":  sum.Reverted,
		"errors":    sum.Errors,
	})
	return sum, nil
}

func (p *ExpirationProcessor) expireMember(ctx context.Context, tenantID, memberID string, sum *SweepSummary) error {
	m, err := p.store.Member(ctx, tenantID, memberID)
	if err != nil {
		return err
	}
	if m.TierSource == nil {
		return nil // cleared between the query and now
	}

	if m.TierSource.Kind == SourcePromo {
		promoID, _, _ := strings.Cut(m.TierSource.Reference, ":")
		res, err := p.promos.ExpirePromotion(ctx, tenantID, memberID, promoID)
		if err != nil {
			return err
		}
		if res != nil && !res.NoOp {
			p.tally(sum, res)
			return nil
		}
		// No usage row backs the grant (a promo-sourced assignment made
		// directly through the API); clear it like any other expired tier.
	}

	res, err := p.resolver.RemoveTier(ctx, RemoveRequest{
		TenantID:  tenantID,
		MemberID:  memberID,
		Source:    Source{Kind: SourceSystem, Reference: "expiration-sweep"},
		Cause:     CauseExpiration,
		Reason:    "tier expired",
		CreatedBy: "expiration-processor",
	})
	if err != nil {
		return err
	}
	sum.Processed++
	if !res.NoOp {
		sum.Removed++
		sum.Effects = append(sum.Effects, res.Effects...)
	}
	return nil
}

func (p *ExpirationProcessor) tally(sum *SweepSummary, res *PromotionResult) {
	if res == nil || res.NoOp {
		return
	}
	sum.Processed++
	if res.Assignment == nil {
		return
	}
	if res.Assignment.Change == ChangeReverted {
		sum.Reverted++
	} else {
		sum.Removed++
	}
	sum.Effects = append(sum.Effects, res.Assignment.Effects...)
}

func (p *ExpirationProcessor) logItemFailure(ctx context.Context, tenantID, memberID, promotionID string, err error) {
	fields := map[string]any{
		"member_id": memberID,
		"error":     err.Error(),
	}
	if promotionID != "" {
		fields["promotion_id"] = promotionID
	}
	_ = audit.LogEvent(ctx, "loyalty.expiration_sweep.item_failed", tenantID, fields)
}
