package loyalty

import (
	"context"

	"tiercore.io/internal/audit"
)

// EffectKind names a post-commit side effect.
type EffectKind string

const (
	EffectTagSync EffectKind = "tag_sync"
	EffectNotify  EffectKind = "notify"
)

// Effect describes one side effect owed after a committed transition. The
// engine never performs effects itself: it returns them with the result and
// the dispatch layer runs them best-effort, outside any transaction.
type Effect struct {
	Kind        EffectKind `json:"kind"`
	TenantID    string     `json:"tenant_id"`
	MemberID    string     `json:"member_id"`
	OldTierName string     `json:"old_tier_name,omitempty"`
	NewTierName string     `json:"new_tier_name,omitempty"`
	Change      ChangeType `json:"change_type"`
	Source      Source     `json:"source"`
}

// TagSyncer pushes tier tags to the commerce platform. Outbound, best-effort.
type TagSyncer interface {
	SyncMemberTag(ctx context.Context, tenantID, memberID, oldTierName, newTierName string) error
}

// Notifier announces a committed tier change downstream. Outbound, best-effort.
type Notifier interface {
	NotifyTierChanged(ctx context.Context, tenantID, memberID, oldTierName, newTierName string, change ChangeType) error
}

// Dispatcher performs effects after commit. Failures are logged and
// swallowed; an unreachable tag service must never surface as a resolver
// failure. Nil collaborators skip their effect kind.
type Dispatcher struct {
	Tags    TagSyncer
	Notices Notifier
}

// Dispatch runs every effect in order, isolating failures per effect.
func (d *Dispatcher) Dispatch(ctx context.Context, effects []Effect) {
	if d == nil {
		return
	}
	for _, ef := range effects {
		var err error
		switch ef.Kind {
		case EffectTagSync:
			if d.Tags == nil {
				continue
			}
			err = d.Tags.SyncMemberTag(ctx, ef.TenantID, ef.MemberID, ef.OldTierName, ef.NewTierName)
		case EffectNotify:
			if d.Notices == nil {
				continue
			}
			err = d.Notices.NotifyTierChanged(ctx, ef.TenantID, ef.MemberID, ef.OldTierName, ef.NewTierName, ef.Change)
		default:
			continue
		}
		if err != nil {
			_ = audit.LogEvent(ctx, "loyalty.effect.failed", ef.TenantID, map[string]any{
				"kind":      string(ef.Kind),
				"member_id": ef.MemberID,
				"error":     err.Error(),
			})
		}
	}
}

func transitionEffects(m *Member, oldName, newName string, change ChangeType, src Source) []Effect {
	base := Effect{
		TenantID:    m.TenantID,
		MemberID:    m.ID,
		OldTierName: oldName,
		NewTierName: newName,
		Change:      change,
		Source:      src,
	}
	tag := base
	tag.Kind = EffectTagSync
	notify := base
	notify.Kind = EffectNotify
	return []Effect{tag, notify}
}
