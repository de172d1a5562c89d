package loyalty

import (
	"context"
	"time"
)

// Tx is the unit-of-work view of the store. Everything read through a Tx is
// stable for the duration of the transaction; MemberForUpdate and
// PromotionForUpdate additionally take a write lock on the row so priority
// revalidation and the subsequent write happen under the same lock.
//
// Lock ordering is member before promotion everywhere; implementations rely
// on callers honouring that to stay deadlock-free.
type Tx interface {
	MemberForUpdate(ctx context.Context, tenantID, memberID string) (*Member, error)
	UpdateMember(ctx context.Context, m *Member) error
	Tier(ctx context.Context, tenantID, tierID string) (*Tier, error)
	AppendEvent(ctx context.Context, ev *AssignmentEvent) error

	PromotionForUpdate(ctx context.Context, tenantID, promotionID string) (*Promotion, error)
	PromotionByCode(ctx context.Context, tenantID, code string) (*Promotion, error)
	Usage(ctx context.Context, tenantID, memberID, promotionID string) (*PromoUsage, error)
	InsertUsage(ctx context.Context, u *PromoUsage) error
	UpdateUsage(ctx context.Context, u *PromoUsage) error
	IncrementPromotionUses(ctx context.Context, tenantID, promotionID string) error
}

// Store is the persistence collaborator for the engine. Within runs fn in a
// single durable transaction: if fn returns an error nothing it did through
// the Tx is visible afterwards. All queries are tenant-scoped.
type Store interface {
	Within(ctx context.Context, fn func(Tx) error) error

	Member(ctx context.Context, tenantID, memberID string) (*Member, error)
	Tiers(ctx context.Context, tenantID string) ([]Tier, error)
	Rules(ctx context.Context, tenantID string, typ RuleType) ([]EligibilityRule, error)
	Snapshot(ctx context.Context, tenantID, memberID string, windowDays int) (MetricsSnapshot, error)
	RecordActivity(ctx context.Context, tenantID, memberID string, metric Metric, value float64, at time.Time) error
	EventsByMember(ctx context.Context, tenantID, memberID string, limit int) ([]AssignmentEvent, error)

	ActiveMemberIDs(ctx context.Context, tenantID string) ([]string, error)
	ExpiredTierMembers(ctx context.Context, tenantID string, now time.Time) ([]string, error)
	ExpiredActiveUsages(ctx context.Context, tenantID string, now time.Time) ([]PromoUsage, error)
}
