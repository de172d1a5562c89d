package loyalty

import (
	"strings"
	"time"
)

// MemberStatus is the lifecycle state of a member record.
type MemberStatus string

const (
	StatusPending   MemberStatus = "pending"
	StatusActive    MemberStatus = "active"
	StatusSuspended MemberStatus = "suspended"
	StatusCancelled MemberStatus = "cancelled"
	StatusExpired   MemberStatus = "expired"
)

// SourceKind identifies the authority behind a tier assignment.
type SourceKind string

const (
	SourceStaff        SourceKind = "staff"
	SourceSubscription SourceKind = "subscription"
	SourcePurchase     SourceKind = "purchase"
	SourceAPI          SourceKind = "api"
	SourceSystem       SourceKind = "system"
	SourceEarned       SourceKind = "earned"
	SourcePromo        SourceKind = "promo"
)

// Source records who or what granted the current tier.
type Source struct {
	Kind      SourceKind `json:"kind"`
	Reference string     `json:"reference"`
}

// String renders the storage form, e.g. "staff:alice@shop.example".
func (s Source) String() string {
	if s.Reference == "" {
		return string(s.Kind)
	}
	return string(s.Kind) + ":" + s.Reference
}

// ParseSource is the inverse of Source.String for values read from storage.
func ParseSource(raw string) Source {
	kind, ref, ok := strings.Cut(raw, ":")
	if !ok {
		return Source{Kind: SourceKind(raw)}
	}
	return Source{Kind: SourceKind(kind), Reference: ref}
}

// ActivityCounters are the member's cumulative lifetime metrics.
type ActivityCounters struct {
	TotalSpend   int64 `json:"total_spend"` // minor units
	TradeInCount int   `json:"trade_in_count"`
	TradeInValue int64 `json:"trade_in_value"` // minor units
	OrderCount   int   `json:"order_count"`
	PointsEarned int   `json:"points_earned"`
	Referrals    int   `json:"referrals"`
}

// Member is one customer within a tenant. Tier fields are mutated only
// through the Resolver; a member without a tier has an empty CurrentTierID,
// nil TierSource and nil TierExpiresAt.
type Member struct {
	ID                 string           `json:"id"`
	TenantID           string           `json:"tenant_id"`
	Email              string           `json:"email"`
	Tags               []string         `json:"tags,omitempty"`
	Status             MemberStatus     `json:"status"`
	JoinedAt           time.Time        `json:"joined_at"`
	CurrentTierID      string           `json:"current_tier_id,omitempty"`
	TierSource         *Source          `json:"tier_source,omitempty"`
	TierAssignedAt     *time.Time       `json:"tier_assigned_at,omitempty"`
	TierExpiresAt      *time.Time       `json:"tier_expires_at,omitempty"`
	SubscriptionActive bool             `json:"subscription_active"`
	Activity           ActivityCounters `json:"activity"`
}

// HasTier reports whether the member currently holds any tier.
func (m *Member) HasTier() bool { return m.CurrentTierID != "" }

// Tier is a named benefit level. BonusRate orders tiers: a transition to a
// higher rate is an upgrade. Tiers referenced by history are deactivated,
// never deleted.
type Tier struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenant_id"`
	Name      string  `json:"name"`
	BonusRate float64 `json:"bonus_rate"`
	Active    bool    `json:"active"`
}

// ChangeType classifies a resolved tier transition in the audit log.
type ChangeType string

const (
	ChangeAssigned              ChangeType = "assigned"
	ChangeUpgraded              ChangeType = "upgraded"
	ChangeDowngraded            ChangeType = "downgraded"
	ChangeChanged               ChangeType = "changed"
	ChangeRemoved               ChangeType = "removed"
	ChangeExpired               ChangeType = "expired"
	ChangeReverted              ChangeType = "reverted"
	ChangeRefunded              ChangeType = "refunded"
	ChangeEarned                ChangeType = "earned"
	ChangePromoApplied          ChangeType = "promo_applied"
	ChangeSubscriptionStarted   ChangeType = "subscription_started"
	ChangeSubscriptionCancelled ChangeType = "subscription_cancelled"
	ChangeBillingFailed         ChangeType = "billing_failed"
)

// AssignmentEvent is one immutable audit record. It is written in the same
// transaction as the member update it describes.
type AssignmentEvent struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	MemberID       string            `json:"member_id"`
	PreviousTierID string            `json:"previous_tier_id,omitempty"`
	NewTierID      string            `json:"new_tier_id,omitempty"`
	Change         ChangeType        `json:"change_type"`
	Source         Source            `json:"source"`
	Reason         string            `json:"reason,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	CreatedBy      string            `json:"created_by"`
	CreatedAt      time.Time         `json:"created_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// RuleType separates qualification rules from maintenance and downgrade rules.
type RuleType string

const (
	RuleQualification RuleType = "qualification"
	RuleMaintenance   RuleType = "maintenance"
	RuleUpgrade       RuleType = "upgrade"
	RuleDowngrade     RuleType = "downgrade"
)

// Metric names an activity measurement a rule thresholds against.
type Metric string

const (
	MetricTotalSpend         Metric = "total_spend"
	MetricTradeInCount       Metric = "trade_in_count"
	MetricTradeInValue       Metric = "trade_in_value"
	MetricOrderCount         Metric = "order_count"
	MetricPointsEarned       Metric = "points_earned"
	MetricReferrals          Metric = "referrals"
	MetricMembershipDuration Metric = "membership_duration" // days
)

// Operator compares a metric value against a rule threshold.
type Operator string

const (
	OpGTE     Operator = ">="
	OpGT      Operator = ">"
	OpLTE     Operator = "<="
	OpLT      Operator = "<"
	OpEQ      Operator = "=="
	OpBetween Operator = "between"
)

// EligibilityRule is a tenant-scoped threshold condition qualifying members
// for a target tier. Written by administrators; the engine only reads them.
type EligibilityRule struct {
	ID           string   `json:"id"`
	TenantID     string   `json:"tenant_id"`
	TierID       string   `json:"tier_id"`
	Type         RuleType `json:"rule_type"`
	Metric       Metric   `json:"metric"`
	Op           Operator `json:"threshold_operator"`
	Threshold    float64  `json:"threshold_value"`
	ThresholdMax *float64 `json:"threshold_max,omitempty"` // only for between
	WindowDays   int      `json:"time_window_days,omitempty"`
	Priority     int      `json:"priority"`
	Active       bool     `json:"is_active"`
}

// TargetType restricts which members may redeem a promotion.
type TargetType string

const (
	TargetAll          TargetType = "all"
	TargetNewMembers   TargetType = "new_members"
	TargetTierSpecific TargetType = "tier_specific"
	TargetTagged       TargetType = "tagged"
	TargetManual       TargetType = "manual"
)

// Promotion grants a time-boxed tier. Codes are stored uppercase.
type Promotion struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	TierID           string     `json:"tier_id"`
	Code             string     `json:"code,omitempty"`
	Name             string     `json:"name"`
	StartsAt         time.Time  `json:"starts_at"`
	EndsAt           time.Time  `json:"ends_at"`
	GrantDays        int        `json:"grant_duration_days,omitempty"` // 0: grant lasts until EndsAt
	Target           TargetType `json:"target_type"`
	TargetTierIDs    []string   `json:"target_tier_ids,omitempty"`
	TargetTags       []string   `json:"target_tags,omitempty"`
	TargetMemberIDs  []string   `json:"target_member_ids,omitempty"`
	MaxUses          int        `json:"max_uses,omitempty"` // 0: unlimited
	CurrentUses      int        `json:"current_uses"`
	MaxUsesPerMember int        `json:"max_uses_per_member,omitempty"`
	UpgradeOnly      bool       `json:"upgrade_only"`
	RevertOnExpire   bool       `json:"revert_on_expire"`
	Active           bool       `json:"is_active"`
}

// CurrentlyActive reports whether the promotion may be redeemed at t.
// Not-started, ended and usage-exhausted all read as inactive so callers
// cannot probe remaining uses.
func (p *Promotion) CurrentlyActive(t time.Time) bool {
	if !p.Active {
		return false
	}
	if t.Before(p.StartsAt) || t.After(p.EndsAt) {
		return false
	}
	if p.MaxUses > 0 && p.CurrentUses >= p.MaxUses {
		return false
	}
	return true
}

// UsageStatus is the lifecycle of one promotion redemption.
type UsageStatus string

const (
	UsageActive   UsageStatus = "active"
	UsageExpired  UsageStatus = "expired"
	UsageReverted UsageStatus = "reverted"
)

// PromoUsage is one (member, promotion) redemption. PreviousTierID snapshots
// the tier held before the grant so expiry can revert to it.
type PromoUsage struct {
	ID             string      `json:"id"`
	TenantID       string      `json:"tenant_id"`
	MemberID       string      `json:"member_id"`
	PromotionID    string      `json:"promotion_id"`
	PreviousTierID string      `json:"previous_tier_id,omitempty"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
	Status         UsageStatus `json:"status"`
	RedeemedAt     time.Time   `json:"redeemed_at"`
	RevertedAt     *time.Time  `json:"reverted_at,omitempty"`
}

// MetricsSnapshot is a member's activity measured either lifetime or over a
// trailing window.
type MetricsSnapshot struct {
	WindowDays int                `json:"window_days,omitempty"`
	AsOf       time.Time          `json:"as_of"`
	Values     map[Metric]float64 `json:"values"`
}

// Value returns the snapshot measurement for m, zero when absent.
func (s MetricsSnapshot) Value(m Metric) float64 { return s.Values[m] }
