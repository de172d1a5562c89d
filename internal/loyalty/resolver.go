package loyalty

import (
	"context"
	"time"

	"tiercore.io/internal/ids"
)

// Resolver is the single gatekeeper for tier transitions. Every write to a
// member's tier fields goes through it so the priority invariant and the
// audit trail are enforced in one place, inside one transaction.
type Resolver struct {
	store      Store
	priorities PriorityTable
	tenants    map[string]PriorityTable
	now        func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPriorities replaces the default source priority table.
func WithPriorities(t PriorityTable) ResolverOption {
	return func(r *Resolver) {
		if len(t) > 0 {
			r.priorities = t
		}
	}
}

// WithTenantPriorities sets per-tenant priority tables. A tenant without an
// entry falls back to the default table.
func WithTenantPriorities(tables map[string]PriorityTable) ResolverOption {
	return func(r *Resolver) {
		if len(tables) > 0 {
			r.tenants = tables
		}
	}
}

// WithClock overrides the time source. Only intended for tests.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver constructs a Resolver over store.
func NewResolver(store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:      store,
		priorities: DefaultPriorities(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AssignRequest asks the Resolver to place a member on a tier.
type AssignRequest struct {
	TenantID  string
	MemberID  string
	TierID    string
	Source    Source
	Reason    string
	ExpiresAt *time.Time
	CreatedBy string
	Force     bool // staff override: skip the priority gate
	Metadata  map[string]string

	// Change overrides the computed classification when the caller knows the
	// real cause (e.g. a promo-expiry reversion). Zero means classify.
	Change ChangeType
}

// RemovalCause states why a tier is being removed. Passed explicitly by the
// call site; the Resolver never infers it from reason text.
type RemovalCause string

const (
	CauseManual                RemovalCause = "manual"
	CauseExpiration            RemovalCause = "expiration"
	CauseRefund                RemovalCause = "refund"
	CauseSubscriptionCancelled RemovalCause = "subscription_cancelled"
	CauseBillingFailed         RemovalCause = "billing_failed"
)

var removalChange = map[RemovalCause]ChangeType{
	CauseManual:                ChangeRemoved,
	CauseExpiration:            ChangeExpired,
	CauseRefund:                ChangeRefunded,
	CauseSubscriptionCancelled: ChangeSubscriptionCancelled,
	CauseBillingFailed:         ChangeBillingFailed,
}

// RemoveRequest asks the Resolver to clear a member's tier.
type RemoveRequest struct {
	TenantID  string
	MemberID  string
	Source    Source
	Cause     RemovalCause
	Reason    string
	CreatedBy string
}

// Result reports a resolved transition. Effects are owed by the caller to
// the dispatch layer after it receives the result; nothing has been sent yet.
type Result struct {
	Member         *Member    `json:"member"`
	PreviousTierID string     `json:"previous_tier_id,omitempty"`
	NewTierID      string     `json:"new_tier_id,omitempty"`
	Change         ChangeType `json:"change_type,omitempty"`
	EventID        string     `json:"event_id,omitempty"`
	NoOp           bool       `json:"no_op,omitempty"`
	Effects        []Effect   `json:"-"`
}

// AssignTier places the member on the tier if the request's source outranks
// (or equals) the source holding the current tier. The member update and the
// audit event commit together or not at all.
func (r *Resolver) AssignTier(ctx context.Context, req AssignRequest) (*Result, error) {
	if err := r.validateAssign(req); err != nil {
		return nil, err
	}
	var res *Result
	err := r.store.Within(ctx, func(tx Tx) error {
		var err error
		res, err = r.assignWithin(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Resolver) validateAssign(req AssignRequest) error {
	switch {
	case req.TenantID == "":
		return validationErr("tenant id is required")
	case req.MemberID == "":
		return validationErr("member id is required")
	case req.TierID == "":
		return validationErr("tier id is required")
	case req.CreatedBy == "":
		return validationErr("created_by is required")
	case !KnownKind(req.Source.Kind):
		return validationErr("unknown source kind %q", req.Source.Kind)
	}
	return nil
}

// assignWithin performs the assignment against an already-open transaction.
// The Promotion Manager composes it with its own bookkeeping so a failed
// assignment rolls everything back.
func (r *Resolver) assignWithin(ctx context.Context, tx Tx, req AssignRequest) (*Result, error) {
	m, err := tx.MemberForUpdate(ctx, req.TenantID, req.MemberID)
	if err != nil {
		return nil, err
	}
	tier, err := tx.Tier(ctx, req.TenantID, req.TierID)
	if err != nil {
		return nil, err
	}
	if !tier.Active {
		return nil, ErrNotFound
	}

	// Priority gate, evaluated under the member row lock. System-originated
	// corrective actions are involuntary reversals and always pass.
	if m.TierSource != nil && !req.Force && req.Source.Kind != SourceSystem {
		table := r.tableFor(req.TenantID)
		cur := table.Of(m.TierSource.Kind)
		next := table.Of(req.Source.Kind)
		if next < cur {
			return nil, &PriorityConflictError{
				Current:           *m.TierSource,
				CurrentPriority:   cur,
				Requested:         req.Source.Kind,
				RequestedPriority: next,
			}
		}
	}

	prevTierID := m.CurrentTierID
	var prevName string
	change := req.Change
	if change == "" {
		if prevTierID == "" {
			change = firstAssignmentChange(req.Source.Kind)
		} else {
			prev, err := tx.Tier(ctx, req.TenantID, prevTierID)
			if err != nil {
				return nil, err
			}
			prevName = prev.Name
			switch {
			case tier.BonusRate > prev.BonusRate:
				change = ChangeUpgraded
			case tier.BonusRate < prev.BonusRate:
				change = ChangeDowngraded
			default:
				change = ChangeChanged
			}
		}
	} else if prevTierID != "" {
		if prev, err := tx.Tier(ctx, req.TenantID, prevTierID); err == nil {
			prevName = prev.Name
		}
	}

	now := r.now().UTC()
	src := req.Source
	m.CurrentTierID = tier.ID
	m.TierSource = &src
	m.TierAssignedAt = &now
	m.TierExpiresAt = req.ExpiresAt
	if m.Status == StatusPending || m.Status == StatusExpired {
		m.Status = StatusActive
	}
	if req.Source.Kind == SourceSubscription {
		m.SubscriptionActive = true
	}
	if err := tx.UpdateMember(ctx, m); err != nil {
		return nil, err
	}

	ev := &AssignmentEvent{
		ID:             ids.NewAt(now),
		TenantID:       m.TenantID,
		MemberID:       m.ID,
		PreviousTierID: prevTierID,
		NewTierID:      tier.ID,
		Change:         change,
		Source:         req.Source,
		Reason:         req.Reason,
		ExpiresAt:      req.ExpiresAt,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		Metadata:       req.Metadata,
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}

	return &Result{
		Member:         m,
		PreviousTierID: prevTierID,
		NewTierID:      tier.ID,
		Change:         change,
		EventID:        ev.ID,
		Effects:        transitionEffects(m, prevName, tier.Name, change, req.Source),
	}, nil
}

func (r *Resolver) tableFor(tenantID string) PriorityTable {
	if t, ok := r.tenants[tenantID]; ok {
		return t
	}
	return r.priorities
}

func firstAssignmentChange(kind SourceKind) ChangeType {
	switch kind {
	case SourceSubscription:
		return ChangeSubscriptionStarted
	case SourcePromo:
		return ChangePromoApplied
	case SourceEarned:
		return ChangeEarned
	default:
		return ChangeAssigned
	}
}

// RemoveTier clears the member's tier. Removal skips the priority gate:
// "no tier" is never a contested state. A member without a tier is a silent
// no-op and writes no audit event.
func (r *Resolver) RemoveTier(ctx context.Context, req RemoveRequest) (*Result, error) {
	if err := r.validateRemove(req); err != nil {
		return nil, err
	}
	var res *Result
	err := r.store.Within(ctx, func(tx Tx) error {
		var err error
		res, err = r.removeWithin(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Resolver) validateRemove(req RemoveRequest) error {
	switch {
	case req.TenantID == "":
		return validationErr("tenant id is required")
	case req.MemberID == "":
		return validationErr("member id is required")
	case req.CreatedBy == "":
		return validationErr("created_by is required")
	case !KnownKind(req.Source.Kind):
		return validationErr("unknown source kind %q", req.Source.Kind)
	}
	if _, ok := removalChange[req.Cause]; !ok {
		return validationErr("unknown removal cause %q", req.Cause)
	}
	return nil
}

func (r *Resolver) removeWithin(ctx context.Context, tx Tx, req RemoveRequest) (*Result, error) {
	m, err := tx.MemberForUpdate(ctx, req.TenantID, req.MemberID)
	if err != nil {
		return nil, err
	}
	if !m.HasTier() {
		return &Result{Member: m, NoOp: true}, nil
	}

	prevTierID := m.CurrentTierID
	var prevName string
	if prev, err := tx.Tier(ctx, req.TenantID, prevTierID); err == nil {
		prevName = prev.Name
	}

	now := r.now().UTC()
	m.CurrentTierID = ""
	m.TierSource = nil
	m.TierAssignedAt = nil
	m.TierExpiresAt = nil
	m.SubscriptionActive = false
	if err := tx.UpdateMember(ctx, m); err != nil {
		return nil, err
	}

	change := removalChange[req.Cause]
	ev := &AssignmentEvent{
		ID:             ids.NewAt(now),
		TenantID:       m.TenantID,
		MemberID:       m.ID,
		PreviousTierID: prevTierID,
		Change:         change,
		Source:         req.Source,
		Reason:         req.Reason,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}

	return &Result{
		Member:         m,
		PreviousTierID: prevTierID,
		Change:         change,
		EventID:        ev.ID,
		Effects:        transitionEffects(m, prevName, "", change, req.Source),
	}, nil
}
