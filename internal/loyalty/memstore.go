package loyalty

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore implements Store with in-process concurrency safety. Transactions
// serialize on one mutex and roll back by restoring a snapshot, which gives
// the same observable semantics as row-locked SQL transactions for a single
// process. Used by tests and DSN-less runs.
type MemStore struct {
	mu       sync.Mutex
	members  map[string]*Member    // tenant/member
	tiers    map[string]*Tier      // tenant/tier
	rules    []*EligibilityRule
	promos   map[string]*Promotion // tenant/promotion
	usages   map[string]*PromoUsage
	events   []*AssignmentEvent
	activity []activityEntry
}

type activityEntry struct {
	TenantID   string
	MemberID   string
	Metric     Metric
	Value      float64
	OccurredAt time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		members: make(map[string]*Member),
		tiers:   make(map[string]*Tier),
		promos:  make(map[string]*Promotion),
		usages:  make(map[string]*PromoUsage),
	}
}

func key(tenantID, id string) string { return tenantID + "/" + id }

func usageKey(tenantID, memberID, promotionID string) string {
	return tenantID + "/" + memberID + "/" + promotionID
}

// AddMember seeds a member record. Seeding helpers are not tenant-checked;
// they exist for tests and demo boot.
func (s *MemStore) AddMember(m *Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[key(m.TenantID, m.ID)] = cloneMember(m)
}

// AddTier seeds a tier definition.
func (s *MemStore) AddTier(t *Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tiers[key(t.TenantID, t.ID)] = &cp
}

// AddRule seeds an eligibility rule.
func (s *MemStore) AddRule(r *EligibilityRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rules = append(s.rules, &cp)
}

// AddPromotion seeds a promotion; its code is folded to upper case the way
// the write path stores it.
func (s *MemStore) AddPromotion(p *Promotion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := clonePromotion(p)
	cp.Code = strings.ToUpper(cp.Code)
	s.promos[key(p.TenantID, p.ID)] = cp
}

// Events returns a copy of every audit event written so far, oldest first.
func (s *MemStore) Events() []AssignmentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AssignmentEvent, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, *ev)
	}
	return out
}

// UsageRow returns a copy of the usage row for the triple, nil when absent.
func (s *MemStore) UsageRow(tenantID, memberID, promotionID string) *PromoUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usages[usageKey(tenantID, memberID, promotionID)]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

// Promotion returns a copy of the promotion, nil when absent.
func (s *MemStore) Promotion(tenantID, promotionID string) *Promotion {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promos[key(tenantID, promotionID)]
	if !ok {
		return nil
	}
	return clonePromotion(p)
}

// --- Store ---

type memTx struct{ s *MemStore }

// Within holds the store lock for the whole transaction and restores a
// snapshot of mutable state when fn fails.
func (s *MemStore) Within(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	backup := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(backup)
		return err
	}
	return nil
}

type memSnapshot struct {
	members map[string]*Member
	promos  map[string]*Promotion
	usages  map[string]*PromoUsage
	events  []*AssignmentEvent
}

func (s *MemStore) snapshot() memSnapshot {
	snap := memSnapshot{
		members: make(map[string]*Member, len(s.members)),
		promos:  make(map[string]*Promotion, len(s.promos)),
		usages:  make(map[string]*PromoUsage, len(s.usages)),
		events:  append([]*AssignmentEvent(nil), s.events...),
	}
	for k, m := range s.members {
		snap.members[k] = cloneMember(m)
	}
	for k, p := range s.promos {
		snap.promos[k] = clonePromotion(p)
	}
	for k, u := range s.usages {
		cp := *u
		snap.usages[k] = &cp
	}
	return snap
}

func (s *MemStore) restore(snap memSnapshot) {
	s.members = snap.members
	s.promos = snap.promos
	s.usages = snap.usages
	s.events = snap.events
}

func (t *memTx) MemberForUpdate(ctx context.Context, tenantID, memberID string) (*Member, error) {
	m, ok := t.s.members[key(tenantID, memberID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMember(m), nil
}

func (t *memTx) UpdateMember(ctx context.Context, m *Member) error {
	k := key(m.TenantID, m.ID)
	if _, ok := t.s.members[k]; !ok {
		return ErrNotFound
	}
	t.s.members[k] = cloneMember(m)
	return nil
}

func (t *memTx) Tier(ctx context.Context, tenantID, tierID string) (*Tier, error) {
	tier, ok := t.s.tiers[key(tenantID, tierID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tier
	return &cp, nil
}

func (t *memTx) AppendEvent(ctx context.Context, ev *AssignmentEvent) error {
	cp := *ev
	t.s.events = append(t.s.events, &cp)
	return nil
}

func (t *memTx) PromotionForUpdate(ctx context.Context, tenantID, promotionID string) (*Promotion, error) {
	p, ok := t.s.promos[key(tenantID, promotionID)]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePromotion(p), nil
}

func (t *memTx) PromotionByCode(ctx context.Context, tenantID, code string) (*Promotion, error) {
	code = strings.ToUpper(code)
	for _, p := range t.s.promos {
		if p.TenantID == tenantID && p.Code != "" && p.Code == code {
			return clonePromotion(p), nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) Usage(ctx context.Context, tenantID, memberID, promotionID string) (*PromoUsage, error) {
	u, ok := t.s.usages[usageKey(tenantID, memberID, promotionID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (t *memTx) InsertUsage(ctx context.Context, u *PromoUsage) error {
	k := usageKey(u.TenantID, u.MemberID, u.PromotionID)
	if _, ok := t.s.usages[k]; ok {
		return ErrAlreadyUsed
	}
	cp := *u
	t.s.usages[k] = &cp
	return nil
}

func (t *memTx) UpdateUsage(ctx context.Context, u *PromoUsage) error {
	k := usageKey(u.TenantID, u.MemberID, u.PromotionID)
	if _, ok := t.s.usages[k]; !ok {
		return ErrNotFound
	}
	cp := *u
	t.s.usages[k] = &cp
	return nil
}

func (t *memTx) IncrementPromotionUses(ctx context.Context, tenantID, promotionID string) error {
	p, ok := t.s.promos[key(tenantID, promotionID)]
	if !ok {
		return ErrNotFound
	}
	p.CurrentUses++
	return nil
}

func (s *MemStore) Member(ctx context.Context, tenantID, memberID string) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[key(tenantID, memberID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMember(m), nil
}

func (s *MemStore) Tiers(ctx context.Context, tenantID string) ([]Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Tier
	for _, t := range s.tiers {
		if t.TenantID == tenantID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BonusRate < out[j].BonusRate })
	return out, nil
}

func (s *MemStore) Rules(ctx context.Context, tenantID string, typ RuleType) ([]EligibilityRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EligibilityRule
	for _, r := range s.rules {
		if r.TenantID == tenantID && r.Type == typ && r.Active {
			out = append(out, *r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (s *MemStore) Snapshot(ctx context.Context, tenantID, memberID string, windowDays int) (MetricsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[key(tenantID, memberID)]
	if !ok {
		return MetricsSnapshot{}, ErrNotFound
	}
	now := time.Now().UTC()
	snap := MetricsSnapshot{WindowDays: windowDays, AsOf: now, Values: map[Metric]float64{}}
	if !m.JoinedAt.IsZero() {
		snap.Values[MetricMembershipDuration] = now.Sub(m.JoinedAt).Hours() / 24
	}
	if windowDays <= 0 {
		snap.Values[MetricTotalSpend] = float64(m.Activity.TotalSpend)
		snap.Values[MetricTradeInCount] = float64(m.Activity.TradeInCount)
		snap.Values[MetricTradeInValue] = float64(m.Activity.TradeInValue)
		snap.Values[MetricOrderCount] = float64(m.Activity.OrderCount)
		snap.Values[MetricPointsEarned] = float64(m.Activity.PointsEarned)
		snap.Values[MetricReferrals] = float64(m.Activity.Referrals)
		return snap, nil
	}
	cutoff := now.Add(-time.Duration(windowDays) * 24 * time.Hour)
	for _, e := range s.activity {
		if e.TenantID != tenantID || e.MemberID != memberID || e.OccurredAt.Before(cutoff) {
			continue
		}
		snap.Values[e.Metric] += e.Value
	}
	return snap, nil
}

func (s *MemStore) RecordActivity(ctx context.Context, tenantID, memberID string, metric Metric, value float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[key(tenantID, memberID)]
	if !ok {
		return ErrNotFound
	}
	switch metric {
	case MetricTotalSpend:
		m.Activity.TotalSpend += int64(value)
	case MetricTradeInCount:
		m.Activity.TradeInCount += int(value)
	case MetricTradeInValue:
		m.Activity.TradeInValue += int64(value)
	case MetricOrderCount:
		m.Activity.OrderCount += int(value)
	case MetricPointsEarned:
		m.Activity.PointsEarned += int(value)
	case MetricReferrals:
		m.Activity.Referrals += int(value)
	default:
		return validationErr("unknown metric %q", metric)
	}
	s.activity = append(s.activity, activityEntry{
		TenantID:   tenantID,
		MemberID:   memberID,
		Metric:     metric,
		Value:      value,
		OccurredAt: at.UTC(),
	})
	return nil
}

func (s *MemStore) EventsByMember(ctx context.Context, tenantID, memberID string, limit int) ([]AssignmentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []AssignmentEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.events[i]
		if ev.TenantID == tenantID && ev.MemberID == memberID {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (s *MemStore) ActiveMemberIDs(ctx context.Context, tenantID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.members {
		if m.TenantID == tenantID && m.Status == StatusActive {
			out = append(out, m.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) ExpiredTierMembers(ctx context.Context, tenantID string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.members {
		if m.TenantID != tenantID || !m.HasTier() || m.TierExpiresAt == nil {
			continue
		}
		if !m.TierExpiresAt.After(now) {
			out = append(out, m.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) ExpiredActiveUsages(ctx context.Context, tenantID string, now time.Time) ([]PromoUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PromoUsage
	for _, u := range s.usages {
		if u.TenantID != tenantID || u.Status != UsageActive || u.ExpiresAt == nil {
			continue
		}
		if !u.ExpiresAt.After(now) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Store = (*MemStore)(nil)
var _ Tx = (*memTx)(nil)

func cloneMember(m *Member) *Member {
	cp := *m
	cp.Tags = append([]string(nil), m.Tags...)
	if m.TierSource != nil {
		src := *m.TierSource
		cp.TierSource = &src
	}
	if m.TierAssignedAt != nil {
		t := *m.TierAssignedAt
		cp.TierAssignedAt = &t
	}
	if m.TierExpiresAt != nil {
		t := *m.TierExpiresAt
		cp.TierExpiresAt = &t
	}
	return &cp
}

func clonePromotion(p *Promotion) *Promotion {
	cp := *p
	cp.TargetTierIDs = append([]string(nil), p.TargetTierIDs...)
	cp.TargetTags = append([]string(nil), p.TargetTags...)
	cp.TargetMemberIDs = append([]string(nil), p.TargetMemberIDs...)
	return &cp
}
