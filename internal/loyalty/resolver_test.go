package loyalty

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var testStart = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// testClock is a controllable time source shared by a test's engine parts.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock { return &testClock{t: testStart} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

const testTenant = "t1"

func seedCatalog(s *MemStore) {
	s.AddTier(&Tier{ID: "tier-bronze", TenantID: testTenant, Name: "Bronze", BonusRate: 0.01, Active: true})
	s.AddTier(&Tier{ID: "tier-silver", TenantID: testTenant, Name: "Silver", BonusRate: 0.03, Active: true})
	s.AddTier(&Tier{ID: "tier-gold", TenantID: testTenant, Name: "Gold", BonusRate: 0.05, Active: true})
	s.AddTier(&Tier{ID: "tier-legacy", TenantID: testTenant, Name: "Legacy", BonusRate: 0.02, Active: false})
}

func seedMember(s *MemStore, id string) {
	s.AddMember(&Member{
		ID:       id,
		TenantID: testTenant,
		Email:    id + "@shop.example",
		Status:   StatusActive,
		JoinedAt: testStart.Add(-90 * 24 * time.Hour),
	})
}

func newTestResolver(t *testing.T) (*MemStore, *Resolver, *testClock) {
	t.Helper()
	store := NewMemStore()
	seedCatalog(store)
	seedMember(store, "m1")
	clock := newTestClock()
	return store, NewResolver(store, WithClock(clock.Now)), clock
}

func mustAssign(t *testing.T, r *Resolver, req AssignRequest) *Result {
	t.Helper()
	res, err := r.AssignTier(context.Background(), req)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	return res
}

func baseAssign(tierID string, kind SourceKind) AssignRequest {
	return AssignRequest{
		TenantID:  testTenant,
		MemberID:  "m1",
		TierID:    tierID,
		Source:    Source{Kind: kind, Reference: "test"},
		CreatedBy: "tester",
	}
}

func TestAssignFirstAssignmentClassification(t *testing.T) {
	cases := []struct {
		kind SourceKind
		want ChangeType
	}{
		{SourceStaff, ChangeAssigned},
		{SourceAPI, ChangeAssigned},
		{SourcePurchase, ChangeAssigned},
		{SourceSubscription, ChangeSubscriptionStarted},
		{SourcePromo, ChangePromoApplied},
		{SourceEarned, ChangeEarned},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			_, resolver, _ := newTestResolver(t)
			res := mustAssign(t, resolver, baseAssign("tier-silver", tc.kind))
			if res.Change != tc.want {
				t.Fatalf("change = %q, want %q", res.Change, tc.want)
			}
			if res.Member.CurrentTierID != "tier-silver" {
				t.Fatalf("tier = %q", res.Member.CurrentTierID)
			}
		})
	}
}

func TestAssignRankClassification(t *testing.T) {
	cases := []struct {
		name    string
		from    string
		to      string
		want    ChangeType
	}{
		{"upgrade", "tier-bronze", "tier-gold", ChangeUpgraded},
		{"downgrade", "tier-gold", "tier-bronze", ChangeDowngraded},
		{"lateral", "tier-silver", "tier-silver", ChangeChanged},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resolver, _ := newTestResolver(t)
			mustAssign(t, resolver, baseAssign(tc.from, SourceStaff))
			res := mustAssign(t, resolver, baseAssign(tc.to, SourceStaff))
			if res.Change != tc.want {
				t.Fatalf("change = %q, want %q", res.Change, tc.want)
			}
			if res.PreviousTierID != tc.from {
				t.Fatalf("previous = %q, want %q", res.PreviousTierID, tc.from)
			}
		})
	}
}

func TestAssignPriorityGate(t *testing.T) {
	_, resolver, _ := newTestResolver(t)
	mustAssign(t, resolver, baseAssign("tier-gold", SourceStaff))

	_, err := resolver.AssignTier(context.Background(), baseAssign("tier-silver", SourcePromo))
	if !errors.Is(err, ErrPriorityConflict) {
		t.Fatalf("err = %v, want priority conflict", err)
	}
	var pce *PriorityConflictError
	if !errors.As(err, &pce) {
		t.Fatalf("err %T does not unwrap to PriorityConflictError", err)
	}
	if pce.Current.Kind != SourceStaff || pce.Requested != SourcePromo {
		t.Fatalf("conflict detail = %+v", pce)
	}
	if pce.CurrentPriority <= pce.RequestedPriority {
		t.Fatalf("priorities: current %d, requested %d", pce.CurrentPriority, pce.RequestedPriority)
	}
}

func TestAssignEqualPriorityReplaces(t *testing.T) {
	store, resolver, _ := newTestResolver(t)
	mustAssign(t, resolver, baseAssign("tier-silver", SourcePurchase))
	res := mustAssign(t, resolver, baseAssign("tier-gold", SourcePurchase))
	if res.Change != ChangeUpgraded {
		t.Fatalf("change = %q", res.Change)
	}
	m, _ := store.Member(context.Background(), testTenant, "m1")
	if m.CurrentTierID != "tier-gold" {
		t.Fatalf("tier = %q", m.CurrentTierID)
	}
}

func TestAssignForceBypassesGate(t *testing.T) {
	_, resolver, _ := newTestResolver(t)
	mustAssign(t, resolver, baseAssign("tier-gold", SourceStaff))

	req := baseAssign("tier-bronze", SourcePromo)
	req.Force = true
	res := mustAssign(t, resolver, req)
	if res.Change != ChangeDowngraded {
		t.Fatalf("change = %q", res.Change)
	}
}

func TestAssignSystemBypassesGate(t *testing.T) {
	_, resolver, _ := newTestResolver(t)
	mustAssign(t, resolver, baseAssign("tier-gold", SourceStaff))
	res := mustAssign(t, resolver, baseAssign("tier-bronze", SourceSystem))
	if res.Member.TierSource.Kind != SourceSystem {
		t.Fatalf("source = %+v", res.Member.TierSource)
	}
}

func TestAssignInactiveTier(t *testing.T) {
	_, resolver, _ := newTestResolver(t)
	_, err := resolver.AssignTier(context.Background(), baseAssign("tier-legacy", SourceStaff))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestAssignValidation(t *testing.T) {
	_, resolver, _ := newTestResolver(t)
	cases := []struct {
		name string
		mut  func(*AssignRequest)
	}{
		{"missing tenant", func(r *AssignRequest) { r.TenantID = "" }},
		{"missing member", func(r *AssignRequest) { r.MemberID = "" }},
		{"missing tier", func(r *AssignRequest) { r.TierID = "" }},
		{"missing actor", func(r *AssignRequest) { r.CreatedBy = "" }},
		{"unknown kind", func(r *AssignRequest) { r.Source.Kind = "wizard" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := baseAssign("tier-silver", SourceStaff)
			tc.mut(&req)
			if _, err := resolver.AssignTier(context.Background(), req); !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestAssignActivatesPendingMember(t *testing.T) {
	store, resolver, _ := newTestResolver(t)
	store.AddMember(&Member{ID: "m2", TenantID: testTenant, Status: StatusPending, JoinedAt: testStart})

	req := baseAssign("tier-bronze", SourceSubscription)
	req.MemberID = "m2"
	res := mustAssign(t, resolver, req)
	if res.Member.Status != StatusActive {
		t.Fatalf("status = %q", res.Member.Status)
	}
	if !res.Member.SubscriptionActive {
		t.Fatal("subscription source must set subscription_active")
	}
}

func TestRemoveTier(t *testing.T) {
	store, resolver, _ := newTestResolver(t)
	mustAssign(t, resolver, baseAssign("tier-gold", SourceSubscription))

	res, err := resolver.RemoveTier(context.Background(), RemoveRequest{
		TenantID:  testTenant,
		MemberID:  "m1",
		Source:    Source{Kind: SourceStaff, Reference: "alice"},
		Cause:     CauseManual,
		Reason:    "customer request",
		CreatedBy: "alice",
	})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if res.Change != ChangeRemoved || res.PreviousTierID != "tier-gold" {
		t.Fatalf("result = %+v", res)
	}
	m, _ := store.Member(context.Background(), testTenant, "m1")
	if m.HasTier() || m.TierSource != nil || m.TierExpiresAt != nil || m.SubscriptionActive {
		t.Fatalf("tier fields not cleared: %+v", m)
	}
}

func TestRemoveCauseClassification(t *testing.T) {
	cases := []struct {
		cause RemovalCause
		want  ChangeType
	}{
		{CauseManual, ChangeRemoved},
		{CauseExpiration, ChangeExpired},
		{CauseRefund, ChangeRefunded},
		{CauseSubscriptionCancelled, ChangeSubscriptionCancelled},
		{CauseBillingFailed, ChangeBillingFailed},
	}
	for _, tc := range cases {
		t.Run(string(tc.cause), func(t *testing.T) {
			_, resolver, _ := newTestResolver(t)
			mustAssign(t, resolver, baseAssign("tier-silver", SourceStaff))
			res, err := resolver.RemoveTier(context.Background(), RemoveRequest{
				TenantID: testTenant, MemberID: "m1",
				Source: Source{Kind: SourceSystem}, Cause: tc.cause, CreatedBy: "tester",
			})
			if err != nil {
				t.Fatalf("remove: %v", err)
			}
			if res.Change != tc.want {
				t.Fatalf("change = %q, want %q", res.Change, tc.want)
			}
		})
	}
}

func TestRemoveWithoutTierIsSilentNoOp(t *testing.T) {
	store, resolver, _ := newTestResolver(t)
	res, err := resolver.RemoveTier(context.Background(), RemoveRequest{
		TenantID: testTenant, MemberID: "m1",
		Source: Source{Kind: SourceStaff}, Cause: CauseManual, CreatedBy: "tester",
	})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !res.NoOp {
		t.Fatal("expected no-op")
	}
	if got := len(store.Events()); got != 0 {
		t.Fatalf("no-op removal wrote %d events", got)
	}
}

func TestEveryMutationWritesOneEvent(t *testing.T) {
	store, resolver, _ := newTestResolver(t)
	mustAssign(t, resolver, baseAssign("tier-bronze", SourcePurchase))
	mustAssign(t, resolver, baseAssign("tier-gold", SourceStaff))
	_, err := resolver.AssignTier(context.Background(), baseAssign("tier-silver", SourcePromo))
	if !errors.Is(err, ErrPriorityConflict) {
		t.Fatalf("err = %v", err)
	}
	if _, err := resolver.RemoveTier(context.Background(), RemoveRequest{
		TenantID: testTenant, MemberID: "m1",
		Source: Source{Kind: SourceStaff}, Cause: CauseManual, CreatedBy: "tester",
	}); err != nil {
		t.Fatalf("remove: %v", err)
	}

	events := store.Events()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 (rejected assignment writes none)", len(events))
	}
	for _, ev := range events {
		if ev.ID == "" || ev.CreatedBy == "" || ev.Change == "" {
			t.Fatalf("incomplete event: %+v", ev)
		}
	}
}

func TestAssignReturnsEffects(t *testing.T) {
	_, resolver, _ := newTestResolver(t)
	res := mustAssign(t, resolver, baseAssign("tier-silver", SourceStaff))
	if len(res.Effects) != 2 {
		t.Fatalf("got %d effects, want tag sync + notify", len(res.Effects))
	}
	kinds := map[EffectKind]bool{}
	for _, ef := range res.Effects {
		kinds[ef.Kind] = true
		if ef.NewTierName != "Silver" {
			t.Fatalf("effect tier name = %q", ef.NewTierName)
		}
	}
	if !kinds[EffectTagSync] || !kinds[EffectNotify] {
		t.Fatalf("effect kinds = %v", kinds)
	}
}

func TestConcurrentEqualPriorityAssignments(t *testing.T) {
	store, resolver, _ := newTestResolver(t)

	var wg sync.WaitGroup
	results := make([]error, 2)
	tiers := []string{"tier-silver", "tier-gold"}
	for i, tierID := range tiers {
		wg.Add(1)
		go func(i int, tierID string) {
			defer wg.Done()
			req := baseAssign(tierID, SourceAPI)
			_, results[i] = resolver.AssignTier(context.Background(), req)
		}(i, tierID)
	}
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Fatalf("assignment %d failed: %v", i, err)
		}
	}
	m, _ := store.Member(context.Background(), testTenant, "m1")
	if m.CurrentTierID != "tier-silver" && m.CurrentTierID != "tier-gold" {
		t.Fatalf("tier = %q", m.CurrentTierID)
	}
	if got := len(store.Events()); got != 2 {
		t.Fatalf("got %d events, want one per serialized assignment", got)
	}
}

func TestAssignCustomPriorityTable(t *testing.T) {
	store := NewMemStore()
	seedCatalog(store)
	seedMember(store, "m1")
	resolver := NewResolver(store, WithPriorities(DefaultPriorities().Merge(PriorityTable{
		SourcePromo: 95,
	})))

	mustAssign(t, resolver, baseAssign("tier-bronze", SourceSubscription))
	res := mustAssign(t, resolver, baseAssign("tier-gold", SourcePromo))
	if res.Change != ChangeUpgraded {
		t.Fatalf("promoted promo priority must pass the gate, change = %q", res.Change)
	}
}

func TestAssignTenantPriorityOverride(t *testing.T) {
	store := NewMemStore()
	seedCatalog(store)
	seedMember(store, "m1")
	store.AddTier(&Tier{ID: "tier-bronze", TenantID: "t2", Name: "Bronze", BonusRate: 0.01, Active: true})
	store.AddTier(&Tier{ID: "tier-gold", TenantID: "t2", Name: "Gold", BonusRate: 0.05, Active: true})
	store.AddMember(&Member{ID: "m2", TenantID: "t2", Email: "m2@shop.example", Status: StatusActive, JoinedAt: testStart})

	resolver := NewResolver(store, WithTenantPriorities(map[string]PriorityTable{
		"t2": DefaultPriorities().Merge(PriorityTable{SourcePromo: 95}),
	}))

	promoOver := func(tenant, member string) error {
		req := AssignRequest{TenantID: tenant, MemberID: member, TierID: "tier-bronze",
			Source: Source{Kind: SourceSubscription, Reference: "sub"}, CreatedBy: "tester"}
		mustAssign(t, resolver, req)
		req.TierID = "tier-gold"
		req.Source = Source{Kind: SourcePromo, Reference: "promo"}
		_, err := resolver.AssignTier(context.Background(), req)
		return err
	}

	if err := promoOver("t2", "m2"); err != nil {
		t.Fatalf("t2 promo override must outrank subscription: %v", err)
	}
	var conflict *PriorityConflictError
	if err := promoOver(testTenant, "m1"); !errors.As(err, &conflict) {
		t.Fatalf("t1 keeps the default table, got %v", err)
	}
}
