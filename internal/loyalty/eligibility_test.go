package loyalty

import (
	"context"
	"testing"
	"time"
)

func newTestEvaluator(t *testing.T) (*MemStore, *Evaluator, *Resolver, *testClock) {
	t.Helper()
	store, resolver, clock := newTestResolver(t)
	ev := NewEvaluator(store, resolver)
	ev.now = clock.Now
	return store, ev, resolver, clock
}

func addSpendRules(s *MemStore) {
	s.AddRule(&EligibilityRule{
		ID: "r-gold", TenantID: testTenant, TierID: "tier-gold",
		Type: RuleQualification, Metric: MetricTotalSpend, Threshold: 100000,
		Priority: 30, Active: true,
	})
	s.AddRule(&EligibilityRule{
		ID: "r-silver", TenantID: testTenant, TierID: "tier-silver",
		Type: RuleQualification, Metric: MetricTotalSpend, Threshold: 25000,
		Priority: 20, Active: true,
	})
}

func TestEvaluateOperators(t *testing.T) {
	max := 50.0
	cases := []struct {
		name  string
		rule  EligibilityRule
		value float64
		want  bool
	}{
		{"gte pass", EligibilityRule{Op: OpGTE, Threshold: 10}, 10, true},
		{"gte fail", EligibilityRule{Op: OpGTE, Threshold: 10}, 9.99, false},
		{"gt boundary", EligibilityRule{Op: OpGT, Threshold: 10}, 10, false},
		{"lte pass", EligibilityRule{Op: OpLTE, Threshold: 10}, 10, true},
		{"lt fail", EligibilityRule{Op: OpLT, Threshold: 10}, 10, false},
		{"eq pass", EligibilityRule{Op: OpEQ, Threshold: 3}, 3, true},
		{"between low edge", EligibilityRule{Op: OpBetween, Threshold: 10, ThresholdMax: &max}, 10, true},
		{"between high edge", EligibilityRule{Op: OpBetween, Threshold: 10, ThresholdMax: &max}, 50, true},
		{"between outside", EligibilityRule{Op: OpBetween, Threshold: 10, ThresholdMax: &max}, 51, false},
		{"default is gte", EligibilityRule{Threshold: 10}, 10, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evaluate(tc.rule, tc.value)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluateBetweenRequiresMax(t *testing.T) {
	if _, err := evaluate(EligibilityRule{ID: "r", Op: OpBetween, Threshold: 1}, 5); err == nil {
		t.Fatal("between without threshold_max must error")
	}
}

func TestCheckEligibilityPicksHighestPriority(t *testing.T) {
	store, ev, _, _ := newTestEvaluator(t)
	addSpendRules(store)
	seedActivity(store, "m1", MetricTotalSpend, 150000)

	report, err := ev.CheckEligibility(context.Background(), testTenant, "m1", false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.EligibleTierID != "tier-gold" {
		t.Fatalf("eligible = %q, want gold", report.EligibleTierID)
	}
	if len(report.Outcomes) != 2 {
		t.Fatalf("all rules must be reported, got %d", len(report.Outcomes))
	}
	if report.Applied {
		t.Fatal("check without apply must not assign")
	}
}

func TestCheckEligibilityDeterministicTieBreak(t *testing.T) {
	store, ev, _, _ := newTestEvaluator(t)
	store.AddRule(&EligibilityRule{
		ID: "r-a", TenantID: testTenant, TierID: "tier-silver",
		Type: RuleQualification, Metric: MetricTotalSpend, Threshold: 100, Priority: 10, Active: true,
	})
	store.AddRule(&EligibilityRule{
		ID: "r-b", TenantID: testTenant, TierID: "tier-gold",
		Type: RuleQualification, Metric: MetricTotalSpend, Threshold: 100, Priority: 10, Active: true,
	})
	seedActivity(store, "m1", MetricTotalSpend, 500)

	var first string
	for i := 0; i < 5; i++ {
		report, err := ev.CheckEligibility(context.Background(), testTenant, "m1", false)
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if i == 0 {
			first = report.EligibleTierID
			continue
		}
		if report.EligibleTierID != first {
			t.Fatalf("tie-break not deterministic: %q then %q", first, report.EligibleTierID)
		}
	}
}

func TestCheckEligibilityApplyAssignsEarned(t *testing.T) {
	store, ev, _, _ := newTestEvaluator(t)
	addSpendRules(store)
	seedActivity(store, "m1", MetricTotalSpend, 30000)

	report, err := ev.CheckEligibility(context.Background(), testTenant, "m1", true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.Applied || report.Result == nil {
		t.Fatalf("report = %+v", report)
	}
	m, _ := store.Member(context.Background(), testTenant, "m1")
	if m.CurrentTierID != "tier-silver" || m.TierSource.Kind != SourceEarned {
		t.Fatalf("member = %+v", m)
	}
}

func TestCheckEligibilityRespectsStrongerSource(t *testing.T) {
	store, ev, resolver, _ := newTestEvaluator(t)
	addSpendRules(store)
	seedActivity(store, "m1", MetricTotalSpend, 150000)
	mustAssign(t, resolver, baseAssign("tier-bronze", SourceStaff))

	report, err := ev.CheckEligibility(context.Background(), testTenant, "m1", true)
	if err != nil {
		t.Fatalf("check must not fail on priority conflict: %v", err)
	}
	if report.Applied {
		t.Fatal("staff-held tier must not be replaced by earned")
	}
	if report.ApplyError == "" {
		t.Fatal("conflict must be reported")
	}
	m, _ := store.Member(context.Background(), testTenant, "m1")
	if m.CurrentTierID != "tier-bronze" {
		t.Fatalf("tier = %q", m.CurrentTierID)
	}
}

func TestCheckEligibilityDowngrade(t *testing.T) {
	store, ev, _, _ := newTestEvaluator(t)
	addSpendRules(store)
	store.AddRule(&EligibilityRule{
		ID: "r-down", TenantID: testTenant, TierID: "tier-bronze",
		Type: RuleDowngrade, Metric: MetricTotalSpend, Op: OpLT, Threshold: 25000,
		Active: true,
	})
	seedActivity(store, "m1", MetricTotalSpend, 30000)
	if _, err := ev.CheckEligibility(context.Background(), testTenant, "m1", true); err != nil {
		t.Fatalf("qualify: %v", err)
	}

	// Spend resets; the member no longer passes any qualification rule.
	drainActivity(store, "m1", MetricTotalSpend, 30000)
	report, err := ev.CheckEligibility(context.Background(), testTenant, "m1", true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.Applied || report.Result.Change != ChangeDowngraded {
		t.Fatalf("report = %+v", report)
	}
	m, _ := store.Member(context.Background(), testTenant, "m1")
	if m.CurrentTierID != "tier-bronze" {
		t.Fatalf("tier = %q, want lowest active tier", m.CurrentTierID)
	}
}

func TestCheckEligibilityNoDowngradeWithoutRules(t *testing.T) {
	store, ev, _, _ := newTestEvaluator(t)
	addSpendRules(store)
	seedActivity(store, "m1", MetricTotalSpend, 30000)
	if _, err := ev.CheckEligibility(context.Background(), testTenant, "m1", true); err != nil {
		t.Fatalf("qualify: %v", err)
	}

	drainActivity(store, "m1", MetricTotalSpend, 30000)
	report, err := ev.CheckEligibility(context.Background(), testTenant, "m1", true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.Applied {
		t.Fatal("no downgrade rules configured, tier must stay")
	}
	m, _ := store.Member(context.Background(), testTenant, "m1")
	if m.CurrentTierID != "tier-silver" {
		t.Fatalf("tier = %q", m.CurrentTierID)
	}
}

func TestCheckEligibilityWindowedRule(t *testing.T) {
	store, ev, _, _ := newTestEvaluator(t)
	store.AddRule(&EligibilityRule{
		ID: "r-window", TenantID: testTenant, TierID: "tier-silver",
		Type: RuleQualification, Metric: MetricTradeInCount, Threshold: 2,
		WindowDays: 30, Priority: 10, Active: true,
	})

	// Two trade-ins, but only one inside the trailing 30 days.
	now := time.Now().UTC()
	if err := store.RecordActivity(context.Background(), testTenant, "m1", MetricTradeInCount, 1, now.Add(-60*24*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordActivity(context.Background(), testTenant, "m1", MetricTradeInCount, 1, now); err != nil {
		t.Fatal(err)
	}

	report, err := ev.CheckEligibility(context.Background(), testTenant, "m1", false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.EligibleTierID != "" {
		t.Fatalf("windowed rule must only count recent activity, eligible = %q", report.EligibleTierID)
	}
	if report.Outcomes[0].Value != 1 {
		t.Fatalf("windowed value = %v, want 1", report.Outcomes[0].Value)
	}
}

func TestProcessActivityBatch(t *testing.T) {
	store, ev, _, _ := newTestEvaluator(t)
	addSpendRules(store)
	seedMember(store, "m2")
	seedMember(store, "m3")
	seedActivity(store, "m1", MetricTotalSpend, 150000)
	seedActivity(store, "m2", MetricTotalSpend, 30000)
	// m3 has no qualifying activity.

	sum, err := ev.ProcessActivityBatch(context.Background(), testTenant, nil)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if sum.Checked != 3 {
		t.Fatalf("checked = %d", sum.Checked)
	}
	if sum.Upgraded != 2 || sum.Unchanged != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestProcessActivityBatchIsolatesFailures(t *testing.T) {
	store, ev, _, _ := newTestEvaluator(t)
	addSpendRules(store)
	seedActivity(store, "m1", MetricTotalSpend, 150000)

	sum, err := ev.ProcessActivityBatch(context.Background(), testTenant, []string{"ghost", "m1"})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if sum.Errors != 1 || sum.Checked != 1 || sum.Upgraded != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func seedActivity(s *MemStore, memberID string, metric Metric, value float64) {
	_ = s.RecordActivity(context.Background(), testTenant, memberID, metric, value, testStart)
}

func drainActivity(s *MemStore, memberID string, metric Metric, value float64) {
	_ = s.RecordActivity(context.Background(), testTenant, memberID, metric, -value, testStart)
}
