package loyalty

import (
	"context"
	"errors"
	"sort"
	"time"

	"tiercore.io/internal/audit"
)

// evaluatorActor is recorded as created_by on assignments the evaluator makes.
const evaluatorActor = "eligibility-engine"

// Evaluator computes activity metrics and matches them against configured
// qualification rules to find the best tier a member qualifies for.
type Evaluator struct {
	store    Store
	resolver *Resolver
	now      func() time.Time
}

// NewEvaluator constructs an Evaluator that applies qualifying tiers through
// resolver.
func NewEvaluator(store Store, resolver *Resolver) *Evaluator {
	return &Evaluator{store: store, resolver: resolver, now: time.Now}
}

// RuleOutcome is one rule's evaluation, kept in the report whether it passed
// or not so the decision is auditable.
type RuleOutcome struct {
	RuleID       string   `json:"rule_id"`
	TierID       string   `json:"tier_id"`
	Metric       Metric   `json:"metric"`
	Operator     Operator `json:"operator"`
	Threshold    float64  `json:"threshold_value"`
	ThresholdMax *float64 `json:"threshold_max,omitempty"`
	WindowDays   int      `json:"time_window_days,omitempty"`
	Priority     int      `json:"priority"`
	Value        float64  `json:"current_value"`
	Passed       bool     `json:"passed"`
}

// EligibilityReport is the full outcome of one check.
type EligibilityReport struct {
	MemberID       string        `json:"member_id"`
	EligibleTierID string        `json:"eligible_tier_id,omitempty"`
	Outcomes       []RuleOutcome `json:"outcomes"`
	Applied        bool          `json:"applied"`
	ApplyError     string        `json:"apply_error,omitempty"`
	Result         *Result       `json:"result,omitempty"`
	CheckedAt      time.Time     `json:"checked_at"`
}

// CheckEligibility evaluates every active qualification rule for the tenant
// against the member's metrics. Among passing rules the highest-priority one
// wins; ties break to the first scanned, which is stable because rules are
// sorted before evaluation. With apply set, a winning tier that differs from
// the current one is assigned through the Resolver with an earned source.
func (e *Evaluator) CheckEligibility(ctx context.Context, tenantID, memberID string, apply bool) (*EligibilityReport, error) {
	m, err := e.store.Member(ctx, tenantID, memberID)
	if err != nil {
		return nil, err
	}
	rules, err := e.store.Rules(ctx, tenantID, RuleQualification)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	now := e.now().UTC()
	report := &EligibilityReport{MemberID: memberID, CheckedAt: now}

	snapshots := map[int]MetricsSnapshot{}
	snapshotFor := func(windowDays int) (MetricsSnapshot, error) {
		if s, ok := snapshots[windowDays]; ok {
			return s, nil
		}
		s, err := e.store.Snapshot(ctx, tenantID, memberID, windowDays)
		if err != nil {
			return MetricsSnapshot{}, err
		}
		snapshots[windowDays] = s
		return s, nil
	}

	for _, rule := range rules {
		snap, err := snapshotFor(rule.WindowDays)
		if err != nil {
			return nil, err
		}
		value := snap.Value(rule.Metric)
		passed, err := evaluate(rule, value)
		if err != nil {
			return nil, err
		}
		report.Outcomes = append(report.Outcomes, RuleOutcome{
			RuleID:       rule.ID,
			TierID:       rule.TierID,
			Metric:       rule.Metric,
			Operator:     rule.Operator(),
			Threshold:    rule.Threshold,
			ThresholdMax: rule.ThresholdMax,
			WindowDays:   rule.WindowDays,
			Priority:     rule.Priority,
			Value:        value,
			Passed:       passed,
		})
		if passed && report.EligibleTierID == "" {
			report.EligibleTierID = rule.TierID
		}
	}

	if !apply {
		return report, nil
	}

	if report.EligibleTierID != "" && report.EligibleTierID != m.CurrentTierID {
		res, err := e.resolver.AssignTier(ctx, AssignRequest{
			TenantID:  tenantID,
			MemberID:  memberID,
			TierID:    report.EligibleTierID,
			Source:    Source{Kind: SourceEarned, Reference: "eligibility"},
			Reason:    "qualified by eligibility rules",
			CreatedBy: evaluatorActor,
		})
		if err != nil {
			if errors.Is(err, ErrPriorityConflict) {
				// A stronger source holds the tier; expected, not an error.
				report.ApplyError = err.Error()
				return report, nil
			}
			return nil, err
		}
		report.Applied = true
		report.Result = res
		return report, nil
	}

	if report.EligibleTierID == "" && m.TierSource != nil && m.TierSource.Kind == SourceEarned {
		return e.applyDowngrade(ctx, tenantID, m, report)
	}
	return report, nil
}

// applyDowngrade moves an earned tier down to the tenant's lowest active tier
// when the member no longer passes any qualification rule and downgrade rules
// are configured. The downgrade rules' own target tiers are deliberately not
// consulted; they act only as an opt-in switch.
func (e *Evaluator) applyDowngrade(ctx context.Context, tenantID string, m *Member, report *EligibilityReport) (*EligibilityReport, error) {
	downs, err := e.store.Rules(ctx, tenantID, RuleDowngrade)
	if err != nil {
		return nil, err
	}
	if len(downs) == 0 {
		return report, nil
	}
	tiers, err := e.store.Tiers(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var lowest *Tier
	for i := range tiers {
		t := &tiers[i]
		if !t.Active {
			continue
		}
		if lowest == nil || t.BonusRate < lowest.BonusRate {
			lowest = t
		}
	}
	if lowest == nil || lowest.ID == m.CurrentTierID {
		return report, nil
	}
	res, err := e.resolver.AssignTier(ctx, AssignRequest{
		TenantID:  tenantID,
		MemberID:  m.ID,
		TierID:    lowest.ID,
		Source:    Source{Kind: SourceEarned, Reference: "eligibility"},
		Reason:    "no qualification rule satisfied",
		CreatedBy: evaluatorActor,
	})
	if err != nil {
		if errors.Is(err, ErrPriorityConflict) {
			report.ApplyError = err.Error()
			return report, nil
		}
		return nil, err
	}
	report.Applied = true
	report.Result = res
	return report, nil
}

// Operator returns the rule's comparison operator, defaulting to >=.
func (r EligibilityRule) Operator() Operator {
	if r.Op == "" {
		return OpGTE
	}
	return r.Op
}

func evaluate(rule EligibilityRule, value float64) (bool, error) {
	switch rule.Operator() {
	case OpGTE:
		return value >= rule.Threshold, nil
	case OpGT:
		return value > rule.Threshold, nil
	case OpLTE:
		return value <= rule.Threshold, nil
	case OpLT:
		return value < rule.Threshold, nil
	case OpEQ:
		return value == rule.Threshold, nil
	case OpBetween:
		if rule.ThresholdMax == nil {
			return false, validationErr("rule %s: between requires threshold_max", rule.ID)
		}
		return value >= rule.Threshold && value <= *rule.ThresholdMax, nil
	default:
		return false, validationErr("rule %s: unknown operator %q", rule.ID, rule.Operator())
	}
}

// BatchSummary tallies one ProcessActivityBatch run.
type BatchSummary struct {
	Checked    int `json:"checked"`
	Upgraded   int `json:"upgraded"`
	Downgraded int `json:"downgraded"`
	Unchanged  int `json:"unchanged"`
	Errors     int `json:"errors"`
}

// ProcessActivityBatch checks (and applies) eligibility member by member.
// A single member's failure is logged and counted; the batch never aborts.
// With nil memberIDs every active member of the tenant is processed.
func (e *Evaluator) ProcessActivityBatch(ctx context.Context, tenantID string, memberIDs []string) (BatchSummary, error) {
	var sum BatchSummary
	if memberIDs == nil {
		var err error
		memberIDs, err = e.store.ActiveMemberIDs(ctx, tenantID)
		if err != nil {
			return sum, err
		}
	}
	for _, id := range memberIDs {
		report, err := e.CheckEligibility(ctx, tenantID, id, true)
		if err != nil {
			sum.Errors++
			_ = audit.LogEvent(ctx, "loyalty.activity_batch.member_failed", tenantID, map[string]any{
				"member_id": id,
				"error":     err.Error(),
			})
			continue
		}
		sum.Checked++
		switch {
		case !report.Applied:
			sum.Unchanged++
		case report.Result != nil && report.Result.Change == ChangeDowngraded:
			sum.Downgraded++
		default:
			sum.Upgraded++
		}
	}
	_ = audit.LogEvent(ctx, "loyalty.activity_batch.complete", tenantID, map[string]any{
		"checked":   sum.Checked,
		"upgraded":  sum.Upgraded,
		"errors":    sum.Errors,
	})
	return sum, nil
}
