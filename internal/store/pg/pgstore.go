package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tiercore.io/internal/loyalty"
)

// Store implements loyalty.Store over PostgreSQL. Priority revalidation and
// the member/audit writes share one transaction; member rows are taken
// FOR UPDATE so two competing assignments serialize on the row lock.
type Store struct {
	db *sql.DB
}

var _ loyalty.Store = (*Store)(nil)

// Open connects to the DSN with pool settings tuned for the API workload.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; the caller owns its lifecycle.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type pgTx struct {
	tx *sql.Tx
}

var _ loyalty.Tx = (*pgTx)(nil)

// Within runs fn inside one serializable transaction.
func (s *Store) Within(ctx context.Context, fn func(loyalty.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

const memberColumns = `id, tenant_id, email, tags, status, joined_at,
	coalesce(current_tier_id,''), tier_source_kind, tier_source_ref,
	tier_assigned_at, tier_expires_at, subscription_active,
	total_spend, trade_in_count, trade_in_value, order_count, points_earned, referrals`

func scanMember(row *sql.Row) (*loyalty.Member, error) {
	var (
		m          loyalty.Member
		tags       []byte
		kind, ref  sql.NullString
		assignedAt sql.NullTime
		expiresAt  sql.NullTime
	)
	err := row.Scan(
		&m.ID, &m.TenantID, &m.Email, &tags, &m.Status, &m.JoinedAt,
		&m.CurrentTierID, &kind, &ref,
		&assignedAt, &expiresAt, &m.SubscriptionActive,
		&m.Activity.TotalSpend, &m.Activity.TradeInCount, &m.Activity.TradeInValue,
		&m.Activity.OrderCount, &m.Activity.PointsEarned, &m.Activity.Referrals,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loyalty.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &m.Tags); err != nil {
			return nil, fmt.Errorf("decode member tags: %w", err)
		}
	}
	if kind.Valid {
		m.TierSource = &loyalty.Source{Kind: loyalty.SourceKind(kind.String), Reference: ref.String}
	}
	if assignedAt.Valid {
		t := assignedAt.Time
		m.TierAssignedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		m.TierExpiresAt = &t
	}
	return &m, nil
}

func getMember(ctx context.Context, q querier, tenantID, memberID string, forUpdate bool) (*loyalty.Member, error) {
	query := `select ` + memberColumns + ` from members where tenant_id=$1 and id=$2`
	if forUpdate {
		query += ` for update`
	}
	return scanMember(q.QueryRowContext(ctx, query, tenantID, memberID))
}

func (t *pgTx) MemberForUpdate(ctx context.Context, tenantID, memberID string) (*loyalty.Member, error) {
	return getMember(ctx, t.tx, tenantID, memberID, true)
}

func (t *pgTx) UpdateMember(ctx context.Context, m *loyalty.Member) error {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("encode member tags: %w", err)
	}
	var kind, ref sql.NullString
	if m.TierSource != nil {
		kind = sql.NullString{String: string(m.TierSource.Kind), Valid: true}
		ref = sql.NullString{String: m.TierSource.Reference, Valid: true}
	}
	res, err := t.tx.ExecContext(ctx, `
		update members set
			email=$3, tags=$4, status=$5,
			current_tier_id=nullif($6,''), tier_source_kind=$7, tier_source_ref=$8,
			tier_assigned_at=$9, tier_expires_at=$10, subscription_active=$11,
			total_spend=$12, trade_in_count=$13, trade_in_value=$14,
			order_count=$15, points_earned=$16, referrals=$17,
			updated_at=now()
		where tenant_id=$1 and id=$2
	`, m.TenantID, m.ID,
		m.Email, tags, m.Status,
		m.CurrentTierID, kind, ref,
		nullTime(m.TierAssignedAt), nullTime(m.TierExpiresAt), m.SubscriptionActive,
		m.Activity.TotalSpend, m.Activity.TradeInCount, m.Activity.TradeInValue,
		m.Activity.OrderCount, m.Activity.PointsEarned, m.Activity.Referrals,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return loyalty.ErrNotFound
	}
	return nil
}

func getTier(ctx context.Context, q querier, tenantID, tierID string) (*loyalty.Tier, error) {
	var t loyalty.Tier
	err := q.QueryRowContext(ctx, `
		select id, tenant_id, name, bonus_rate, active
		from tiers where tenant_id=$1 and id=$2
	`, tenantID, tierID).Scan(&t.ID, &t.TenantID, &t.Name, &t.BonusRate, &t.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loyalty.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *pgTx) Tier(ctx context.Context, tenantID, tierID string) (*loyalty.Tier, error) {
	return getTier(ctx, t.tx, tenantID, tierID)
}

func (t *pgTx) AppendEvent(ctx context.Context, ev *loyalty.AssignmentEvent) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		insert into assignment_events(
			id, tenant_id, member_id, previous_tier_id, new_tier_id,
			change_type, source_kind, source_ref, reason, expires_at,
			created_by, created_at, metadata)
		values ($1,$2,$3,nullif($4,''),nullif($5,''),$6,$7,$8,$9,$10,$11,$12,$13)
	`, ev.ID, ev.TenantID, ev.MemberID, ev.PreviousTierID, ev.NewTierID,
		ev.Change, ev.Source.Kind, ev.Source.Reference, ev.Reason, nullTime(ev.ExpiresAt),
		ev.CreatedBy, ev.CreatedAt, meta)
	return err
}

const promotionColumns = `id, tenant_id, tier_id, coalesce(code,''), name,
	starts_at, ends_at, grant_duration_days, target_type,
	target_tier_ids, target_tags, target_member_ids,
	max_uses, current_uses, max_uses_per_member,
	upgrade_only, revert_on_expire, active`

func scanPromotion(row *sql.Row) (*loyalty.Promotion, error) {
	var (
		p                        loyalty.Promotion
		tierIDs, tags, memberIDs []byte
	)
	err := row.Scan(
		&p.ID, &p.TenantID, &p.TierID, &p.Code, &p.Name,
		&p.StartsAt, &p.EndsAt, &p.GrantDays, &p.Target,
		&tierIDs, &tags, &memberIDs,
		&p.MaxUses, &p.CurrentUses, &p.MaxUsesPerMember,
		&p.UpgradeOnly, &p.RevertOnExpire, &p.Active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loyalty.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		raw []byte
		dst *[]string
	}{{tierIDs, &p.TargetTierIDs}, {tags, &p.TargetTags}, {memberIDs, &p.TargetMemberIDs}} {
		if len(pair.raw) > 0 {
			if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
				return nil, fmt.Errorf("decode promotion targeting: %w", err)
			}
		}
	}
	return &p, nil
}

func (t *pgTx) PromotionForUpdate(ctx context.Context, tenantID, promotionID string) (*loyalty.Promotion, error) {
	return scanPromotion(t.tx.QueryRowContext(ctx, `
		select `+promotionColumns+` from promotions
		where tenant_id=$1 and id=$2 for update
	`, tenantID, promotionID))
}

func (t *pgTx) PromotionByCode(ctx context.Context, tenantID, code string) (*loyalty.Promotion, error) {
	return scanPromotion(t.tx.QueryRowContext(ctx, `
		select `+promotionColumns+` from promotions
		where tenant_id=$1 and upper(code)=upper($2) for update
	`, tenantID, code))
}

func (t *pgTx) Usage(ctx context.Context, tenantID, memberID, promotionID string) (*loyalty.PromoUsage, error) {
	var (
		u          loyalty.PromoUsage
		expiresAt  sql.NullTime
		revertedAt sql.NullTime
	)
	err := t.tx.QueryRowContext(ctx, `
		select id, tenant_id, member_id, promotion_id, coalesce(previous_tier_id,''),
			expires_at, status, redeemed_at, reverted_at
		from promo_usages
		where tenant_id=$1 and member_id=$2 and promotion_id=$3
	`, tenantID, memberID, promotionID).Scan(
		&u.ID, &u.TenantID, &u.MemberID, &u.PromotionID, &u.PreviousTierID,
		&expiresAt, &u.Status, &u.RedeemedAt, &revertedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loyalty.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		ts := expiresAt.Time
		u.ExpiresAt = &ts
	}
	if revertedAt.Valid {
		ts := revertedAt.Time
		u.RevertedAt = &ts
	}
	return &u, nil
}

func (t *pgTx) InsertUsage(ctx context.Context, u *loyalty.PromoUsage) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into promo_usages(
			id, tenant_id, member_id, promotion_id, previous_tier_id,
			expires_at, status, redeemed_at)
		values ($1,$2,$3,$4,nullif($5,''),$6,$7,$8)
	`, u.ID, u.TenantID, u.MemberID, u.PromotionID, u.PreviousTierID,
		nullTime(u.ExpiresAt), u.Status, u.RedeemedAt)
	return err
}

func (t *pgTx) UpdateUsage(ctx context.Context, u *loyalty.PromoUsage) error {
	res, err := t.tx.ExecContext(ctx, `
		update promo_usages set status=$4, expires_at=$5, reverted_at=$6
		where tenant_id=$1 and member_id=$2 and promotion_id=$3
	`, u.TenantID, u.MemberID, u.PromotionID, u.Status, nullTime(u.ExpiresAt), nullTime(u.RevertedAt))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return loyalty.ErrNotFound
	}
	return nil
}

func (t *pgTx) IncrementPromotionUses(ctx context.Context, tenantID, promotionID string) error {
	res, err := t.tx.ExecContext(ctx, `
		update promotions set current_uses = current_uses + 1
		where tenant_id=$1 and id=$2
	`, tenantID, promotionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return loyalty.ErrNotFound
	}
	return nil
}

// --- read side ---

func (s *Store) Member(ctx context.Context, tenantID, memberID string) (*loyalty.Member, error) {
	return getMember(ctx, s.db, tenantID, memberID, false)
}

func (s *Store) Tiers(ctx context.Context, tenantID string) ([]loyalty.Tier, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, name, bonus_rate, active
		from tiers where tenant_id=$1
		order by bonus_rate asc
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.Tier
	for rows.Next() {
		var t loyalty.Tier
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.BonusRate, &t.Active); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Rules(ctx context.Context, tenantID string, typ loyalty.RuleType) ([]loyalty.EligibilityRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, tier_id, rule_type, metric, threshold_operator,
			threshold_value, threshold_max, coalesce(time_window_days,0), priority, active
		from eligibility_rules
		where tenant_id=$1 and rule_type=$2 and active
		order by priority desc, id asc
	`, tenantID, typ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.EligibilityRule
	for rows.Next() {
		var (
			r   loyalty.EligibilityRule
			max sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.TierID, &r.Type, &r.Metric, &r.Op,
			&r.Threshold, &max, &r.WindowDays, &r.Priority, &r.Active); err != nil {
			return nil, err
		}
		if max.Valid {
			v := max.Float64
			r.ThresholdMax = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Snapshot(ctx context.Context, tenantID, memberID string, windowDays int) (loyalty.MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := loyalty.MetricsSnapshot{WindowDays: windowDays, AsOf: now, Values: map[loyalty.Metric]float64{}}

	m, err := s.Member(ctx, tenantID, memberID)
	if err != nil {
		return snap, err
	}
	if !m.JoinedAt.IsZero() {
		snap.Values[loyalty.MetricMembershipDuration] = now.Sub(m.JoinedAt).Hours() / 24
	}

	if windowDays <= 0 {
		snap.Values[loyalty.MetricTotalSpend] = float64(m.Activity.TotalSpend)
		snap.Values[loyalty.MetricTradeInCount] = float64(m.Activity.TradeInCount)
		snap.Values[loyalty.MetricTradeInValue] = float64(m.Activity.TradeInValue)
		snap.Values[loyalty.MetricOrderCount] = float64(m.Activity.OrderCount)
		snap.Values[loyalty.MetricPointsEarned] = float64(m.Activity.PointsEarned)
		snap.Values[loyalty.MetricReferrals] = float64(m.Activity.Referrals)
		return snap, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		select metric, coalesce(sum(value),0)
		from activity_log
		where tenant_id=$1 and member_id=$2 and occurred_at >= $3
		group by metric
	`, tenantID, memberID, now.Add(-time.Duration(windowDays)*24*time.Hour))
	if err != nil {
		return snap, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			metric loyalty.Metric
			total  float64
		)
		if err := rows.Scan(&metric, &total); err != nil {
			return snap, err
		}
		snap.Values[metric] = total
	}
	return snap, rows.Err()
}

var counterColumn = map[loyalty.Metric]string{
	loyalty.MetricTotalSpend:   "total_spend",
	loyalty.MetricTradeInCount: "trade_in_count",
	loyalty.MetricTradeInValue: "trade_in_value",
	loyalty.MetricOrderCount:   "order_count",
	loyalty.MetricPointsEarned: "points_earned",
	loyalty.MetricReferrals:    "referrals",
}

func (s *Store) RecordActivity(ctx context.Context, tenantID, memberID string, metric loyalty.Metric, value float64, at time.Time) error {
	column, ok := counterColumn[metric]
	if !ok {
		return fmt.Errorf("%w: unknown metric %q", loyalty.ErrValidation, metric)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		update members set %s = %s + $3, updated_at=now()
		where tenant_id=$1 and id=$2
	`, column, column), tenantID, memberID, int64(value))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return loyalty.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		insert into activity_log(tenant_id, member_id, metric, value, occurred_at)
		values ($1,$2,$3,$4,$5)
	`, tenantID, memberID, metric, value, at.UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) EventsByMember(ctx context.Context, tenantID, memberID string, limit int) ([]loyalty.AssignmentEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, member_id, coalesce(previous_tier_id,''), coalesce(new_tier_id,''),
			change_type, source_kind, coalesce(source_ref,''), coalesce(reason,''),
			expires_at, created_by, created_at, metadata
		from assignment_events
		where tenant_id=$1 and member_id=$2
		order by created_at desc, id desc
		limit $3
	`, tenantID, memberID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.AssignmentEvent
	for rows.Next() {
		var (
			ev        loyalty.AssignmentEvent
			expiresAt sql.NullTime
			meta      []byte
		)
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.MemberID, &ev.PreviousTierID, &ev.NewTierID,
			&ev.Change, &ev.Source.Kind, &ev.Source.Reference, &ev.Reason,
			&expiresAt, &ev.CreatedBy, &ev.CreatedAt, &meta); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			ts := expiresAt.Time
			ev.ExpiresAt = &ts
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) ActiveMemberIDs(ctx context.Context, tenantID string) ([]string, error) {
	return s.idQuery(ctx, `
		select id from members where tenant_id=$1 and status='active' order by id
	`, tenantID)
}

func (s *Store) ExpiredTierMembers(ctx context.Context, tenantID string, now time.Time) ([]string, error) {
	return s.idQuery(ctx, `
		select id from members
		where tenant_id=$1 and current_tier_id is not null
			and tier_expires_at is not null and tier_expires_at <= $2
		order by id
	`, tenantID, now)
}

func (s *Store) idQuery(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) ExpiredActiveUsages(ctx context.Context, tenantID string, now time.Time) ([]loyalty.PromoUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, member_id, promotion_id, coalesce(previous_tier_id,''),
			expires_at, status, redeemed_at
		from promo_usages
		where tenant_id=$1 and status='active' and expires_at is not null and expires_at <= $2
		order by id
	`, tenantID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.PromoUsage
	for rows.Next() {
		var (
			u         loyalty.PromoUsage
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&u.ID, &u.TenantID, &u.MemberID, &u.PromotionID, &u.PreviousTierID,
			&expiresAt, &u.Status, &u.RedeemedAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			ts := expiresAt.Time
			u.ExpiresAt = &ts
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
