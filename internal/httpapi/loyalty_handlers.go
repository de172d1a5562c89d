package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tiercore.io/internal/audit"
	"tiercore.io/internal/auth"
	"tiercore.io/internal/loyalty"
	"tiercore.io/internal/obs"
)

type sourceBody struct {
	Kind      string `json:"kind"`
	Reference string `json:"reference,omitempty"`
}

func (s sourceBody) toSource() loyalty.Source {
	kind := strings.TrimSpace(s.Kind)
	if kind == "" {
		kind = string(loyalty.SourceAPI)
	}
	return loyalty.Source{Kind: loyalty.SourceKind(kind), Reference: strings.TrimSpace(s.Reference)}
}

type assignTierRequest struct {
	TierID    string            `json:"tier_id"`
	Source    sourceBody        `json:"source"`
	Reason    string            `json:"reason,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Force     bool              `json:"force,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type removeTierRequest struct {
	Source sourceBody `json:"source"`
	Cause  string     `json:"cause,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// actor is the authenticated user when present, "api" otherwise.
func actor(r *http.Request) string {
	if uid, ok := auth.UserIDFromContext(r.Context()); ok && uid != "" {
		return uid
	}
	return "api"
}

func (a *API) requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := strings.TrimSpace(tenantID(r))
	if tenant == "" {
		writeError(w, r, http.StatusBadRequest, tenantHeader+" header is required")
		return "", false
	}
	return tenant, true
}

func (a *API) assignTier(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.requireTenant(w, r)
	if !ok {
		return
	}
	var req assignTierRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Force && a.requireAuth && !auth.HasRole(r.Context(), auth.RoleStaff) {
		writeError(w, r, http.StatusForbidden, "force requires the staff role")
		return
	}

	memberID := chi.URLParam(r, "memberID")
	res, err := a.engine.Resolver.AssignTier(r.Context(), loyalty.AssignRequest{
		TenantID:  tenant,
		MemberID:  memberID,
		TierID:    req.TierID,
		Source:    req.Source.toSource(),
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
		CreatedBy: actor(r),
		Force:     req.Force,
		Metadata:  req.Metadata,
	})
	if err != nil {
		handleEngineError(w, r, err)
		return
	}

	a.audit(r.Context(), "loyalty.tier.assign", tenant, map[string]any{
		"member_id": memberID,
		"tier_id":   req.TierID,
		"change":    string(res.Change),
		"forced":    req.Force,
	})
	a.finish(r.Context(), res.Effects)
	writeJSON(w, http.StatusOK, res)
}

func (a *API) removeTier(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.requireTenant(w, r)
	if !ok {
		return
	}
	var req removeTierRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	cause := loyalty.RemovalCause(req.Cause)
	if req.Cause == "" {
		cause = loyalty.CauseManual
	}

	memberID := chi.URLParam(r, "memberID")
	res, err := a.engine.Resolver.RemoveTier(r.Context(), loyalty.RemoveRequest{
		TenantID:  tenant,
		MemberID:  memberID,
		Source:    req.Source.toSource(),
		Cause:     cause,
		Reason:    req.Reason,
		CreatedBy: actor(r),
	})
	if err != nil {
		handleEngineError(w, r, err)
		return
	}

	a.audit(r.Context(), "loyalty.tier.remove", tenant, map[string]any{
		"member_id": memberID,
		"cause":     string(cause),
		"no_op":     res.NoOp,
	})
	a.finish(r.Context(), res.Effects)
	writeJSON(w, http.StatusOK, res)
}

type eligibilityRequest struct {
	Apply bool `json:"apply,omitempty"`
}

func (a *API) checkEligibility(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.requireTenant(w, r)
	if !ok {
		return
	}
	var req eligibilityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	memberID := chi.URLParam(r, "memberID")
	report, err := a.engine.Evaluator.CheckEligibility(r.Context(), tenant, memberID, req.Apply)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	if report.Result != nil {
		a.finish(r.Context(), report.Result.Effects)
	}
	writeJSON(w, http.StatusOK, report)
}

type applyPromotionRequest struct {
	MemberID    string `json:"member_id"`
	PromotionID string `json:"promotion_id,omitempty"`
	Code        string `json:"code,omitempty"`
}

func (a *API) applyPromotion(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.requireTenant(w, r)
	if !ok {
		return
	}
	var req applyPromotionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.engine.Promotions.ApplyPromotion(r.Context(), loyalty.ApplyPromotionRequest{
		TenantID:    tenant,
		MemberID:    req.MemberID,
		PromotionID: req.PromotionID,
		Code:        req.Code,
		CreatedBy:   actor(r),
	})
	if err != nil {
		handleEngineError(w, r, err)
		return
	}

	obs.PromoRedemption()
	a.audit(r.Context(), "loyalty.promotion.apply", tenant, map[string]any{
		"member_id":    req.MemberID,
		"promotion_id": res.Promotion.ID,
	})
	a.finish(r.Context(), res.Effects())
	writeJSON(w, http.StatusOK, res)
}

type expirePromotionRequest struct {
	MemberID string `json:"member_id"`
}

func (a *API) expirePromotion(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.requireTenant(w, r)
	if !ok {
		return
	}
	var req expirePromotionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	promotionID := chi.URLParam(r, "promotionID")
	res, err := a.engine.Promotions.ExpirePromotion(r.Context(), tenant, req.MemberID, promotionID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}

	a.audit(r.Context(), "loyalty.promotion.expire", tenant, map[string]any{
		"member_id":    req.MemberID,
		"promotion_id": promotionID,
		"no_op":        res.NoOp,
	})
	a.finish(r.Context(), res.Effects())
	writeJSON(w, http.StatusOK, res)
}

func (a *API) runExpirationSweep(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.requireTenant(w, r)
	if !ok {
		return
	}
	sum, err := a.engine.Expirations.ProcessExpiredTiers(r.Context(), tenant)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	obs.SweepItems("removed", sum.Removed)
	obs.SweepItems("reverted", sum.Reverted)
	obs.SweepItems("error", sum.Errors)
	a.finish(r.Context(), sum.Effects)
	writeJSON(w, http.StatusOK, sum)
}

type activityBatchRequest struct {
	MemberIDs []string `json:"member_ids,omitempty"`
}

func (a *API) runActivityBatch(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.requireTenant(w, r)
	if !ok {
		return
	}
	var req activityBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := a.engine.Evaluator.ProcessActivityBatch(r.Context(), tenant, req.MemberIDs)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type bulkAssignRequest struct {
	MemberIDs []string   `json:"member_ids"`
	TierID    string     `json:"tier_id"`
	Source    sourceBody `json:"source"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Force     bool       `json:"force,omitempty"`
}

func (a *API) bulkAssign(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.requireTenant(w, r)
	if !ok {
		return
	}
	var req bulkAssignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.MemberIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "member_ids must not be empty")
		return
	}
	if req.Force && a.requireAuth && !auth.HasRole(r.Context(), auth.RoleStaff) {
		writeError(w, r, http.StatusForbidden, "force requires the staff role")
		return
	}

	sum := a.engine.Bulk.AssignAll(r.Context(), req.MemberIDs, loyalty.AssignRequest{
		TenantID:  tenant,
		TierID:    req.TierID,
		Source:    req.Source.toSource(),
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
		CreatedBy: actor(r),
		Force:     req.Force,
	})
	a.audit(r.Context(), "loyalty.tier.bulk_assign", tenant, map[string]any{
		"tier_id":   req.TierID,
		"succeeded": sum.Succeeded,
		"failed":    sum.Failed,
	})
	a.finish(r.Context(), sum.Effects)
	writeJSON(w, http.StatusOK, sum)
}

type bulkRemoveRequest struct {
	MemberIDs []string   `json:"member_ids"`
	Source    sourceBody `json:"source"`
	Cause     string     `json:"cause,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

func (a *API) bulkRemove(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.requireTenant(w, r)
	if !ok {
		return
	}
	var req bulkRemoveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.MemberIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "member_ids must not be empty")
		return
	}
	cause := loyalty.RemovalCause(req.Cause)
	if req.Cause == "" {
		cause = loyalty.CauseManual
	}

	sum := a.engine.Bulk.RemoveAll(r.Context(), req.MemberIDs, loyalty.RemoveRequest{
		TenantID:  tenant,
		Source:    req.Source.toSource(),
		Cause:     cause,
		Reason:    req.Reason,
		CreatedBy: actor(r),
	})
	a.audit(r.Context(), "loyalty.tier.bulk_remove", tenant, map[string]any{
		"succeeded": sum.Succeeded,
		"failed":    sum.Failed,
	})
	a.finish(r.Context(), sum.Effects)
	writeJSON(w, http.StatusOK, sum)
}

type recordActivityRequest struct {
	Metric     string     `json:"metric"`
	Value      float64    `json:"value"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

func (a *API) recordActivity(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.requireTenant(w, r)
	if !ok {
		return
	}
	var req recordActivityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	at := time.Now().UTC()
	if req.OccurredAt != nil {
		at = req.OccurredAt.UTC()
	}

	memberID := chi.URLParam(r, "memberID")
	err := a.store.RecordActivity(r.Context(), tenant, memberID, loyalty.Metric(req.Metric), req.Value, at)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"recorded": true})
}

func (a *API) memberEvents(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.requireTenant(w, r)
	if !ok {
		return
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}

	memberID := chi.URLParam(r, "memberID")
	events, err := a.store.EventsByMember(r.Context(), tenant, memberID, limit)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": events,
		"as_of": time.Now().UTC(),
	})
}

func (a *API) listTiers(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.requireTenant(w, r)
	if !ok {
		return
	}
	tiers, err := a.tiers.Tiers(r.Context(), tenant)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tiers})
}

func (a *API) audit(ctx context.Context, event, tenant string, fields map[string]any) {
	_ = audit.LogEvent(ctx, event, tenant, fields)
}
