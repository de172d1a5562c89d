package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"tiercore.io/internal/auth"
	"tiercore.io/internal/loyalty"
)

const testTenant = "t-acme"

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *loyalty.MemStore
	t       *testing.T
}

func seedStore(store *loyalty.MemStore) {
	tiers := []loyalty.Tier{
		{ID: "tier-bronze", Name: "Bronze", BonusRate: 0.01, Active: true},
		{ID: "tier-silver", Name: "Silver", BonusRate: 0.03, Active: true},
		{ID: "tier-gold", Name: "Gold", BonusRate: 0.05, Active: true},
	}
	for i := range tiers {
		tiers[i].TenantID = testTenant
		store.AddTier(&tiers[i])
	}
	store.AddMember(&loyalty.Member{
		ID:       "m1",
		TenantID: testTenant,
		Email:    "m1@shop.example",
		Status:   loyalty.StatusActive,
		JoinedAt: time.Now().UTC().Add(-90 * 24 * time.Hour),
	})
	store.AddRule(&loyalty.EligibilityRule{
		ID:        "r-silver",
		TenantID:  testTenant,
		TierID:    "tier-silver",
		Type:      loyalty.RuleQualification,
		Metric:    loyalty.MetricTotalSpend,
		Op:        loyalty.OpGTE,
		Threshold: 25000,
		Priority:  20,
		Active:    true,
	})
	now := time.Now().UTC()
	store.AddPromotion(&loyalty.Promotion{
		ID:             "promo-1",
		TenantID:       testTenant,
		TierID:         "tier-gold",
		Code:           "GOLD30",
		Name:           "Gold for a month",
		StartsAt:       now.Add(-time.Hour),
		EndsAt:         now.Add(30 * 24 * time.Hour),
		GrantDays:      30,
		Target:         loyalty.TargetAll,
		RevertOnExpire: true,
		Active:         true,
	})
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()

	store := loyalty.NewMemStore()
	seedStore(store)

	resolver := loyalty.NewResolver(store)
	promos := loyalty.NewPromotionManager(store, resolver)
	engine := Engine{
		Resolver:    resolver,
		Evaluator:   loyalty.NewEvaluator(store, resolver),
		Promotions:  promos,
		Expirations: loyalty.NewExpirationProcessor(store, resolver, promos),
		Bulk:        loyalty.NewBulkOrchestrator(resolver),
	}

	api := New(store, engine, ReadyProbe{}, "test", opts...)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tenantHeader, testTenant)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func assignBody(tierID, kind string) map[string]any {
	return map[string]any{
		"tier_id": tierID,
		"source":  map[string]any{"kind": kind, "reference": "test"},
	}
}

func TestAssignRemoveFlow(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/members/m1/tier", assignBody("tier-gold", "staff"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign status: %d", resp.StatusCode)
	}
	res := decode[map[string]any](t, resp)
	if res["new_tier_id"] != "tier-gold" || res["change_type"] != "assigned" {
		t.Fatalf("unexpected result: %v", res)
	}

	// A weaker source must bounce off the staff-held tier.
	resp = api.post("/v1/members/m1/tier", assignBody("tier-silver", "api"), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	errBody := decode[map[string]any](t, resp)
	if errBody["error"] == nil || errBody["request_id"] == nil {
		t.Fatalf("error payload missing fields: %v", errBody)
	}

	resp = api.do(http.MethodDelete, "/v1/members/m1/tier", map[string]any{
		"source": map[string]any{"kind": "staff", "reference": "test"},
		"reason": "cleanup",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove status: %d", resp.StatusCode)
	}
	removed := decode[map[string]any](t, resp)
	if removed["previous_tier_id"] != "tier-gold" {
		t.Fatalf("unexpected removal: %v", removed)
	}

	resp = api.get("/v1/members/m1/events", url.Values{"limit": []string{"10"}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status: %d", resp.StatusCode)
	}
	events := decode[map[string]any](t, resp)
	if items, ok := events["items"].([]any); !ok || len(items) != 2 {
		t.Fatalf("expected 2 events, got %v", events["items"])
	}
}

func TestAssignRequiresTenantHeader(t *testing.T) {
	api := newTestAPI(t)
	resp := api.post("/v1/members/m1/tier", assignBody("tier-gold", "staff"),
		map[string]string{tenantHeader: ""})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAssignErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	cases := []struct {
		name   string
		path   string
		body   map[string]any
		status int
	}{
		{"unknown member", "/v1/members/ghost/tier", assignBody("tier-gold", "staff"), http.StatusNotFound},
		{"unknown tier", "/v1/members/m1/tier", assignBody("tier-platinum", "staff"), http.StatusNotFound},
		{"missing tier id", "/v1/members/m1/tier", assignBody("", "staff"), http.StatusBadRequest},
		{"bad source kind", "/v1/members/m1/tier", assignBody("tier-gold", "wizard"), http.StatusBadRequest},
		{"unknown field", "/v1/members/m1/tier", map[string]any{"tier": "gold"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.post(tc.path, tc.body, nil)
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
		})
	}
}

func TestPromotionEndpoints(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/promotions/apply", map[string]any{
		"member_id": "m1",
		"code":      "gold30",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("apply status: %d", resp.StatusCode)
	}
	applied := decode[map[string]any](t, resp)
	if applied["usage"] == nil {
		t.Fatalf("expected usage in response: %v", applied)
	}

	// Second redemption by the same member is rejected.
	resp = api.post("/v1/promotions/apply", map[string]any{
		"member_id": "m1",
		"code":      "GOLD30",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/promotions/promo-1/expire", map[string]any{
		"member_id": "m1",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expire status: %d", resp.StatusCode)
	}
	expired := decode[map[string]any](t, resp)
	if expired["no_op"] == true {
		t.Fatalf("first expire must not be a no-op: %v", expired)
	}
}

func TestExpirationSweepEndpoint(t *testing.T) {
	api := newTestAPI(t)
	resp := api.post("/v1/jobs/expirations", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sweep status: %d", resp.StatusCode)
	}
	sum := decode[map[string]any](t, resp)
	if sum["processed"].(float64) != 0 {
		t.Fatalf("fresh store must sweep nothing: %v", sum)
	}
}

func TestActivityAndEligibility(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/members/m1/activity", map[string]any{
		"metric": "total_spend",
		"value":  30000,
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("activity status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/members/m1/eligibility", map[string]any{"apply": true}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("eligibility status: %d", resp.StatusCode)
	}
	report := decode[map[string]any](t, resp)
	if report["eligible_tier_id"] != "tier-silver" || report["applied"] != true {
		t.Fatalf("unexpected report: %v", report)
	}
}

func TestBulkEndpoints(t *testing.T) {
	api := newTestAPI(t)
	api.store.AddMember(&loyalty.Member{
		ID:       "m2",
		TenantID: testTenant,
		Status:   loyalty.StatusActive,
		JoinedAt: time.Now().UTC(),
	})

	resp := api.post("/v1/bulk/assign", map[string]any{
		"member_ids": []string{},
		"tier_id":    "tier-bronze",
		"source":     map[string]any{"kind": "system"},
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty member_ids must 400, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/bulk/assign", map[string]any{
		"member_ids": []string{"m1", "m2", "ghost"},
		"tier_id":    "tier-bronze",
		"source":     map[string]any{"kind": "system"},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bulk assign status: %d", resp.StatusCode)
	}
	sum := decode[map[string]any](t, resp)
	if sum["succeeded"].(float64) != 2 || sum["failed"].(float64) != 1 {
		t.Fatalf("unexpected summary: %v", sum)
	}

	resp = api.post("/v1/bulk/remove", map[string]any{
		"member_ids": []string{"m1", "m2"},
		"source":     map[string]any{"kind": "staff"},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bulk remove status: %d", resp.StatusCode)
	}
	sum = decode[map[string]any](t, resp)
	if sum["succeeded"].(float64) != 2 {
		t.Fatalf("unexpected summary: %v", sum)
	}
}

func TestListTiersSortedByRate(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get("/v1/tiers", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tiers status: %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	items := payload["items"].([]any)
	if len(items) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(items))
	}
	first := items[0].(map[string]any)
	if first["id"] != "tier-bronze" {
		t.Fatalf("expected bronze first, got %v", first["id"])
	}
}

func TestHealthEndpointsArePublic(t *testing.T) {
	api := newTestAPI(t, WithAuth(true))
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := api.get(path, nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status: %d", path, resp.StatusCode)
		}
	}
}

func TestAuthEnforcement(t *testing.T) {
	t.Setenv("TIERCORE_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	api := newTestAPI(t, WithAuth(true))

	resp := api.post("/v1/members/m1/tier", assignBody("tier-gold", "staff"), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	supportToken, err := auth.GenerateToken("sam", nil, []string{"support"}, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	forced := assignBody("tier-gold", "staff")
	forced["force"] = true
	resp = api.post("/v1/members/m1/tier", forced,
		map[string]string{"Authorization": "Bearer " + supportToken})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("force without staff role must 403, got %d", resp.StatusCode)
	}

	staffToken, err := auth.GenerateToken("ann", nil, []string{auth.RoleStaff}, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	resp = api.post("/v1/members/m1/tier", forced,
		map[string]string{"Authorization": "Bearer " + staffToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("staff force status: %d", resp.StatusCode)
	}
	res := decode[map[string]any](t, resp)
	member := res["member"].(map[string]any)
	if member["tier_source"].(map[string]any)["kind"] != "staff" {
		t.Fatalf("unexpected member state: %v", member)
	}
}

func TestAuthTenantScope(t *testing.T) {
	t.Setenv("TIERCORE_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	api := newTestAPI(t, WithAuth(true))

	otherToken, err := auth.GenerateToken("ann", []string{"t-other"}, []string{auth.RoleStaff}, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	resp := api.post("/v1/members/m1/tier", assignBody("tier-gold", "staff"),
		map[string]string{"Authorization": "Bearer " + otherToken})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("token scoped to another tenant must 403, got %d", resp.StatusCode)
	}

	scopedToken, err := auth.GenerateToken("ann", []string{testTenant}, []string{auth.RoleStaff}, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	resp = api.post("/v1/members/m1/tier", assignBody("tier-gold", "staff"),
		map[string]string{"Authorization": "Bearer " + scopedToken})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("matching tenant scope status: %d", resp.StatusCode)
	}
}
