package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tiercore.io/internal/loyalty"
	"tiercore.io/internal/obs"
	"tiercore.io/internal/stream"
)

// ReadyProbe reports whether the service can take traffic (e.g. ping the DB).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// TierLister serves the tier catalog; either the store directly or the Redis
// read-through in front of it.
type TierLister interface {
	Tiers(ctx context.Context, tenantID string) ([]loyalty.Tier, error)
}

// Engine bundles the tier engine components the API fronts.
type Engine struct {
	Resolver    *loyalty.Resolver
	Evaluator   *loyalty.Evaluator
	Promotions  *loyalty.PromotionManager
	Expirations *loyalty.ExpirationProcessor
	Bulk        *loyalty.BulkOrchestrator
}

// API is the HTTP layer.
type API struct {
	router      chi.Router
	store       loyalty.Store
	tiers       TierLister
	engine      Engine
	dispatcher  *loyalty.Dispatcher
	stream      *stream.Stream
	readyProbe  ReadyProbe
	version     string
	requireAuth bool
}

// Option configures the API.
type Option func(*API)

// WithStream attaches the SSE fan-out for committed tier changes.
func WithStream(s *stream.Stream) Option {
	return func(a *API) { a.stream = s }
}

// WithDispatcher attaches the post-commit effects dispatcher.
func WithDispatcher(d *loyalty.Dispatcher) Option {
	return func(a *API) { a.dispatcher = d }
}

// WithTierLister replaces the catalog source, e.g. with the Redis cache.
func WithTierLister(tl TierLister) Option {
	return func(a *API) {
		if tl != nil {
			a.tiers = tl
		}
	}
}

// WithAuth requires a valid bearer token on /v1 routes.
func WithAuth(required bool) Option {
	return func(a *API) { a.requireAuth = required }
}

// New builds the router. Middleware installed per route group; the domain
// routes additionally go through bearer auth when enabled.
func New(store loyalty.Store, engine Engine, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		store:      store,
		tiers:      store,
		engine:     engine,
		readyProbe: rp,
		version:    version,
	}
	for _, opt := range opts {
		opt(a)
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())
	r.Get("/v1/info", a.info)

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.withAuth)

		r.Route("/members/{memberID}", func(r chi.Router) {
			r.Post("/tier", a.assignTier)
			r.Delete("/tier", a.removeTier)
			r.Post("/eligibility", a.checkEligibility)
			r.Get("/events", a.memberEvents)
			r.Post("/activity", a.recordActivity)
		})

		r.Post("/promotions/apply", a.applyPromotion)
		r.Post("/promotions/{promotionID}/expire", a.expirePromotion)

		r.Post("/jobs/expirations", a.runExpirationSweep)
		r.Post("/jobs/activity", a.runActivityBatch)

		r.Post("/bulk/assign", a.bulkAssign)
		r.Post("/bulk/remove", a.bulkRemove)

		r.Get("/tiers", a.listTiers)
		r.Get("/events/stream", a.streamEvents)
	})

	a.router = r
	return a
}

// Handler returns the fully instrumented handler for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tiercore-api",
		"version": a.version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tiercore-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

const tenantHeader = "X-Tenant-ID"

func tenantID(r *http.Request) string {
	return r.Header.Get(tenantHeader)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, loyalty.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, loyalty.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, loyalty.ErrPriorityConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, loyalty.ErrNotActive),
		errors.Is(err, loyalty.ErrAlreadyUsed),
		errors.Is(err, loyalty.ErrTargetingMismatch),
		errors.Is(err, loyalty.ErrNotAnUpgrade):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// finish performs everything a committed transition owes outside the
// transaction: engine metrics, the SSE feed and the effects dispatch. The
// dispatch runs detached so a slow tag service never holds the response.
func (a *API) finish(ctx context.Context, effects []loyalty.Effect) {
	if len(effects) == 0 {
		return
	}
	now := time.Now().UTC()
	for _, ef := range effects {
		if ef.Kind != loyalty.EffectNotify {
			continue
		}
		obs.TierChange(string(ef.Change), string(ef.Source.Kind))
		if a.stream != nil {
			a.stream.Publish(stream.FromEffect(ef, now))
		}
	}
	if a.dispatcher != nil {
		detached := context.WithoutCancel(ctx)
		go a.dispatcher.Dispatch(detached, effects)
	}
}
