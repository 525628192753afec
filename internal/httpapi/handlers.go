package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"certledger.org/internal/anchor"
	"certledger.org/internal/approval"
	"certledger.org/internal/auth"
	"certledger.org/internal/ledger"
	"certledger.org/internal/obs"
	"certledger.org/internal/recovery"
	"certledger.org/internal/stream"
)

const serviceName = "certledger"

// ReadyProbe checks readiness, for example a database ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Readiness is satisfied by ReadyProbe and by test fakes.
type Readiness interface {
	Check(ctx context.Context) error
}

// Deps are the services the API serves. Recovery and Stream may be nil.
type Deps struct {
	Ready       Readiness
	Version     string
	Ledger      *ledger.InMemory
	Approvals   *approval.Workflow
	Anchor      *anchor.Service
	Recovery    *recovery.Verifier
	Stream      *stream.Stream
	CORSOrigins []string
	RateBurst   int
	RatePerSec  float64 // 0 disables rate limiting
}

// API is the HTTP layer.
type API struct {
	ready       Readiness
	version     string
	ledger      *ledger.InMemory
	approvals   *approval.Workflow
	anchor      *anchor.Service
	recovery    *recovery.Verifier
	stream      *stream.Stream
	corsOrigins []string
	rateBurst   int
	ratePerSec  float64
}

func New(d Deps) *API {
	a := &API{
		ready:       d.Ready,
		version:     d.Version,
		ledger:      d.Ledger,
		approvals:   d.Approvals,
		anchor:      d.Anchor,
		recovery:    d.Recovery,
		stream:      d.Stream,
		corsOrigins: d.CORSOrigins,
		rateBurst:   d.RateBurst,
		ratePerSec:  d.RatePerSec,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 1
	}
	return a
}

// Handler returns the routed handler with the full middleware stack.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, LoggingJSON, SecurityHeaders, CORS(a.corsOrigins), obs.Instrument)
	if a.ratePerSec > 0 {
		r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })
	}
	r.Use(a.withAuth)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.Info)
		r.Get("/events", a.Stream)
		r.With(RequireRole(string(auth.RoleAdmin))).Get("/audit", a.auditTrail)

		r.Route("/approvals", a.approvalRoutes)
		r.Get("/certificates/{certificateID}/approvals", a.approvalsForCertificate)
		r.Route("/ledger", a.ledgerRoutes)
		r.Route("/public", a.publicRoutes)
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	if a.ledger != nil && a.ledger.Len() == 0 {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  ledger.ErrLedgerUninitialized.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
