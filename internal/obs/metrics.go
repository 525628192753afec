package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the service reports ready.",
	})

	ledgerBlocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "certledger_ledger_blocks",
		Help: "Number of blocks in the local certificate ledger, genesis included.",
	})

	ledgerValid = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "certledger_ledger_valid",
		Help: "1 when the last integrity scan found no corrupted blocks.",
	})

	approvalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certledger_approval_transitions_total",
			Help: "Approval workflow transitions by kind.",
		},
		[]string{"transition"},
	)

	anchorAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certledger_anchor_attempts_total",
			Help: "External chain anchoring attempts by result.",
		},
		[]string{"result"},
	)

	recoveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certledger_recovery_total",
			Help: "Recovery lookups against the external chain by result.",
		},
		[]string{"result"},
	)
)

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			ledgerBlocks, ledgerValid, approvalTransitions, anchorAttempts, recoveryTotal,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) { readyGauge.Set(boolGauge(ok)) }

// ObserveLedger records the current ledger size and validity.
func ObserveLedger(blocks int, valid bool) {
	ledgerBlocks.Set(float64(blocks))
	ledgerValid.Set(boolGauge(valid))
}

// CountTransition increments the approval transition counter.
func CountTransition(transition string) { approvalTransitions.WithLabelValues(transition).Inc() }

// CountAnchor increments the anchoring counter for result (anchored, existing, failed).
func CountAnchor(result string) { anchorAttempts.WithLabelValues(result).Inc() }

// CountRecovery increments the recovery counter for result (recovered, failed).
func CountRecovery(result string) { recoveryTotal.WithLabelValues(result).Inc() }

func boolGauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

// Instrument wraps next with RPS, latency and in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// routeTemplates lists the parameterised routes. Literal templates come first so
// that /v1/approvals/pending is not collapsed into /v1/approvals/:id.
var routeTemplates = [][]string{
	{"v1", "approvals", "pending"},
	{"v1", "approvals", "history"},
	{"v1", "approvals", "mine"},
	{"v1", "approvals", "threshold"},
	{"v1", "approvals", ":id"},
	{"v1", "approvals", ":id", "message"},
	{"v1", "approvals", ":id", "rejection-message"},
	{"v1", "approvals", ":id", "approve"},
	{"v1", "approvals", ":id", "reject"},
	{"v1", "approvals", ":id", "resubmit"},
	{"v1", "approvals", ":id", "anchor"},
	{"v1", "certificates", ":id", "approvals"},
	{"v1", "ledger", "certificates", ":id"},
	{"v1", "ledger", "blocks", ":index"},
	{"v1", "ledger", "blocks", ":index", "validity"},
	{"v1", "public", "recover", ":tx"},
}

// CanonicalPath collapses identifiers in known routes so metric label
// cardinality stays bounded. Unknown paths are returned unchanged.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	segs := strings.Split(strings.Trim(raw, "/"), "/")
	for _, tpl := range routeTemplates {
		if matchTemplate(tpl, segs) {
			return "/" + strings.Join(tpl, "/")
		}
	}
	return raw
}

func matchTemplate(tpl, segs []string) bool {
	if len(tpl) != len(segs) {
		return false
	}
	for i, part := range tpl {
		if strings.HasPrefix(part, ":") {
			if segs[i] == "" {
				return false
			}
			continue
		}
		if part != segs[i] {
			return false
		}
	}
	return true
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
