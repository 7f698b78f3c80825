// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JoinsTotal counts join attempts, partitioned by result.
	JoinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stakefit_joins_total",
		Help: "Total challenge join attempts",
	}, []string{"result"})

	// StakedCents is the cumulative amount escrowed by joins.
	StakedCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stakefit_staked_cents_total",
		Help: "Cumulative stake escrowed, in cents",
	})

	// ExposureLimitRejections counts joins rejected by the exposure limiter.
	ExposureLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stakefit_exposure_limit_rejections_total",
		Help: "Joins rejected by the per-user exposure limit",
	})

	// FinalizationsTotal counts finalize calls by result
	// (settled, void, replay, in_progress, not_ended, error).
	FinalizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stakefit_finalizations_total",
		Help: "Total finalize calls",
	}, []string{"result"})

	FinalizeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stakefit_finalize_latency_seconds",
		Help:    "Finalize latency in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// PayoutCents tracks cents released from escrow by entry kind.
	PayoutCents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stakefit_payout_cents_total",
		Help: "Cents released from escrow at settlement",
	}, []string{"kind"})

	// FeeCents is the cumulative platform fee collected.
	FeeCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stakefit_fee_cents_total",
		Help: "Cumulative platform fee collected, in cents",
	})

	// InvariantViolations counts conservation or projection mismatches.
	// Any increase needs operator attention.
	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stakefit_invariant_violations_total",
		Help: "Detected money-conservation or projection mismatches",
	}, []string{"component"})

	// EvaluationsTotal counts evaluator calls by result (ok, unavailable, error).
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stakefit_evaluations_total",
		Help: "Performance evaluations by result",
	}, []string{"result"})

	// SchedulerRuns counts scheduler job runs by job and result.
	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stakefit_scheduler_runs_total",
		Help: "Scheduler job runs",
	}, []string{"job", "result"})

	// WebSocketClients is the current number of event stream subscribers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stakefit_websocket_clients",
		Help: "Connected event stream subscribers",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stakefit_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stakefit_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route",
		Buckets: prometheus.ExponentialBuckets(0.001, 2.5, 10),
	}, []string{"method", "route"})
)

func Handler() http.Handler { return promhttp.Handler() }

// Middleware records request count and latency per chi route pattern.
// Unmatched requests share one "unmatched" label.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			// Hijacked (websocket) or nothing written.
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(started).Seconds())
	})
}
