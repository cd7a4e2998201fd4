// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_deployment_selections_total{model,deployment}
	selectionsTotal *prometheus.CounterVec

	// gateway_routing_failures_total{model,reason}
	routingFailures *prometheus.CounterVec

	// gateway_dispatch_attempts_total{deployment,outcome}
	dispatchAttempts *prometheus.CounterVec

	// gateway_dispatch_duration_seconds{deployment,outcome}
	dispatchDuration *prometheus.HistogramVec

	// gateway_auth_total{outcome}
	authTotal *prometheus.CounterVec

	// gateway_masking_duration_seconds{stage}
	maskingDuration *prometheus.HistogramVec

	// gateway_tokens_total{deployment,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_usage_record_errors_total
	usageRecordErrors prometheus.Counter

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes masking + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		selectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_deployment_selections_total",
				Help: "Deployments chosen by the router per logical model",
			},
			[]string{"model", "deployment"},
		),

		routingFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_routing_failures_total",
				Help: "Routing failures by reason (unknown_model, no_available_deployment)",
			},
			[]string{"model", "reason"},
		),

		dispatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_attempts_total",
				Help: "Backend dispatch attempts (includes retries against other deployments)",
			},
			[]string{"deployment", "outcome"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_dispatch_duration_seconds",
				Help:    "Backend dispatch attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"deployment", "outcome"},
		),

		authTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_total",
				Help: "Authentication decisions by outcome",
			},
			[]string{"outcome"},
		),

		maskingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_masking_duration_seconds",
				Help:    "Redaction stage duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"stage"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"deployment", "direction"},
		),

		usageRecordErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_usage_record_errors_total",
			Help: "Failed quota counter updates after completed backend calls",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.selectionsTotal,
		r.routingFailures,
		r.dispatchAttempts,
		r.dispatchDuration,
		r.authTotal,
		r.maskingDuration,
		r.tokensTotal,
		r.usageRecordErrors,
		r.cacheOps,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) RecordSelection(model, deployment string) {
	r.selectionsTotal.WithLabelValues(model, deployment).Inc()
}

func (r *Registry) RecordRoutingFailure(model, reason string) {
	r.routingFailures.WithLabelValues(model, reason).Inc()
}

// ObserveDispatch records one backend dispatch attempt.
func (r *Registry) ObserveDispatch(deployment, outcome string, dur time.Duration) {
	r.dispatchAttempts.WithLabelValues(deployment, outcome).Inc()
	r.dispatchDuration.WithLabelValues(deployment, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordAuth(outcome string) {
	r.authTotal.WithLabelValues(outcome).Inc()
}

func (r *Registry) ObserveMasking(stage string, dur time.Duration) {
	r.maskingDuration.WithLabelValues(stage).Observe(dur.Seconds())
}

func (r *Registry) AddTokens(deployment string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(deployment, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(deployment, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) RecordUsageRecordError() {
	r.usageRecordErrors.Inc()
}

func (r *Registry) CacheGetHit()  { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheGetMiss() { r.cacheOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) CacheSetOK()   { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
