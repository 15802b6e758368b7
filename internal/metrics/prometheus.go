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

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_upstream_attempts_total{provider,route,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_served_total{provider,route,custom}
	served *prometheus.CounterVec

	// gateway_cooldown_set_total{provider}
	cooldownSet *prometheus.CounterVec

	// gateway_cooldown_skips_total{provider}
	cooldownSkips *prometheus.CounterVec

	// gateway_model_downgrades_total{provider,from,to}
	downgrades *prometheus.CounterVec

	// gateway_custom_provider_calls_total{provider,outcome}
	customCalls *prometheus.CounterVec

	// gateway_stream_tokens_total{provider}
	streamTokens *prometheus.CounterVec

	// gateway_stream_malformed_frames_total{provider}
	malformedFrames *prometheus.CounterVec

	// gateway_stream_synthetic_total
	syntheticStreams prometheus.Counter

	// gateway_exhausted_total{route}
	exhausted *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_tokens_total{provider,route}
	tokensTotal *prometheus.CounterVec

	// gateway_provider_available{provider}
	providerAvailable *prometheus.GaugeVec

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
				Help:    "HTTP request duration in seconds, streams measured until drain",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Upstream provider attempts by outcome",
			},
			[]string{"provider", "route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"provider", "route", "outcome"},
		),

		served: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_served_total",
				Help: "Requests answered, by the provider that served them",
			},
			[]string{"provider", "route", "custom"},
		),

		cooldownSet: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cooldown_set_total",
				Help: "Times a provider was put into cooldown after a failure",
			},
			[]string{"provider"},
		),

		cooldownSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cooldown_skips_total",
				Help: "Candidates skipped because they were in cooldown",
			},
			[]string{"provider"},
		),

		downgrades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_model_downgrades_total",
				Help: "Requests served by a fallback model after a rate limit",
			},
			[]string{"provider", "from", "to"},
		),

		customCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_custom_provider_calls_total",
				Help: "Calls made through a user's own provider override",
			},
			[]string{"provider", "outcome"},
		),

		streamTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_tokens_total",
				Help: "Incremental token deltas delivered to streaming callers",
			},
			[]string{"provider"},
		),

		malformedFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_malformed_frames_total",
				Help: "Stream frames dropped because they could not be decoded",
			},
			[]string{"provider"},
		),

		syntheticStreams: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_stream_synthetic_total",
			Help: "Streams answered with a single synthetic token from a synchronous call",
		}),

		exhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_exhausted_total",
				Help: "Requests where every candidate failed or was unavailable",
			},
			[]string{"route"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "route"},
		),

		providerAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_available",
				Help: "Provider availability (1=configured and not cooling down, 0=otherwise)",
			},
			[]string{"provider"},
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
		r.httpReqSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.served,
		r.cooldownSet,
		r.cooldownSkips,
		r.downgrades,
		r.customCalls,
		r.streamTokens,
		r.malformedFrames,
		r.syntheticStreams,
		r.exhausted,
		r.rateLimitTotal,
		r.tokensTotal,
		r.providerAvailable,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, route, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, route, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordServed(provider, route string, custom bool) {
	r.served.WithLabelValues(provider, route, strconv.FormatBool(custom)).Inc()
}

func (r *Registry) RecordCooldownSet(provider string) {
	r.cooldownSet.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordCooldownSkip(provider string) {
	r.cooldownSkips.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordDowngrade(provider, from, to string) {
	r.downgrades.WithLabelValues(provider, from, to).Inc()
}

func (r *Registry) RecordCustomCall(provider, outcome string) {
	r.customCalls.WithLabelValues(provider, outcome).Inc()
}

func (r *Registry) AddStreamTokens(provider string, n int) {
	if n > 0 {
		r.streamTokens.WithLabelValues(provider).Add(float64(n))
	}
}

func (r *Registry) AddMalformedFrames(provider string, n int) {
	if n > 0 {
		r.malformedFrames.WithLabelValues(provider).Add(float64(n))
	}
}

func (r *Registry) RecordSyntheticStream() { r.syntheticStreams.Inc() }

func (r *Registry) RecordExhausted(route string) {
	r.exhausted.WithLabelValues(route).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(provider, route string, total int) {
	if total > 0 {
		r.tokensTotal.WithLabelValues(provider, route).Add(float64(total))
	}
}

func (r *Registry) SetProviderAvailable(provider string, ok bool) {
	if ok {
		r.providerAvailable.WithLabelValues(provider).Set(1)
		return
	}
	r.providerAvailable.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
