// Package metrics exposes controller metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "heatcap"

// Metrics holds the controller collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ticks             *prometheus.CounterVec
	tickFailures      *prometheus.CounterVec
	tickDuration      prometheus.Histogram
	targetTemperature prometheus.Gauge
	temperature       prometheus.Gauge
	currentPrice      prometheus.Gauge
	savings           prometheus.Gauge
	priceRefreshes    *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewMetrics creates the collectors on a private registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Completed decision ticks by resulting state.",
		}, []string{"state"}),
		tickFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_failures_total",
			Help:      "Ticks that produced no decision, by failure kind.",
		}, []string{"kind"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Histogram of tick durations including I/O.",
			Buckets:   prometheus.DefBuckets,
		}),
		targetTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_temperature_celsius",
			Help:      "Target temperature currently requested from the heater.",
		}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_temperature_celsius",
			Help:      "Last measured storage temperature.",
		}),
		currentPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_unit_price",
			Help:      "Unit price of the current schedule segment.",
		}),
		savings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "savings_per_unit",
			Help:      "Baseline price minus current price of the last decision.",
		}),
		priceRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_refreshes_total",
			Help:      "Price schedule refresh attempts by result.",
		}, []string{"result"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks,
		m.tickFailures,
		m.tickDuration,
		m.targetTemperature,
		m.temperature,
		m.currentPrice,
		m.savings,
		m.priceRefreshes,
		m.httpRequestsTotal,
		m.httpDuration,
	)

	return m
}

// TickSucceeded records a tick that produced a decision.
func (m *Metrics) TickSucceeded(state string, target, price, savings float64, duration time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(state).Inc()
	m.targetTemperature.Set(target)
	m.currentPrice.Set(price)
	m.savings.Set(savings)
	m.tickDuration.Observe(duration.Seconds())
}

// TickFailed records a tick that kept the previous target.
func (m *Metrics) TickFailed(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "io"
	}
	m.tickFailures.WithLabelValues(kind).Inc()
	m.tickDuration.Observe(duration.Seconds())
}

// SetTemperature records the last sensor reading.
func (m *Metrics) SetTemperature(celsius float64) {
	if m == nil {
		return
	}
	m.temperature.Set(celsius)
}

// PriceRefresh records a schedule refresh attempt.
func (m *Metrics) PriceRefresh(success bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !success {
		result = "error"
	}
	m.priceRefreshes.WithLabelValues(result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and their latency under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		duration := time.Since(start).Seconds()
		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(duration)
		}
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
