// Package metrics exports the performance core's gauges to Prometheus.
// The monitoring dashboard pushes each tick's snapshot here; scraping
// is served by the handler this package returns.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the Prometheus collectors for the performance core.
type Registry struct {
	registry *prometheus.Registry

	healthScore      prometheus.Gauge
	dbConnections    *prometheus.GaugeVec
	dbAvgQueryMs     prometheus.Gauge
	dbSlowQueries    prometheus.Gauge
	dbErrors         prometheus.Gauge
	cacheHitRatio    prometheus.Gauge
	cacheDegraded    prometheus.Gauge
	apiAvgResponseMs prometheus.Gauge
	apiErrorRate     prometheus.Gauge
	apiRejections    prometheus.Gauge
	abuseDetections  prometheus.Gauge
	activeAlerts     *prometheus.GaugeVec
}

// New creates a registry with every collector registered, including
// the standard Go runtime collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{registry: reg}

	r.healthScore = newGauge(reg, "platform_health_score", "Composite health score, 0-100.")
	r.dbConnections = newGaugeVec(reg, "db_pool_connections", "Connection pool counts by state.", "state")
	r.dbAvgQueryMs = newGauge(reg, "db_avg_query_time_ms", "Average query time in milliseconds.")
	r.dbSlowQueries = newGauge(reg, "db_slow_queries_total", "Slow queries since start.")
	r.dbErrors = newGauge(reg, "db_query_errors_total", "Query errors since start.")
	r.cacheHitRatio = newGauge(reg, "cache_hit_ratio", "Cache hit ratio, 0-1.")
	r.cacheDegraded = newGauge(reg, "cache_degraded", "1 when the cache backend is degraded.")
	r.apiAvgResponseMs = newGauge(reg, "api_avg_response_time_ms", "Average API response time in milliseconds.")
	r.apiErrorRate = newGauge(reg, "api_error_rate", "API error rate, 0-1.")
	r.apiRejections = newGauge(reg, "api_rate_limit_rejections_total", "Rate limit rejections since start.")
	r.abuseDetections = newGauge(reg, "abuse_detections_total", "Abuse pattern detections since start.")
	r.activeAlerts = newGaugeVec(reg, "active_alerts", "Active performance alerts by severity.", "severity")

	return r
}

func newGauge(reg *prometheus.Registry, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "lusotown", Name: name, Help: help})
	reg.MustRegister(g)
	return g
}

func newGaugeVec(reg *prometheus.Registry, name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: "lusotown", Name: name, Help: help}, labels)
	reg.MustRegister(g)
	return g
}

// Handler serves the scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Database updates the pool gauges.
func (r *Registry) Database(total, active, idle int, avgQueryMs float64, slowQueries, errors int64) {
	r.dbConnections.WithLabelValues("total").Set(float64(total))
	r.dbConnections.WithLabelValues("active").Set(float64(active))
	r.dbConnections.WithLabelValues("idle").Set(float64(idle))
	r.dbAvgQueryMs.Set(avgQueryMs)
	r.dbSlowQueries.Set(float64(slowQueries))
	r.dbErrors.Set(float64(errors))
}

// Cache updates the cache gauges.
func (r *Registry) Cache(hitRatio float64, degraded bool) {
	r.cacheHitRatio.Set(hitRatio)
	if degraded {
		r.cacheDegraded.Set(1)
	} else {
		r.cacheDegraded.Set(0)
	}
}

// API updates the request-path gauges.
func (r *Registry) API(avgResponseMs, errorRate float64, rejections int64) {
	r.apiAvgResponseMs.Set(avgResponseMs)
	r.apiErrorRate.Set(errorRate)
	r.apiRejections.Set(float64(rejections))
}

// Security updates the abuse gauge.
func (r *Registry) Security(detections int64) {
	r.abuseDetections.Set(float64(detections))
}

// HealthScore updates the composite score gauge.
func (r *Registry) HealthScore(score int) {
	r.healthScore.Set(float64(score))
}

// Alerts updates the per-severity active alert counts. Severities not
// present reset to zero so resolved alerts disappear from the scrape.
func (r *Registry) Alerts(bySeverity map[string]int) {
	for _, sev := range []string{"low", "medium", "high", "critical"} {
		r.activeAlerts.WithLabelValues(sev).Set(float64(bySeverity[sev]))
	}
}
