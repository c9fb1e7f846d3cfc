// Package monitor runs the performance dashboard: a periodic collector
// that snapshots every subsystem, scores platform health, raises and
// reconciles alerts, and recommends optimizations. It never
// participates in the request path.
package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/giquina/LusoTown-sub006/internal/cache"
	"github.com/giquina/LusoTown-sub006/internal/logging"
	"github.com/giquina/LusoTown-sub006/internal/metrics"
	"github.com/giquina/LusoTown-sub006/internal/middleware"
	"github.com/giquina/LusoTown-sub006/internal/pool"
	"github.com/giquina/LusoTown-sub006/internal/ratelimit"
)

// History holds 7 days at one-minute resolution.
const maxHistory = 7 * 24 * 60

// DatabaseSource supplies pool metrics.
type DatabaseSource interface {
	GetMetrics() pool.Metrics
}

// CacheSource supplies cache metrics.
type CacheSource interface {
	GetMetrics() cache.Metrics
}

// APISource supplies request-path metrics.
type APISource interface {
	GetMetrics() middleware.Metrics
}

// SecuritySource supplies abuse detection state.
type SecuritySource interface {
	TotalDetections() int64
	ActivePatterns() []ratelimit.Pattern
}

// SystemMetrics is the process-level portion of a snapshot.
type SystemMetrics struct {
	Goroutines        int     `json:"goroutines"`
	HeapAllocMB       float64 `json:"heap_alloc_mb"`
	HeapSysMB         float64 `json:"heap_sys_mb"`
	MemoryUtilization float64 `json:"memory_utilization"`
}

// SecurityMetrics summarizes abuse detection for a snapshot.
type SecurityMetrics struct {
	TotalDetections int64 `json:"total_detections"`
	ActivePatterns  int   `json:"active_patterns"`
}

// Snapshot is one tick's full view of the platform.
type Snapshot struct {
	Timestamp       time.Time          `json:"timestamp"`
	Database        pool.Metrics       `json:"database"`
	Cache           cache.Metrics      `json:"cache"`
	API             middleware.Metrics `json:"api"`
	Security        SecurityMetrics    `json:"security"`
	System          SystemMetrics      `json:"system"`
	HealthScore     int                `json:"health_score"`
	Alerts          []Alert            `json:"alerts"`
	Recommendations []Recommendation   `json:"recommendations"`
}

// Thresholds are the alerting and scoring trip points. The API carries
// two independent response-time thresholds: ScoreMs feeds the health
// score, AlertMs feeds alert generation.
type Thresholds struct {
	DBMaxAvgQueryMs   float64 `json:"db_max_avg_query_ms"`
	DBMaxUtilization  float64 `json:"db_max_utilization"`
	DBMaxSlowFraction float64 `json:"db_max_slow_fraction"`

	CacheMinHitRatio float64 `json:"cache_min_hit_ratio"`
	CacheMaxAvgMs    float64 `json:"cache_max_avg_ms"`

	APIMaxAvgScoreMs float64 `json:"api_max_avg_score_ms"`
	APIMaxAvgAlertMs float64 `json:"api_max_avg_alert_ms"`
	APIMaxErrorRate  float64 `json:"api_max_error_rate"`

	SystemMaxGoroutines int     `json:"system_max_goroutines"`
	SystemMaxMemUtil    float64 `json:"system_max_mem_util"`
}

// DefaultThresholds returns the standard trip points.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DBMaxAvgQueryMs:     200,
		DBMaxUtilization:    0.8,
		DBMaxSlowFraction:   0.1,
		CacheMinHitRatio:    0.8,
		CacheMaxAvgMs:       50,
		APIMaxAvgScoreMs:    500,
		APIMaxAvgAlertMs:    1000,
		APIMaxErrorRate:     0.05,
		SystemMaxGoroutines: 5000,
		SystemMaxMemUtil:    0.85,
	}
}

// Dashboard is the monitoring loop and its accumulated state.
type Dashboard struct {
	database   DatabaseSource
	cacheSrc   CacheSource
	api        APISource
	security   SecuritySource
	thresholds Thresholds
	registry   *metrics.Registry
	logger     logging.Logger
	hub        *wsHub

	mu           sync.Mutex
	running      bool
	stop         chan struct{}
	done         chan struct{}
	history      []Snapshot
	activeAlerts map[string]Alert
	latest       *Snapshot

	nowFunc func() time.Time
}

// Options configures optional dashboard collaborators.
type Options struct {
	Thresholds *Thresholds
	// Registry receives each tick's gauges for scraping. Optional.
	Registry *metrics.Registry
}

// New assembles a dashboard over the given metric sources.
func New(db DatabaseSource, cacheSrc CacheSource, api APISource, security SecuritySource, opts Options, logger logging.Logger) *Dashboard {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	thresholds := DefaultThresholds()
	if opts.Thresholds != nil {
		thresholds = *opts.Thresholds
	}
	return &Dashboard{
		database:     db,
		cacheSrc:     cacheSrc,
		api:          api,
		security:     security,
		thresholds:   thresholds,
		registry:     opts.Registry,
		logger:       logger.WithComponent("monitor"),
		hub:          newWSHub(),
		activeAlerts: make(map[string]Alert),
		nowFunc:      time.Now,
	}
}

// Start launches the monitoring loop. The tick body runs to completion
// on a single goroutine before the next tick is eligible, so ticks
// never overlap. Starting a running dashboard is a no-op.
func (d *Dashboard) Start(interval time.Duration) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	stop, done := d.stop, d.done
	d.mu.Unlock()

	d.logger.Info("Performance monitoring started", "interval", interval.String())

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Tick()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (d *Dashboard) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stop)
	done := d.done
	d.mu.Unlock()

	<-done
	d.logger.Info("Performance monitoring stopped")
}

// Tick collects one snapshot, reconciles alerts, appends history, and
// publishes to the metrics registry and stream subscribers. Exported
// so callers can force a collection outside the timer.
func (d *Dashboard) Tick() {
	snap := d.collect()

	d.mu.Lock()
	d.reconcileAlertsLocked(&snap)
	d.latest = &snap
	d.history = append(d.history, snap)
	if overflow := len(d.history) - maxHistory; overflow > 0 {
		d.history = d.history[overflow:]
	}
	d.mu.Unlock()

	d.publish(snap)

	d.logger.Debug("Metrics collected",
		"health_score", snap.HealthScore,
		"alerts", len(snap.Alerts),
		"recommendations", len(snap.Recommendations))
}

// collect gathers every subsystem's metrics and derives score, alerts,
// and recommendations.
func (d *Dashboard) collect() Snapshot {
	snap := Snapshot{
		Timestamp: d.nowFunc(),
		Database:  d.database.GetMetrics(),
		Cache:     d.cacheSrc.GetMetrics(),
		API:       d.api.GetMetrics(),
		System:    collectSystemMetrics(),
	}
	if d.security != nil {
		snap.Security = SecurityMetrics{
			TotalDetections: d.security.TotalDetections(),
			ActivePatterns:  len(d.security.ActivePatterns()),
		}
	}

	snap.HealthScore = d.healthScore(snap)
	snap.Alerts = d.generateAlerts(snap)
	snap.Recommendations = d.generateRecommendations(snap)

	return snap
}

// healthScore computes the composite 0-100 score. Subsystem weights:
// database 40, cache 25, API 25, system 10, deducted on breach.
func (d *Dashboard) healthScore(s Snapshot) int {
	t := d.thresholds
	score := 100

	if s.Database.AverageQueryTimeMs > t.DBMaxAvgQueryMs {
		score -= 15
	}
	if utilization(s.Database) > t.DBMaxUtilization {
		score -= 10
	}
	if s.Database.TotalQueries > 0 &&
		float64(s.Database.SlowQueries) > float64(s.Database.TotalQueries)*t.DBMaxSlowFraction {
		score -= 15
	}

	if cacheActive(s.Cache) && s.Cache.HitRatio < t.CacheMinHitRatio {
		score -= 10
	}
	if s.Cache.AverageResponseTimeMs > t.CacheMaxAvgMs {
		score -= 5
	}
	if s.Cache.Degraded {
		score -= 10
	}

	if s.API.AverageResponseTimeMs > t.APIMaxAvgScoreMs {
		score -= 15
	}
	if s.API.ErrorRate > t.APIMaxErrorRate {
		score -= 10
	}

	if s.System.Goroutines > t.SystemMaxGoroutines {
		score -= 5
	}
	if s.System.MemoryUtilization > t.SystemMaxMemUtil {
		score -= 5
	}

	if score < 0 {
		score = 0
	}
	return score
}

// Current returns the latest snapshot, collecting one on demand if the
// loop has not run yet.
func (d *Dashboard) Current() Snapshot {
	d.mu.Lock()
	latest := d.latest
	d.mu.Unlock()
	if latest != nil {
		return *latest
	}

	snap := d.collect()
	d.mu.Lock()
	d.reconcileAlertsLocked(&snap)
	d.latest = &snap
	d.mu.Unlock()
	return snap
}

// History returns snapshots within the trailing duration, oldest
// first.
func (d *Dashboard) History(window time.Duration) []Snapshot {
	cutoff := d.nowFunc().Add(-window)

	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Snapshot
	for _, s := range d.history {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// ActiveAlerts returns the unresolved alerts.
func (d *Dashboard) ActiveAlerts() []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Alert, 0, len(d.activeAlerts))
	for _, a := range d.activeAlerts {
		out = append(out, a)
	}
	return out
}

// Acknowledge removes a non-auto-resolving alert by id. Returns false
// when no alert carries that id.
func (d *Dashboard) Acknowledge(alertID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for metric, a := range d.activeAlerts {
		if a.ID == alertID {
			delete(d.activeAlerts, metric)
			return true
		}
	}
	return false
}

// publish pushes the snapshot to the metrics registry and stream
// subscribers.
func (d *Dashboard) publish(snap Snapshot) {
	if d.registry != nil {
		d.registry.HealthScore(snap.HealthScore)
		d.registry.Database(
			snap.Database.TotalConnections,
			snap.Database.ActiveConnections,
			snap.Database.IdleConnections,
			snap.Database.AverageQueryTimeMs,
			snap.Database.SlowQueries,
			snap.Database.Errors,
		)
		d.registry.Cache(snap.Cache.HitRatio, snap.Cache.Degraded)
		d.registry.API(snap.API.AverageResponseTimeMs, snap.API.ErrorRate, snap.API.RateLimitRejections)
		d.registry.Security(snap.Security.TotalDetections)

		bySeverity := make(map[string]int)
		for _, a := range snap.Alerts {
			bySeverity[string(a.Severity)]++
		}
		d.registry.Alerts(bySeverity)
	}

	d.hub.broadcast(snap)
}

// Shutdown stops the loop and closes stream subscribers.
func (d *Dashboard) Shutdown(ctx context.Context) error {
	d.Stop()
	d.hub.close()
	return ctx.Err()
}

func utilization(m pool.Metrics) float64 {
	if m.TotalConnections == 0 {
		return 0
	}
	return float64(m.ActiveConnections) / float64(m.TotalConnections)
}

// cacheActive guards the hit-ratio breach so an idle cache with no
// lookups does not read as unhealthy.
func cacheActive(m cache.Metrics) bool {
	return m.Hits+m.Misses > 0
}

func collectSystemMetrics() SystemMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sys := SystemMetrics{
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(ms.HeapAlloc) / (1 << 20),
		HeapSysMB:   float64(ms.HeapSys) / (1 << 20),
	}
	if ms.HeapSys > 0 {
		sys.MemoryUtilization = float64(ms.HeapAlloc) / float64(ms.HeapSys)
	}
	return sys
}
