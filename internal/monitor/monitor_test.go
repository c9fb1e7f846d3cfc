package monitor

import (
	"testing"
	"time"

	"github.com/giquina/LusoTown-sub006/internal/cache"
	"github.com/giquina/LusoTown-sub006/internal/logging"
	"github.com/giquina/LusoTown-sub006/internal/middleware"
	"github.com/giquina/LusoTown-sub006/internal/pool"
	"github.com/giquina/LusoTown-sub006/internal/ratelimit"
)

// stubSources feed the dashboard controllable metrics.
type stubDB struct{ m pool.Metrics }

func (s *stubDB) GetMetrics() pool.Metrics { return s.m }

type stubCache struct{ m cache.Metrics }

func (s *stubCache) GetMetrics() cache.Metrics { return s.m }

type stubAPI struct{ m middleware.Metrics }

func (s *stubAPI) GetMetrics() middleware.Metrics { return s.m }

type stubSecurity struct {
	detections int64
	patterns   []ratelimit.Pattern
}

func (s *stubSecurity) TotalDetections() int64              { return s.detections }
func (s *stubSecurity) ActivePatterns() []ratelimit.Pattern { return s.patterns }

func healthyMetrics() (*stubDB, *stubCache, *stubAPI) {
	return &stubDB{m: pool.Metrics{
			TotalConnections:   10,
			ActiveConnections:  2,
			IdleConnections:    8,
			TotalQueries:       1000,
			AverageQueryTimeMs: 45,
			SlowQueries:        5,
		}},
		&stubCache{m: cache.Metrics{
			Hits:                  900,
			Misses:                100,
			HitRatio:              0.9,
			AverageResponseTimeMs: 2,
		}},
		&stubAPI{m: middleware.Metrics{
			TotalRequests:         5000,
			Errors:                10,
			ErrorRate:             0.002,
			AverageResponseTimeMs: 120,
		}}
}

func newTestDashboard(db *stubDB, c *stubCache, api *stubAPI) *Dashboard {
	return New(db, c, api, &stubSecurity{}, Options{}, logging.NewNoOp())
}

func TestHealthScorePerfectWhenNoBreaches(t *testing.T) {
	db, c, api := healthyMetrics()
	d := newTestDashboard(db, c, api)

	snap := d.collect()
	if snap.HealthScore != 100 {
		t.Errorf("health score = %d, want 100 with zero breaches", snap.HealthScore)
	}
	if len(snap.Alerts) != 0 {
		t.Errorf("alerts = %d, want none", len(snap.Alerts))
	}
}

func TestHealthScoreAlwaysInBounds(t *testing.T) {
	db, c, api := healthyMetrics()

	// Breach everything at once.
	db.m.AverageQueryTimeMs = 900
	db.m.ActiveConnections = 10
	db.m.SlowQueries = 500
	c.m.HitRatio = 0.1
	c.m.AverageResponseTimeMs = 200
	c.m.Degraded = true
	api.m.AverageResponseTimeMs = 3000
	api.m.ErrorRate = 0.5

	d := newTestDashboard(db, c, api)
	snap := d.collect()

	if snap.HealthScore < 0 || snap.HealthScore > 100 {
		t.Fatalf("health score out of bounds: %d", snap.HealthScore)
	}

	// Breaching everything must score strictly below breaching nothing.
	db2, c2, api2 := healthyMetrics()
	healthy := newTestDashboard(db2, c2, api2).collect()
	if snap.HealthScore >= healthy.HealthScore {
		t.Errorf("breached score %d not below healthy score %d", snap.HealthScore, healthy.HealthScore)
	}
}

func TestIdleCacheDoesNotBreachHitRatio(t *testing.T) {
	db, c, api := healthyMetrics()
	c.m = cache.Metrics{} // no lookups yet

	d := newTestDashboard(db, c, api)
	snap := d.collect()

	if snap.HealthScore != 100 {
		t.Errorf("idle cache dragged score to %d", snap.HealthScore)
	}
}

func TestAlertGeneration(t *testing.T) {
	db, c, api := healthyMetrics()
	db.m.AverageQueryTimeMs = 450
	api.m.ErrorRate = 0.2

	d := newTestDashboard(db, c, api)
	snap := d.collect()

	byMetric := map[string]Alert{}
	for _, a := range snap.Alerts {
		byMetric[a.Metric] = a
	}

	slow, ok := byMetric["average_query_time"]
	if !ok {
		t.Fatal("no slow-query alert")
	}
	if slow.Severity != AlertSeverityHigh || slow.AutoResolve {
		t.Errorf("slow-query alert = %+v", slow)
	}

	errs, ok := byMetric["api_error_rate"]
	if !ok {
		t.Fatal("no error-rate alert")
	}
	if errs.Severity != AlertSeverityCritical {
		t.Errorf("error-rate severity = %s", errs.Severity)
	}
}

func TestAutoResolveReconciliation(t *testing.T) {
	db, c, api := healthyMetrics()
	c.m.HitRatio = 0.3 // breach, auto-resolving

	d := newTestDashboard(db, c, api)
	d.Tick()

	if alerts := d.ActiveAlerts(); len(alerts) != 1 || alerts[0].Metric != "cache_hit_ratio" {
		t.Fatalf("active alerts = %+v", alerts)
	}

	// Condition recovers; next tick clears the alert.
	c.m.HitRatio = 0.95
	d.Tick()

	if alerts := d.ActiveAlerts(); len(alerts) != 0 {
		t.Errorf("auto-resolve alert survived recovery: %+v", alerts)
	}
}

func TestPersistentAlertSurvivesRecoveryUntilAcknowledged(t *testing.T) {
	db, c, api := healthyMetrics()
	db.m.AverageQueryTimeMs = 450 // breach, not auto-resolving

	d := newTestDashboard(db, c, api)
	d.Tick()

	db.m.AverageQueryTimeMs = 50
	d.Tick()

	alerts := d.ActiveAlerts()
	if len(alerts) != 1 {
		t.Fatalf("persistent alert dropped without acknowledgement: %+v", alerts)
	}

	if !d.Acknowledge(alerts[0].ID) {
		t.Fatal("acknowledge failed")
	}
	if remaining := d.ActiveAlerts(); len(remaining) != 0 {
		t.Errorf("alert survived acknowledgement: %+v", remaining)
	}
}

func TestOngoingBreachDoesNotStackDuplicateAlerts(t *testing.T) {
	db, c, api := healthyMetrics()
	db.m.AverageQueryTimeMs = 450

	d := newTestDashboard(db, c, api)
	d.Tick()
	first := d.ActiveAlerts()
	d.Tick()
	d.Tick()

	alerts := d.ActiveAlerts()
	if len(alerts) != 1 {
		t.Fatalf("alerts stacked: %d", len(alerts))
	}
	if alerts[0].ID != first[0].ID {
		t.Error("ongoing breach replaced the original alert")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	db, c, api := healthyMetrics()
	d := newTestDashboard(db, c, api)

	d.mu.Lock()
	d.history = make([]Snapshot, maxHistory)
	d.mu.Unlock()

	d.Tick()

	d.mu.Lock()
	n := len(d.history)
	d.mu.Unlock()
	if n != maxHistory {
		t.Errorf("history length = %d, want capped at %d", n, maxHistory)
	}
}

func TestHistoryWindowFilter(t *testing.T) {
	db, c, api := healthyMetrics()
	d := newTestDashboard(db, c, api)

	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	d.history = []Snapshot{
		{Timestamp: base.Add(-3 * time.Hour)},
		{Timestamp: base.Add(-30 * time.Minute)},
		{Timestamp: base.Add(-time.Minute)},
	}
	d.nowFunc = func() time.Time { return base }

	got := d.History(time.Hour)
	if len(got) != 2 {
		t.Errorf("history within 1h = %d snapshots, want 2", len(got))
	}
}

func TestRecommendationsFollowBreaches(t *testing.T) {
	db, c, api := healthyMetrics()
	db.m.SlowQueries = 500 // 50% slow
	c.m.HitRatio = 0.4

	d := newTestDashboard(db, c, api)
	snap := d.collect()

	ids := map[string]bool{}
	for _, r := range snap.Recommendations {
		ids[r.ID] = true
	}
	if !ids["optimize_slow_queries"] || !ids["improve_cache_strategy"] {
		t.Errorf("recommendations = %v", ids)
	}

	// A healthy snapshot produces none.
	db2, c2, api2 := healthyMetrics()
	if recs := newTestDashboard(db2, c2, api2).collect().Recommendations; len(recs) != 0 {
		t.Errorf("healthy snapshot produced recommendations: %+v", recs)
	}
}

func TestTrendsDetectDegradation(t *testing.T) {
	db, c, api := healthyMetrics()
	d := newTestDashboard(db, c, api)

	for i := 0; i < 5; i++ {
		d.history = append(d.history, Snapshot{API: middleware.Metrics{AverageResponseTimeMs: 100}, Cache: cache.Metrics{HitRatio: 0.9}})
	}
	for i := 0; i < 5; i++ {
		d.history = append(d.history, Snapshot{API: middleware.Metrics{AverageResponseTimeMs: 300}, Cache: cache.Metrics{HitRatio: 0.9}})
	}

	byMetric := map[string]Trend{}
	for _, tr := range d.Trends() {
		byMetric[tr.Metric] = tr
	}

	if got := byMetric["api_response_time_ms"].Direction; got != TrendDegrading {
		t.Errorf("api trend = %s, want degrading", got)
	}
	if got := byMetric["cache_hit_ratio"].Direction; got != TrendStable {
		t.Errorf("cache trend = %s, want stable", got)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	db, c, api := healthyMetrics()
	d := newTestDashboard(db, c, api)

	d.Start(10 * time.Millisecond)
	time.Sleep(35 * time.Millisecond)
	d.Stop()

	d.mu.Lock()
	n := len(d.history)
	d.mu.Unlock()
	if n == 0 {
		t.Error("no snapshots collected while running")
	}

	// Stop again is a no-op; Start after Stop works.
	d.Stop()
	d.Start(10 * time.Millisecond)
	d.Stop()
}
