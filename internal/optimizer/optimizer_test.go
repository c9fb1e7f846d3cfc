package optimizer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/giquina/LusoTown-sub006/internal/logging"
	"github.com/giquina/LusoTown-sub006/internal/pool"
)

func newTestOptimizer() *Optimizer {
	return New(nil, false, logging.NewNoOp())
}

func TestOptimizeRewritesTextSearch(t *testing.T) {
	o := newTestOptimizer()

	query := "SELECT * FROM portuguese_cultural_events WHERE title ILIKE '%fado%'"
	rec := o.Optimize(query, pool.QueryTypeCultural)

	if !rec.Rewritten() {
		t.Fatal("expected a rewrite")
	}
	if !strings.Contains(rec.OptimizedQuery, "to_tsvector('portuguese', title)") {
		t.Errorf("missing full-text form: %s", rec.OptimizedQuery)
	}
	if !strings.Contains(rec.OptimizedQuery, "plainto_tsquery('portuguese', '%fado%')") {
		t.Errorf("search term not carried over: %s", rec.OptimizedQuery)
	}
	if rec.EstimatedImprovement != 25 {
		t.Errorf("improvement = %d, want 25", rec.EstimatedImprovement)
	}
}

func TestOptimizeRewritesGeoRadius(t *testing.T) {
	o := newTestOptimizer()

	query := "SELECT * FROM portuguese_businesses WHERE ST_Distance(coordinates, $1) < 5000"
	rec := o.Optimize(query, pool.QueryTypeGeolocation)

	if !strings.Contains(rec.OptimizedQuery, "ST_DWithin(coordinates, $1, 5000)") {
		t.Errorf("expected ST_DWithin form: %s", rec.OptimizedQuery)
	}
	if rec.EstimatedImprovement != 40 {
		t.Errorf("improvement = %d, want 40", rec.EstimatedImprovement)
	}
}

func TestOptimizeRewritesDistanceOrdering(t *testing.T) {
	o := newTestOptimizer()

	query := "SELECT * FROM portuguese_businesses ORDER BY ST_Distance(coordinates, $1)"
	rec := o.Optimize(query, pool.QueryTypeGeolocation)

	if !strings.Contains(rec.OptimizedQuery, "ORDER BY coordinates <-> $1") {
		t.Errorf("expected KNN ordering: %s", rec.OptimizedQuery)
	}
	if rec.EstimatedImprovement != 40 {
		t.Errorf("improvement = %d, want 40", rec.EstimatedImprovement)
	}
}

func TestOptimizeInjectsCulturalFilters(t *testing.T) {
	o := newTestOptimizer()

	query := "SELECT * FROM portuguese_cultural_events WHERE cultural_category = ANY($1)"
	rec := o.Optimize(query, pool.QueryTypeMatching)

	if !strings.Contains(rec.OptimizedQuery, "ANY($1) AND is_active = true") {
		t.Errorf("activity filter not injected: %s", rec.OptimizedQuery)
	}
	if rec.EstimatedImprovement != 30 {
		t.Errorf("improvement = %d, want 30", rec.EstimatedImprovement)
	}

	// A query that already filters on activity must not get a second copy.
	guarded := o.Optimize("SELECT * FROM portuguese_cultural_events WHERE cultural_category = ANY($1) AND is_active = true", pool.QueryTypeMatching)
	if strings.Count(guarded.OptimizedQuery, "is_active = true") != 1 {
		t.Errorf("activity filter duplicated: %s", guarded.OptimizedQuery)
	}
}

func TestOptimizeImprovementsAreAdditive(t *testing.T) {
	o := newTestOptimizer()

	query := "SELECT * FROM portuguese_businesses WHERE name ILIKE '%pastelaria%' AND ST_Distance(coordinates, $1) < 2000"
	rec := o.Optimize(query, pool.QueryTypeBusiness)

	if got := len(rec.AppliedRules); got != 2 {
		t.Fatalf("applied %d rules (%v), want 2", got, rec.AppliedRules)
	}
	if rec.EstimatedImprovement != 65 {
		t.Errorf("improvement = %d, want 65", rec.EstimatedImprovement)
	}
}

func TestOptimizeIsIdempotent(t *testing.T) {
	o := newTestOptimizer()

	query := "SELECT * FROM portuguese_cultural_events WHERE title ILIKE '%fado%'"
	first := o.Optimize(query, pool.QueryTypeCultural)

	// Re-optimizing the rewritten output must not rewrite again.
	second := o.Optimize(first.OptimizedQuery, pool.QueryTypeCultural)
	if second.OptimizedQuery != first.OptimizedQuery {
		t.Errorf("second pass changed the query:\n%s\n%s", first.OptimizedQuery, second.OptimizedQuery)
	}
}

func TestOptimizeCachesByNormalizedHash(t *testing.T) {
	o := newTestOptimizer()

	a := o.Optimize("SELECT id FROM portuguese_businesses WHERE name ILIKE '%pastel%'", pool.QueryTypeBusiness)
	b := o.Optimize("SELECT  id\n FROM   portuguese_businesses\tWHERE name ILIKE '%pastel%'", pool.QueryTypeBusiness)

	if a != b {
		t.Error("whitespace variants should resolve to the same cached record")
	}
}

func TestOptimizeLeavesPlainQueriesAlone(t *testing.T) {
	o := newTestOptimizer()

	query := "SELECT id, name FROM portuguese_businesses WHERE business_type = $1"
	rec := o.Optimize(query, pool.QueryTypeBusiness)

	if rec.Rewritten() {
		t.Errorf("plain query was rewritten: %s", rec.OptimizedQuery)
	}
	if rec.EstimatedImprovement != 0 {
		t.Errorf("improvement = %d, want 0", rec.EstimatedImprovement)
	}
}

func TestOptimizeSkipsRulesForOtherQueryTypes(t *testing.T) {
	o := newTestOptimizer()

	// The full-text rule targets cultural and business queries only.
	query := "SELECT * FROM audit_log WHERE detail ILIKE '%error%'"
	rec := o.Optimize(query, pool.QueryTypeGeneral)

	if rec.Rewritten() {
		t.Errorf("general query should not get the full-text rewrite: %s", rec.OptimizedQuery)
	}
}

func TestSuggestIndexesMatchesTables(t *testing.T) {
	o := newTestOptimizer()

	suggestions := o.SuggestIndexes("SELECT * FROM portuguese_businesses WHERE name ILIKE '%luso%'")
	if len(suggestions) == 0 {
		t.Fatal("expected suggestions for a catalog table")
	}
	for _, s := range suggestions {
		if s.Table != "portuguese_businesses" {
			t.Errorf("suggestion for wrong table: %s", s.Table)
		}
		if !strings.Contains(s.Statement, "IF NOT EXISTS") {
			t.Errorf("statement must be re-runnable: %s", s.Statement)
		}
	}

	if got := o.SuggestIndexes("SELECT 1"); got != nil {
		t.Errorf("unexpected suggestions for unknown tables: %v", got)
	}
}

func TestAnalyzePerformanceRanksByImpact(t *testing.T) {
	o := newTestOptimizer()

	// Frequent-and-moderate beats rare-but-slow on impact.
	for i := 0; i < 50; i++ {
		o.recordSample("hot", "SELECT hot", pool.QueryTypeBusiness, 100*time.Millisecond, 20)
	}
	o.recordSample("cold", "SELECT cold", pool.QueryTypeGeneral, 900*time.Millisecond, 3)

	reports := o.AnalyzePerformance(0)
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	if reports[0].QueryHash != "hot" {
		t.Errorf("top report = %s, want hot", reports[0].QueryHash)
	}
	if reports[0].Slow {
		t.Error("100ms average should not be flagged slow")
	}
	if reports[0].AverageRows != 20 {
		t.Errorf("average rows = %.1f, want 20", reports[0].AverageRows)
	}
	if !reports[1].Slow {
		t.Error("900ms average should be flagged slow")
	}
}

func TestAnalyzePerformanceFiltersByTimeframe(t *testing.T) {
	o := newTestOptimizer()

	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	// One sample two hours ago, one a minute ago.
	o.nowFunc = func() time.Time { return base.Add(-2 * time.Hour) }
	o.recordSample("old", "SELECT old", pool.QueryTypeGeneral, 400*time.Millisecond, 1)

	o.nowFunc = func() time.Time { return base.Add(-time.Minute) }
	o.recordSample("fresh", "SELECT fresh", pool.QueryTypeCultural, 50*time.Millisecond, 5)

	o.nowFunc = func() time.Time { return base }

	reports := o.AnalyzePerformance(time.Hour)
	if len(reports) != 1 {
		t.Fatalf("got %d reports within 1h, want 1", len(reports))
	}
	if reports[0].QueryHash != "fresh" {
		t.Errorf("report = %s, want fresh", reports[0].QueryHash)
	}
	if !reports[0].CulturalContent {
		t.Error("cultural query not flagged as cultural content")
	}

	// The wide window still sees both.
	if got := len(o.AnalyzePerformance(24 * time.Hour)); got != 2 {
		t.Errorf("got %d reports within 24h, want 2", got)
	}
}

func TestRecordSampleKeepsBoundedWindow(t *testing.T) {
	o := newTestOptimizer()

	for i := 0; i < sampleWindow*3; i++ {
		o.recordSample("h", "SELECT 1", pool.QueryTypeGeneral, time.Millisecond, 1)
	}

	o.mu.Lock()
	st := o.stats["h"]
	n := len(st.buffer.all())
	freq := st.frequency
	o.mu.Unlock()

	if n != sampleWindow {
		t.Errorf("window holds %d samples, want %d", n, sampleWindow)
	}
	if freq != int64(sampleWindow*3) {
		t.Errorf("frequency = %d, want %d", freq, sampleWindow*3)
	}
}

func TestOptimizationContextToggle(t *testing.T) {
	ctx := context.Background()
	if !OptimizationEnabled(ctx) {
		t.Error("unmarked context should keep rewriting on")
	}
	if OptimizationEnabled(WithOptimization(ctx, false)) {
		t.Error("disabled marker ignored")
	}
	if !OptimizationEnabled(WithOptimization(ctx, true)) {
		t.Error("enabled marker ignored")
	}
}

func TestBalancedRejectsBrokenRewrites(t *testing.T) {
	cases := map[string]bool{
		"SELECT (a)":          true,
		"SELECT 'it''s fine'": true,
		"SELECT (a":           false,
		"SELECT a)":           false,
		"SELECT 'open":        false,
	}
	for query, want := range cases {
		if got := balanced(query); got != want {
			t.Errorf("balanced(%q) = %v, want %v", query, got, want)
		}
	}
}
