// Package optimizer rewrites community content queries into forms the
// datastore executes faster, tracks per-query performance samples, and
// suggests (optionally creates) the indexes those queries need.
package optimizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/giquina/LusoTown-sub006/internal/logging"
	"github.com/giquina/LusoTown-sub006/internal/pool"
)

const (
	// Samples kept per distinct query for performance analysis.
	sampleWindow = 100

	// Queries averaging above this are flagged slow in analysis.
	slowThreshold = 200 * time.Millisecond
)

// substitution is one pattern→replacement transformation. skipIf
// guards against re-applying a rewrite whose output would match the
// pattern again.
type substitution struct {
	pattern     *regexp.Regexp
	replacement string
	skipIf      string
}

// rewriteRule groups the substitutions for one optimization technique.
// The estimated improvement percentages are additive across rules and
// counted once per rule however many of its substitutions fire.
type rewriteRule struct {
	name        string
	subs        []substitution
	improvement int
	appliesTo   map[pool.QueryType]bool
}

// anyType marks a rule as applicable to every query type.
var anyType map[pool.QueryType]bool

var rewriteRules = []rewriteRule{
	{
		// Pattern-match text search scans the whole column; the
		// Portuguese full-text configuration uses the GIN index and
		// handles diacritics and stemming (fado/fados, São/Sao).
		name:        "full_text_search",
		improvement: 25,
		appliesTo: map[pool.QueryType]bool{
			pool.QueryTypeCultural: true,
			pool.QueryTypeBusiness: true,
		},
		subs: []substitution{{
			pattern:     regexp.MustCompile(`(?i)(\w+(?:\.\w+)?)\s+ILIKE\s+('%[^']*%'|\$\d+)`),
			replacement: `to_tsvector('portuguese', ${1}) @@ plainto_tsquery('portuguese', ${2})`,
		}},
	},
	{
		// ST_DWithin uses the spatial index; a distance comparison
		// computes the exact distance for every candidate row first.
		// Ordering by computed distance defeats the index too; the KNN
		// operator walks it in distance order.
		name:        "spatial_index_access",
		improvement: 40,
		appliesTo:   anyType,
		subs: []substitution{
			{
				pattern:     regexp.MustCompile(`(?i)ST_Distance\s*\(([^()]+)\)\s*(?:<=|<)\s*(\$\d+|\d+(?:\.\d+)?)`),
				replacement: `ST_DWithin(${1}, ${2})`,
			},
			{
				pattern:     regexp.MustCompile(`(?i)ORDER\s+BY\s+ST_Distance\s*\(([^,()]+),\s*([^()]+)\)`),
				replacement: `ORDER BY ${1} <-> ${2}`,
			},
		},
	},
	{
		// Cultural listings and match scoring only ever want active,
		// current rows; injecting those filters lets the partial
		// indexes apply.
		name:        "cultural_content_filters",
		improvement: 30,
		appliesTo: map[pool.QueryType]bool{
			pool.QueryTypeCultural: true,
			pool.QueryTypeMatching: true,
		},
		subs: []substitution{
			{
				pattern:     regexp.MustCompile(`(?i)cultural_category\s*=\s*ANY\s*\((\$\d+|[^()]+)\)`),
				replacement: `cultural_category = ANY(${1}) AND is_active = true`,
				skipIf:      "is_active",
			},
			{
				pattern:     regexp.MustCompile(`(?i)portuguese_region\s*&&\s*(\$\d+)`),
				replacement: `portuguese_region && ${1} AND event_date >= CURRENT_DATE`,
				skipIf:      "event_date >= CURRENT_DATE",
			},
		},
	},
}

// OptimizationRecord is the cached outcome of optimizing one query.
type OptimizationRecord struct {
	QueryHash            string          `json:"query_hash"`
	OriginalQuery        string          `json:"original_query"`
	OptimizedQuery       string          `json:"optimized_query"`
	QueryType            pool.QueryType  `json:"query_type"`
	AppliedRules         []string        `json:"applied_rules"`
	EstimatedImprovement int             `json:"estimated_improvement"`
	SuggestedIndexes     []IndexSuggestion `json:"suggested_indexes"`
	CreatedAt            time.Time       `json:"created_at"`
}

// Rewritten reports whether optimization changed the query text.
func (r *OptimizationRecord) Rewritten() bool {
	return r.OptimizedQuery != r.OriginalQuery
}

// IndexSuggestion names an index a query's table would benefit from.
type IndexSuggestion struct {
	Table     string `json:"table"`
	IndexName string `json:"index_name"`
	Statement string `json:"statement"`
	Reason    string `json:"reason"`
}

// Community content tables and the indexes their access patterns need.
var indexCatalog = map[string][]IndexSuggestion{
	"portuguese_cultural_events": {
		{
			Table:     "portuguese_cultural_events",
			IndexName: "idx_cultural_events_fts",
			Statement: "CREATE INDEX IF NOT EXISTS idx_cultural_events_fts ON portuguese_cultural_events USING GIN (to_tsvector('portuguese', title || ' ' || coalesce(description, '')))",
			Reason:    "full-text search over event titles and descriptions",
		},
		{
			Table:     "portuguese_cultural_events",
			IndexName: "idx_cultural_events_date",
			Statement: "CREATE INDEX IF NOT EXISTS idx_cultural_events_date ON portuguese_cultural_events (event_date) WHERE status = 'active'",
			Reason:    "upcoming-event listings filter on date and active status",
		},
	},
	"portuguese_businesses": {
		{
			Table:     "portuguese_businesses",
			IndexName: "idx_businesses_fts",
			Statement: "CREATE INDEX IF NOT EXISTS idx_businesses_fts ON portuguese_businesses USING GIN (to_tsvector('portuguese', name || ' ' || coalesce(description, '')))",
			Reason:    "directory text search",
		},
		{
			Table:     "portuguese_businesses",
			IndexName: "idx_businesses_location",
			Statement: "CREATE INDEX IF NOT EXISTS idx_businesses_location ON portuguese_businesses USING GIST (coordinates)",
			Reason:    "radius search and distance ordering",
		},
		{
			Table:     "portuguese_businesses",
			IndexName: "idx_businesses_type",
			Statement: "CREATE INDEX IF NOT EXISTS idx_businesses_type ON portuguese_businesses (business_type, is_verified)",
			Reason:    "category browsing filters on type and verification",
		},
	},
	"cultural_compatibility": {
		{
			Table:     "cultural_compatibility",
			IndexName: "idx_compatibility_user_score",
			Statement: "CREATE INDEX IF NOT EXISTS idx_compatibility_user_score ON cultural_compatibility (user_id, compatibility_score DESC)",
			Reason:    "match suggestions read top scores per user",
		},
	},
}

type sample struct {
	duration time.Duration
	rows     int
	at       time.Time
}

// ringBuffer keeps the most recent sampleWindow samples.
type ringBuffer struct {
	samples []sample
	next    int
	full    bool
}

func (b *ringBuffer) add(s sample) {
	if b.samples == nil {
		b.samples = make([]sample, sampleWindow)
	}
	b.samples[b.next] = s
	b.next = (b.next + 1) % sampleWindow
	if b.next == 0 {
		b.full = true
	}
}

func (b *ringBuffer) all() []sample {
	if b.full {
		return b.samples
	}
	return b.samples[:b.next]
}

// queryStats aggregates execution history for one distinct query.
type queryStats struct {
	query     string
	queryType pool.QueryType
	frequency int64
	buffer    ringBuffer
}

// PerformanceReport summarizes one query's observed behavior, ranked by
// impact (average time weighted by how often the query runs).
type PerformanceReport struct {
	QueryHash        string            `json:"query_hash"`
	Query            string            `json:"query"`
	QueryType        pool.QueryType    `json:"query_type"`
	CulturalContent  bool              `json:"cultural_content"`
	Frequency        int64             `json:"frequency"`
	AverageTimeMs    float64           `json:"average_time_ms"`
	MaxTimeMs        float64           `json:"max_time_ms"`
	AverageRows      float64           `json:"average_rows"`
	Impact           float64           `json:"impact"`
	Slow             bool              `json:"slow"`
	SuggestedIndexes []IndexSuggestion `json:"suggested_indexes,omitempty"`
}

// Optimizer rewrites and instruments queries against a shared pool.
type Optimizer struct {
	pool         *pool.Pool
	logger       logging.Logger
	autoIndexing bool

	mu      sync.Mutex
	records map[string]*OptimizationRecord
	stats   map[string]*queryStats
	applied map[string]bool

	nowFunc func() time.Time
}

// New creates an optimizer. When autoIndexing is enabled,
// EnsureIndexes creates the catalog's indexes instead of only
// suggesting them.
func New(p *pool.Pool, autoIndexing bool, logger logging.Logger) *Optimizer {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	return &Optimizer{
		pool:         p,
		logger:       logger.WithComponent("optimizer"),
		autoIndexing: autoIndexing,
		records:      make(map[string]*OptimizationRecord),
		stats:        make(map[string]*queryStats),
		applied:      make(map[string]bool),
		nowFunc:      time.Now,
	}
}

// Optimize rewrites a query and returns the cached record. Optimizing
// the same query twice (modulo whitespace) returns the same record; the
// output of Optimize is never re-optimized into something different.
func (o *Optimizer) Optimize(query string, queryType pool.QueryType) *OptimizationRecord {
	hash := queryHash(query)

	o.mu.Lock()
	if rec, ok := o.records[hash]; ok {
		o.mu.Unlock()
		return rec
	}
	o.mu.Unlock()

	optimized := query
	var applied []string
	improvement := 0

	for _, rule := range rewriteRules {
		if rule.appliesTo != nil && !rule.appliesTo[queryType] {
			continue
		}
		fired := false
		for _, sub := range rule.subs {
			if sub.skipIf != "" && strings.Contains(strings.ToLower(optimized), strings.ToLower(sub.skipIf)) {
				continue
			}
			rewritten := sub.pattern.ReplaceAllString(optimized, sub.replacement)
			if rewritten == optimized {
				continue
			}
			if !balanced(rewritten) {
				// An unbalanced rewrite means the pattern matched
				// something it should not have. Keep the working query.
				o.logger.Warn("Discarding unsafe query rewrite", "rule", rule.name, "query_hash", hash)
				continue
			}
			optimized = rewritten
			fired = true
		}
		if fired {
			applied = append(applied, rule.name)
			improvement += rule.improvement
		}
	}

	rec := &OptimizationRecord{
		QueryHash:            hash,
		OriginalQuery:        query,
		OptimizedQuery:       optimized,
		QueryType:            queryType,
		AppliedRules:         applied,
		EstimatedImprovement: improvement,
		SuggestedIndexes:     suggestIndexes(query),
		CreatedAt:            time.Now(),
	}

	o.mu.Lock()
	// Cache under both the original and rewritten hash so optimizing an
	// already-optimized query is a no-op.
	o.records[hash] = rec
	o.records[queryHash(optimized)] = rec
	o.mu.Unlock()

	if len(applied) > 0 {
		o.logger.Debug("Query rewritten",
			"query_hash", hash,
			"rules", strings.Join(applied, ","),
			"estimated_improvement_pct", improvement)
	}

	return rec
}

// Execute optimizes a query, runs the rewritten form, and falls back to
// the original when the rewrite fails at the datastore. A context
// marked with WithOptimization(false) runs the original text directly.
// Every execution is sampled for AnalyzePerformance.
func (o *Optimizer) Execute(ctx context.Context, query string, params []interface{}, opts pool.QueryOptions) (*pool.Result, error) {
	if !OptimizationEnabled(ctx) {
		result, err := o.pool.Query(ctx, query, params, opts)
		if err != nil {
			return nil, err
		}
		o.recordSample(queryHash(query), query, opts.QueryType, result.Duration, result.RowCount)
		return result, nil
	}

	rec := o.Optimize(query, opts.QueryType)

	result, err := o.pool.Query(ctx, rec.OptimizedQuery, params, opts)
	if err != nil && rec.Rewritten() {
		// Correctness over speed: a rewrite the datastore rejects must
		// never break the caller.
		o.logger.WarnContext(ctx, "Optimized query failed, retrying original",
			"query_hash", rec.QueryHash,
			"error", err.Error())
		result, err = o.pool.Query(ctx, rec.OriginalQuery, params, opts)
	}
	if err != nil {
		return nil, err
	}

	o.recordSample(rec.QueryHash, query, opts.QueryType, result.Duration, result.RowCount)

	return result, nil
}

// recordSample appends an execution sample to the query's ring buffer.
func (o *Optimizer) recordSample(hash, query string, queryType pool.QueryType, duration time.Duration, rows int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.stats[hash]
	if !ok {
		st = &queryStats{query: query, queryType: queryType}
		o.stats[hash] = st
	}
	st.frequency++
	st.buffer.add(sample{duration: duration, rows: rows, at: o.nowFunc()})
}

// AnalyzePerformance ranks queries observed within the trailing
// timeframe by impact, so the heaviest aggregate offenders surface
// first, not just the slowest single run. A non-positive timeframe
// analyzes every retained sample.
func (o *Optimizer) AnalyzePerformance(timeframe time.Duration) []PerformanceReport {
	o.mu.Lock()
	defer o.mu.Unlock()

	var cutoff time.Time
	if timeframe > 0 {
		cutoff = o.nowFunc().Add(-timeframe)
	}

	reports := make([]PerformanceReport, 0, len(o.stats))
	for hash, st := range o.stats {
		var (
			total, max time.Duration
			totalRows  int
			n          int
		)
		for _, s := range st.buffer.all() {
			if s.at.Before(cutoff) {
				continue
			}
			total += s.duration
			totalRows += s.rows
			if s.duration > max {
				max = s.duration
			}
			n++
		}
		if n == 0 {
			continue
		}
		avg := total / time.Duration(n)
		avgMs := float64(avg.Microseconds()) / 1000.0

		report := PerformanceReport{
			QueryHash:       hash,
			Query:           truncate(st.query, 200),
			QueryType:       st.queryType,
			CulturalContent: st.queryType == pool.QueryTypeCultural || st.queryType == pool.QueryTypeMatching,
			Frequency:       st.frequency,
			AverageTimeMs:   avgMs,
			MaxTimeMs:       float64(max.Microseconds()) / 1000.0,
			AverageRows:     float64(totalRows) / float64(n),
			Impact:          avgMs * float64(st.frequency),
			Slow:            avg > slowThreshold,
		}
		if report.Slow {
			report.SuggestedIndexes = suggestIndexes(st.query)
		}
		reports = append(reports, report)
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Impact > reports[j].Impact
	})

	return reports
}

// SuggestIndexes returns the catalog indexes relevant to a query's
// tables without creating anything.
func (o *Optimizer) SuggestIndexes(query string) []IndexSuggestion {
	return suggestIndexes(query)
}

// EnsureIndexes creates every catalog index that has not been applied
// yet. Without auto-indexing it only logs the suggestions. A datastore
// that already has an index is not an error, and a failed index never
// aborts the rest of the catalog; the returned error is the last
// failure, for callers that want to surface it.
func (o *Optimizer) EnsureIndexes(ctx context.Context) error {
	var lastErr error
	for table, suggestions := range indexCatalog {
		for _, s := range suggestions {
			o.mu.Lock()
			done := o.applied[s.IndexName]
			o.mu.Unlock()
			if done {
				continue
			}

			if !o.autoIndexing {
				o.logger.Info("Index suggested",
					"table", table,
					"index", s.IndexName,
					"reason", s.Reason)
				continue
			}

			if err := o.pool.Exec(ctx, s.Statement); err != nil {
				if strings.Contains(err.Error(), "already exists") {
					o.markApplied(s.IndexName)
					continue
				}
				o.logger.Warn("Failed to create index",
					"index", s.IndexName,
					"error", err.Error())
				lastErr = err
				continue
			}

			o.markApplied(s.IndexName)
			o.logger.Info("Index created", "table", table, "index", s.IndexName)
		}
	}
	return lastErr
}

func (o *Optimizer) markApplied(name string) {
	o.mu.Lock()
	o.applied[name] = true
	o.mu.Unlock()
}

// queryHash produces a stable identity for a query regardless of
// whitespace differences.
func queryHash(query string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:8])
}

// suggestIndexes matches catalog tables mentioned in the query.
func suggestIndexes(query string) []IndexSuggestion {
	lower := strings.ToLower(query)
	var out []IndexSuggestion
	for table, suggestions := range indexCatalog {
		if strings.Contains(lower, table) {
			out = append(out, suggestions...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IndexName < out[j].IndexName })
	return out
}

// balanced is the safety gate for rewrites: parentheses must pair up
// and quotes must close.
func balanced(query string) bool {
	depth := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
		case inQuote:
		case r == '(':
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0 && !inQuote
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
