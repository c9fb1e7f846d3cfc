package monitor

import "fmt"

// Recommendation is a heuristic optimization suggestion. Regenerated
// every cycle from the current snapshot, never persisted.
type Recommendation struct {
	ID               string   `json:"id"`
	Priority         string   `json:"priority"`
	Category         string   `json:"category"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	EstimatedImpact  string   `json:"estimated_impact"`
	Effort           string   `json:"effort"`
	AffectedFeatures []string `json:"affected_features"`
	Changes          []string `json:"changes,omitempty"`
}

func (d *Dashboard) generateRecommendations(s Snapshot) []Recommendation {
	t := d.thresholds
	var recs []Recommendation

	if s.Database.TotalQueries > 0 &&
		float64(s.Database.SlowQueries) > float64(s.Database.TotalQueries)*t.DBMaxSlowFraction {
		recs = append(recs, Recommendation{
			ID:               "optimize_slow_queries",
			Priority:         "high",
			Category:         "database",
			Title:            "Optimize slow community queries",
			Description:      fmt.Sprintf("%d of %d queries exceeded the slow threshold", s.Database.SlowQueries, s.Database.TotalQueries),
			EstimatedImpact:  "40-60% improvement in query response times",
			Effort:           "medium",
			AffectedFeatures: []string{"Cultural Events", "Business Directory", "Cultural Matching"},
			Changes: []string{
				"Create the suggested indexes for cultural content queries",
				"Cache frequent business directory searches",
				"Use radius containment instead of distance filters in geo queries",
			},
		})
	}

	if cacheActive(s.Cache) && s.Cache.HitRatio < t.CacheMinHitRatio {
		recs = append(recs, Recommendation{
			ID:               "improve_cache_strategy",
			Priority:         "medium",
			Category:         "cache",
			Title:            "Improve content caching strategy",
			Description:      fmt.Sprintf("Cache hit ratio is %.0f%%, below the %.0f%% target", s.Cache.HitRatio*100, t.CacheMinHitRatio*100),
			EstimatedImpact:  "30-50% improvement in page load times",
			Effort:           "low",
			AffectedFeatures: []string{"Events Discovery", "Business Directory", "User Profiles"},
			Changes: []string{
				"Warm the cache for popular upcoming events",
				"Add geolocation-keyed caching for business searches",
				"Cache compatibility results for faster matching",
			},
		})
	}

	if s.API.AverageResponseTimeMs > t.APIMaxAvgScoreMs {
		recs = append(recs, Recommendation{
			ID:               "optimize_api_endpoints",
			Priority:         "high",
			Category:         "api",
			Title:            "Optimize slow API endpoints",
			Description:      fmt.Sprintf("Average API response time is %.0fms", s.API.AverageResponseTimeMs),
			EstimatedImpact:  "50-70% improvement in API response times",
			Effort:           "medium",
			AffectedFeatures: []string{"Events Discovery", "Business Directory"},
			Changes: []string{
				"Paginate large event listings",
				"Enable caching on read-heavy endpoints",
				"Compress large directory responses",
			},
		})
	}

	if s.Cache.Degraded {
		recs = append(recs, Recommendation{
			ID:               "restore_cache_backend",
			Priority:         "high",
			Category:         "cache",
			Title:            "Restore the cache backend",
			Description:      "The cache service is unreachable; every request is taking the slow path",
			EstimatedImpact:  "Removes the full cache-miss penalty from all reads",
			Effort:           "low",
			AffectedFeatures: []string{"All cached content"},
		})
	}

	return recs
}
