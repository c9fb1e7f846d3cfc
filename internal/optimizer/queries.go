package optimizer

import (
	"context"

	"github.com/giquina/LusoTown-sub006/internal/pool"
)

// Purpose-built queries for the platform's hottest read paths. Each is
// written directly in its optimized form so the rewrite pass has
// nothing to do, and executed through the optimizer so it still gets
// sampled.

// EventDiscoveryParams filters the upcoming cultural events listing.
type EventDiscoveryParams struct {
	SearchTerm string
	Categories []string
	Limit      int
}

// DiscoverEvents lists upcoming active cultural events, optionally
// filtered by full-text search and category.
func (o *Optimizer) DiscoverEvents(ctx context.Context, p EventDiscoveryParams) (*pool.Result, error) {
	if p.Limit <= 0 {
		p.Limit = 20
	}

	query := `
		SELECT id, title, description, event_date, venue, category, price
		FROM portuguese_cultural_events
		WHERE status = 'active'
		  AND event_date >= NOW()
		  AND ($1 = '' OR to_tsvector('portuguese', title || ' ' || coalesce(description, '')) @@ plainto_tsquery('portuguese', $1))
		  AND (cardinality($2::text[]) = 0 OR category = ANY($2))
		ORDER BY event_date ASC
		LIMIT $3`

	categories := p.Categories
	if categories == nil {
		categories = []string{}
	}

	return o.Execute(ctx, query, []interface{}{p.SearchTerm, categories, p.Limit}, pool.QueryOptions{
		QueryType: pool.QueryTypeCultural,
	})
}

// BusinessSearchParams filters the business directory radius search.
type BusinessSearchParams struct {
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
	BusinessType string
	Limit        int
}

// SearchBusinessesNearby finds verified directory businesses within a
// radius, nearest first. ST_DWithin and the KNN ordering both ride the
// spatial index.
func (o *Optimizer) SearchBusinessesNearby(ctx context.Context, p BusinessSearchParams) (*pool.Result, error) {
	if p.Limit <= 0 {
		p.Limit = 20
	}
	if p.RadiusMeters <= 0 {
		p.RadiusMeters = 5000
	}

	query := `
		SELECT id, name, description, business_type, address, phone,
		       ST_Distance(coordinates, ST_MakePoint($2, $1)::geography) AS distance_meters
		FROM portuguese_businesses
		WHERE is_verified = true
		  AND ST_DWithin(coordinates, ST_MakePoint($2, $1)::geography, $3)
		  AND ($4 = '' OR business_type = $4)
		ORDER BY coordinates <-> ST_MakePoint($2, $1)::geography
		LIMIT $5`

	return o.Execute(ctx, query, []interface{}{p.Latitude, p.Longitude, p.RadiusMeters, p.BusinessType, p.Limit}, pool.QueryOptions{
		QueryType: pool.QueryTypeGeolocation,
	})
}

// MatchSuggestions returns the top cultural compatibility matches for a
// user, reading the (user_id, compatibility_score DESC) index in order.
func (o *Optimizer) MatchSuggestions(ctx context.Context, userID string, minScore float64, limit int) (*pool.Result, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT c.matched_user_id, c.compatibility_score, c.shared_interests,
		       p.display_name, p.heritage_region
		FROM cultural_compatibility c
		JOIN profiles p ON p.id = c.matched_user_id
		WHERE c.user_id = $1
		  AND c.compatibility_score >= $2
		ORDER BY c.compatibility_score DESC
		LIMIT $3`

	return o.Execute(ctx, query, []interface{}{userID, minScore, limit}, pool.QueryOptions{
		QueryType: pool.QueryTypeMatching,
	})
}
