package monitor

// TrendDirection labels how a metric moved over the analyzed window.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendStable    TrendDirection = "stable"
	TrendDegrading TrendDirection = "degrading"
)

// Trend compares a metric's recent average against its earlier one.
type Trend struct {
	Metric       string         `json:"metric"`
	Direction    TrendDirection `json:"direction"`
	EarlierValue float64        `json:"earlier_value"`
	RecentValue  float64        `json:"recent_value"`
	ChangePct    float64        `json:"change_pct"`
}

// Metrics must move at least this fraction before a trend is called.
const trendDeadband = 0.05

// Trends splits the retained history in half and compares averages for
// the headline metrics. Returns nil when there is not enough history
// to compare.
func (d *Dashboard) Trends() []Trend {
	d.mu.Lock()
	history := make([]Snapshot, len(d.history))
	copy(history, d.history)
	d.mu.Unlock()

	if len(history) < 2 {
		return nil
	}

	mid := len(history) / 2
	earlier, recent := history[:mid], history[mid:]

	type metric struct {
		name string
		get  func(Snapshot) float64
		// higherIsBetter flips the improving/degrading call.
		higherIsBetter bool
	}
	tracked := []metric{
		{"average_query_time_ms", func(s Snapshot) float64 { return s.Database.AverageQueryTimeMs }, false},
		{"cache_hit_ratio", func(s Snapshot) float64 { return s.Cache.HitRatio }, true},
		{"api_response_time_ms", func(s Snapshot) float64 { return s.API.AverageResponseTimeMs }, false},
		{"health_score", func(s Snapshot) float64 { return float64(s.HealthScore) }, true},
	}

	var out []Trend
	for _, m := range tracked {
		before := average(earlier, m.get)
		after := average(recent, m.get)

		t := Trend{
			Metric:       m.name,
			EarlierValue: before,
			RecentValue:  after,
			Direction:    TrendStable,
		}
		if before != 0 {
			t.ChangePct = (after - before) / before * 100
		}

		switch {
		case before == 0 && after == 0:
		case after > before*(1+trendDeadband):
			if m.higherIsBetter {
				t.Direction = TrendImproving
			} else {
				t.Direction = TrendDegrading
			}
		case after < before*(1-trendDeadband):
			if m.higherIsBetter {
				t.Direction = TrendDegrading
			} else {
				t.Direction = TrendImproving
			}
		}

		out = append(out, t)
	}
	return out
}

func average(snaps []Snapshot, get func(Snapshot) float64) float64 {
	if len(snaps) == 0 {
		return 0
	}
	var sum float64
	for _, s := range snaps {
		sum += get(s)
	}
	return sum / float64(len(snaps))
}
