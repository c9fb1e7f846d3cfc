package monitor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	AlertSeverityLow      AlertSeverity = "low"
	AlertSeverityMedium   AlertSeverity = "medium"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Alert is a threshold crossing observed by the dashboard. AutoResolve
// alerts clear themselves when the condition recovers; the rest stay
// until acknowledged.
type Alert struct {
	ID           string        `json:"id"`
	Severity     AlertSeverity `json:"severity"`
	Subsystem    string        `json:"subsystem"`
	Message      string        `json:"message"`
	Metric       string        `json:"metric"`
	Threshold    float64       `json:"threshold"`
	CurrentValue float64       `json:"current_value"`
	Timestamp    time.Time     `json:"timestamp"`
	Impact       string        `json:"impact"`
	AutoResolve  bool          `json:"auto_resolve"`
}

// generateAlerts evaluates this tick's threshold crossings.
func (d *Dashboard) generateAlerts(s Snapshot) []Alert {
	t := d.thresholds
	now := s.Timestamp
	var alerts []Alert

	if s.Database.AverageQueryTimeMs > t.DBMaxAvgQueryMs {
		alerts = append(alerts, Alert{
			ID:           uuid.New().String(),
			Severity:     AlertSeverityHigh,
			Subsystem:    "database",
			Message:      fmt.Sprintf("Database queries are slow (%.0fms average)", s.Database.AverageQueryTimeMs),
			Metric:       "average_query_time",
			Threshold:    t.DBMaxAvgQueryMs,
			CurrentValue: s.Database.AverageQueryTimeMs,
			Timestamp:    now,
			Impact:       "Cultural content and business directory searches may be slow",
			AutoResolve:  false,
		})
	}

	if util := utilization(s.Database); util > t.DBMaxUtilization {
		alerts = append(alerts, Alert{
			ID:           uuid.New().String(),
			Severity:     AlertSeverityMedium,
			Subsystem:    "database",
			Message:      fmt.Sprintf("Connection pool utilization is high (%.0f%%)", util*100),
			Metric:       "connection_pool_utilization",
			Threshold:    t.DBMaxUtilization,
			CurrentValue: util,
			Timestamp:    now,
			Impact:       "New requests may queue for a connection",
			AutoResolve:  true,
		})
	}

	if cacheActive(s.Cache) && s.Cache.HitRatio < t.CacheMinHitRatio {
		alerts = append(alerts, Alert{
			ID:           uuid.New().String(),
			Severity:     AlertSeverityMedium,
			Subsystem:    "cache",
			Message:      fmt.Sprintf("Cache hit ratio is low (%.0f%%)", s.Cache.HitRatio*100),
			Metric:       "cache_hit_ratio",
			Threshold:    t.CacheMinHitRatio,
			CurrentValue: s.Cache.HitRatio,
			Timestamp:    now,
			Impact:       "Event and business data will load slower",
			AutoResolve:  true,
		})
	}

	if s.API.AverageResponseTimeMs > t.APIMaxAvgAlertMs {
		alerts = append(alerts, Alert{
			ID:           uuid.New().String(),
			Severity:     AlertSeverityHigh,
			Subsystem:    "api",
			Message:      fmt.Sprintf("API responses are slow (%.0fms average)", s.API.AverageResponseTimeMs),
			Metric:       "api_response_time",
			Threshold:    t.APIMaxAvgAlertMs,
			CurrentValue: s.API.AverageResponseTimeMs,
			Timestamp:    now,
			Impact:       "Community features will respond slowly to user actions",
			AutoResolve:  false,
		})
	}

	if s.API.ErrorRate > t.APIMaxErrorRate {
		alerts = append(alerts, Alert{
			ID:           uuid.New().String(),
			Severity:     AlertSeverityCritical,
			Subsystem:    "api",
			Message:      fmt.Sprintf("API error rate is high (%.1f%%)", s.API.ErrorRate*100),
			Metric:       "api_error_rate",
			Threshold:    t.APIMaxErrorRate,
			CurrentValue: s.API.ErrorRate,
			Timestamp:    now,
			Impact:       "Community members are seeing failed requests",
			AutoResolve:  false,
		})
	}

	return alerts
}

// reconcileAlertsLocked merges this tick's alerts into the active set.
// Auto-resolve alerts whose condition recovered are dropped; an
// ongoing breach keeps its original alert rather than stacking a
// duplicate per tick. Caller holds d.mu.
func (d *Dashboard) reconcileAlertsLocked(snap *Snapshot) {
	for metric, alert := range d.activeAlerts {
		if alert.AutoResolve && d.alertResolved(alert, *snap) {
			delete(d.activeAlerts, metric)
			d.logger.Info("Performance alert auto-resolved",
				"alert_id", alert.ID,
				"metric", alert.Metric)
		}
	}

	for _, alert := range snap.Alerts {
		existing, ok := d.activeAlerts[alert.Metric]
		if ok {
			// Keep the original id and timestamp, refresh the reading.
			existing.CurrentValue = alert.CurrentValue
			existing.Message = alert.Message
			d.activeAlerts[alert.Metric] = existing
			continue
		}
		d.activeAlerts[alert.Metric] = alert

		if alert.Severity == AlertSeverityHigh || alert.Severity == AlertSeverityCritical {
			d.logger.Warn("Performance alert triggered",
				"alert_id", alert.ID,
				"severity", string(alert.Severity),
				"metric", alert.Metric,
				"current", alert.CurrentValue,
				"threshold", alert.Threshold)
		}
	}

	// The snapshot carries the reconciled view.
	snap.Alerts = make([]Alert, 0, len(d.activeAlerts))
	for _, a := range d.activeAlerts {
		snap.Alerts = append(snap.Alerts, a)
	}
}

// alertResolved re-checks an auto-resolving alert's condition against
// the fresh snapshot.
func (d *Dashboard) alertResolved(alert Alert, s Snapshot) bool {
	switch alert.Metric {
	case "connection_pool_utilization":
		return utilization(s.Database) <= alert.Threshold
	case "cache_hit_ratio":
		return !cacheActive(s.Cache) || s.Cache.HitRatio >= alert.Threshold
	}
	return false
}
