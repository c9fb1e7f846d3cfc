package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/giquina/LusoTown-sub006/internal/api/response"
)

// DashboardHandler serves the latest snapshot.
func (d *Dashboard) DashboardHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.WriteSuccess(w, d.Current())
	}
}

// HistoryHandler serves retained snapshots; ?hours=N bounds the
// window, defaulting to 24.
func (d *Dashboard) HistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours := 24
		if raw := r.URL.Query().Get("hours"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 || parsed > 7*24 {
				response.WriteBadRequest(w, "hours must be between 1 and 168")
				return
			}
			hours = parsed
		}
		response.WriteSuccess(w, d.History(time.Duration(hours)*time.Hour))
	}
}

// AlertsHandler serves the unresolved alerts.
func (d *Dashboard) AlertsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.WriteSuccess(w, d.ActiveAlerts())
	}
}

// TrendsHandler serves the trend analysis over retained history.
func (d *Dashboard) TrendsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.WriteSuccess(w, d.Trends())
	}
}

// AcknowledgeHandler removes a persistent alert by id.
func (d *Dashboard) AcknowledgeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alertID := r.URL.Query().Get("id")
		if alertID == "" {
			response.WriteBadRequest(w, "id is required")
			return
		}
		if !d.Acknowledge(alertID) {
			response.WriteNotFound(w, "no alert with that id")
			return
		}
		response.WriteSuccess(w, map[string]string{"acknowledged": alertID})
	}
}
