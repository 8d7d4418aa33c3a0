// Package health serves the liveness and operational status
// endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"notifyd/internal/gateway"
	"notifyd/internal/monitor"
	"notifyd/internal/reconcile"
	"notifyd/internal/store"
	"notifyd/internal/webhook"
)

// Sources collects the live views the status endpoint reads from.
// Any nil field is simply omitted from the report.
type Sources struct {
	Breakers       func(now time.Time) []gateway.BreakerSnapshot
	TaskCounts     func(ctx context.Context) (map[store.TaskState]int, error)
	LastScan       func() *monitor.Report
	WebhookStats   func() webhook.Stats
	ReconcileStats func() reconcile.Stats
}

type Handler struct {
	src     Sources
	started time.Time
	log     zerolog.Logger
}

func New(src Sources, log zerolog.Logger) *Handler {
	return &Handler{
		src:     src,
		started: time.Now(),
		log:     log.With().Str("component", "health").Logger(),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/status", h.handleStatus)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type statusReport struct {
	Uptime    string                    `json:"uptime"`
	Tasks     map[store.TaskState]int   `json:"tasks,omitempty"`
	Breakers  []gateway.BreakerSnapshot `json:"breakers,omitempty"`
	LastScan  *monitor.Report           `json:"last_scan,omitempty"`
	Webhook   *webhook.Stats            `json:"webhook,omitempty"`
	Reconcile *reconcile.Stats          `json:"reconcile,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := statusReport{Uptime: time.Since(h.started).Round(time.Second).String()}
	if h.src.Breakers != nil {
		report.Breakers = h.src.Breakers(time.Now())
	}
	if h.src.TaskCounts != nil {
		counts, err := h.src.TaskCounts(r.Context())
		if err != nil {
			h.log.Error().Err(err).Msg("task count query failed")
			http.Error(w, "status unavailable", http.StatusInternalServerError)
			return
		}
		report.Tasks = counts
	}
	if h.src.LastScan != nil {
		report.LastScan = h.src.LastScan()
	}
	if h.src.WebhookStats != nil {
		s := h.src.WebhookStats()
		report.Webhook = &s
	}
	if h.src.ReconcileStats != nil {
		s := h.src.ReconcileStats()
		report.Reconcile = &s
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(report)
}
