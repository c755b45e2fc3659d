package worker

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMux exposes the operational surface: health/readiness, the manual
// dry-run evaluation, active cooldown listing and Prometheus metrics.
func NewMux(w *Worker, mqttClient mqtt.Client, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthHandler{w: w, mqtt: mqttClient})
	mux.Handle("/readyz", readyHandler{w: w, mqtt: mqttClient, minErrorAge: 30 * time.Second})
	mux.HandleFunc("/rules/", func(rw http.ResponseWriter, r *http.Request) {
		handleDryRun(w, rw, r)
	})
	mux.HandleFunc("/cooldowns", func(rw http.ResponseWriter, r *http.Request) {
		handleCooldowns(w, rw, r)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

type healthHandler struct {
	w    *Worker
	mqtt mqtt.Client
}

func (h healthHandler) ServeHTTP(rw http.ResponseWriter, _ *http.Request) {
	st := struct {
		Status          string  `json:"status"`
		MQTTConnected   bool    `json:"mqtt_connected"`
		ActiveRules     int     `json:"active_rules"`
		QueueDepth      int     `json:"queue_depth"`
		LastAuditErrorS float64 `json:"last_audit_error_age_sec"`
	}{
		MQTTConnected:   h.mqtt != nil && h.mqtt.IsConnectionOpen(),
		ActiveRules:     len(h.w.Snapshot().Rules()),
		QueueDepth:      len(h.w.queue),
		LastAuditErrorS: h.w.audit.LastErrorAge().Seconds(),
	}
	switch {
	case st.MQTTConnected:
		st.Status = "ok"
	default:
		st.Status = "down"
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(st)
}

type readyHandler struct {
	w           *Worker
	mqtt        mqtt.Client
	minErrorAge time.Duration
}

func (h readyHandler) ServeHTTP(rw http.ResponseWriter, _ *http.Request) {
	ready := h.mqtt != nil && h.mqtt.IsConnectionOpen() &&
		h.w.audit.LastErrorAge() > h.minErrorAge
	if !ready {
		rw.WriteHeader(http.StatusServiceUnavailable)
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(struct {
		Ready bool `json:"ready"`
	}{Ready: ready})
}

// GET /rules/{id}/evaluate[?value=X] is the manual dry-run. Does not
// gate on cooldown and never dispatches.
func handleDryRun(w *Worker, rw http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/rules/")
	ruleID, op, ok := strings.Cut(rest, "/")
	if !ok || op != "evaluate" || ruleID == "" {
		http.NotFound(rw, r)
		return
	}

	useLatest := true
	var value float64
	if raw := strings.TrimSpace(r.URL.Query().Get("value")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			http.Error(rw, "invalid value", http.StatusBadRequest)
			return
		}
		value, useLatest = v, false
	}

	res, found := w.DryRun(ruleID, value, useLatest)
	if !found {
		http.NotFound(rw, r)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(res)
}

// GET /cooldowns lists active cooldown/suppression entries from the ledger.
func handleCooldowns(w *Worker, rw http.ResponseWriter, r *http.Request) {
	entries, err := w.Cooldowns(r.Context())
	if err != nil {
		http.Error(rw, "ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(entries)
}
