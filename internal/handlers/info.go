package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/models"
	"github.com/tmaxmax/go-sse"
)

type healthResponse struct {
	Status       string `json:"status"`
	ModelService string `json:"model_service"`
	Model        string `json:"model,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HandleMetrics renders the recent generation metrics. Clients asking for JSON get the summary as
// JSON instead.
func (m Main) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data := m.metricsData()
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, data.MetricsSummary)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "metrics", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleHealth reports whether the server and the model service are up. It answers 503 when the
// model service can't be reached.
func (m Main) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), m.infoTimeout)
	defer cancel()

	if err := m.llm.Health(ctx); err != nil {
		m.logger.Warn("Model service unhealthy", slog.String(errLoggerKey, err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:       "degraded",
			ModelService: "disconnected",
			Error:        requestErrorMessage(err),
		})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:       "healthy",
		ModelService: "connected",
		Model:        m.info.get().Model(),
	})
}

func (m Main) metricsData() metricsData {
	s := m.metrics.Summary()
	data := metricsData{MetricsSummary: s}
	if latest, ok := s.Latest(); ok {
		data.Newest = &latest
	}
	return data
}

// recordMetric adds a metric to the history and pushes the updated metrics to every client.
func (m Main) recordMetric(metric models.PerformanceMetric) {
	m.metrics.Add(metric)

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "metrics", m.metricsData()); err != nil {
		m.logger.Error("Failed to render metrics", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: metricsSSEType}
	e.AppendData(sb.String())
	if err := m.sseSrv.Publish(&e); err != nil {
		m.logger.Error("Failed to publish metrics", slog.String(errLoggerKey, err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
