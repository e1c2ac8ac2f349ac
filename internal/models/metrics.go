package models

import (
	"strings"
	"sync"
)

// MaxMetrics is the number of most recent generations kept in a MetricsHistory.
const MaxMetrics = 5

// PerformanceMetric records the cost of one generation.
type PerformanceMetric struct {
	ResponseTime    float64   `json:"response_time"`
	TokensGenerated int       `json:"tokens_generated"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	ModelSize       ModelSize `json:"model_size"`
	Device          string    `json:"device"`
}

// NewPerformanceMetric builds a metric from a response time in seconds and a token count.
func NewPerformanceMetric(responseTime float64, tokens int, info SystemInfo) PerformanceMetric {
	var tps float64
	if responseTime > 0 {
		tps = float64(tokens) / responseTime
	}
	return PerformanceMetric{
		ResponseTime:    responseTime,
		TokensGenerated: tokens,
		TokensPerSecond: tps,
		ModelSize:       info.Size(),
		Device:          info.Device,
	}
}

// ModelLabel describes the model class that produced the metric.
func (p PerformanceMetric) ModelLabel() string {
	if p.ModelSize == ModelSizeLarge {
		return "Large (GPU)"
	}
	return "Small (CPU)"
}

// EnvironmentLabel describes where the model ran.
func (p PerformanceMetric) EnvironmentLabel() string {
	if strings.Contains(p.Device, "cuda") {
		return "Docker Offload"
	}
	return "Local"
}

// MetricsHistory keeps the most recent PerformanceMetric values, newest first. It is safe for
// concurrent use.
type MetricsHistory struct {
	mu      sync.Mutex
	metrics []PerformanceMetric
}

// Add records m as the newest metric, dropping the oldest beyond MaxMetrics.
func (h *MetricsHistory) Add(m PerformanceMetric) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.metrics = append([]PerformanceMetric{m}, h.metrics...)
	if len(h.metrics) > MaxMetrics {
		h.metrics = h.metrics[:MaxMetrics]
	}
}

// MetricsSummary is a snapshot of a MetricsHistory.
type MetricsSummary struct {
	Metrics                []PerformanceMetric `json:"metrics"`
	AverageResponseTime    float64             `json:"average_response_time"`
	AverageTokensPerSecond float64             `json:"average_tokens_per_second"`
}

// Latest returns the newest metric and whether there is one.
func (s MetricsSummary) Latest() (PerformanceMetric, bool) {
	if len(s.Metrics) == 0 {
		return PerformanceMetric{}, false
	}
	return s.Metrics[0], true
}

// Summary returns a copy of the history with its averages.
func (h *MetricsHistory) Summary() MetricsSummary {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := MetricsSummary{
		Metrics: append([]PerformanceMetric(nil), h.metrics...),
	}
	if len(s.Metrics) == 0 {
		return s
	}
	for _, m := range s.Metrics {
		s.AverageResponseTime += m.ResponseTime
		s.AverageTokensPerSecond += m.TokensPerSecond
	}
	s.AverageResponseTime /= float64(len(s.Metrics))
	s.AverageTokensPerSecond /= float64(len(s.Metrics))
	return s
}
