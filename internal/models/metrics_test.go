package models_test

import (
	"math"
	"strings"
	"testing"

	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/models"
)

func TestNewPerformanceMetric(t *testing.T) {
	info := models.SystemInfo{ModelSize: models.ModelSizeLarge, Device: "cuda:0"}

	m := models.NewPerformanceMetric(2, 100, info)
	if m.TokensPerSecond != 50 {
		t.Errorf("TokensPerSecond = %v, want 50", m.TokensPerSecond)
	}
	if m.ModelLabel() != "Large (GPU)" || m.EnvironmentLabel() != "Docker Offload" {
		t.Errorf("labels = %q, %q", m.ModelLabel(), m.EnvironmentLabel())
	}

	zero := models.NewPerformanceMetric(0, 10, models.SystemInfo{})
	if zero.TokensPerSecond != 0 {
		t.Errorf("TokensPerSecond with zero time = %v, want 0", zero.TokensPerSecond)
	}
	if zero.ModelSize != models.ModelSizeSmall || zero.EnvironmentLabel() != "Local" {
		t.Errorf("defaults = %+v", zero)
	}
}

func TestMetricsHistory(t *testing.T) {
	var h models.MetricsHistory

	if _, ok := h.Summary().Latest(); ok {
		t.Error("empty history should have no latest metric")
	}

	for i := 1; i <= 7; i++ {
		h.Add(models.PerformanceMetric{ResponseTime: float64(i), TokensPerSecond: float64(10 * i)})
	}

	s := h.Summary()
	if len(s.Metrics) != models.MaxMetrics {
		t.Fatalf("len(Metrics) = %d, want %d", len(s.Metrics), models.MaxMetrics)
	}
	latest, ok := s.Latest()
	if !ok || latest.ResponseTime != 7 {
		t.Errorf("Latest() = %+v, want the last added metric", latest)
	}
	// Runs 3..7 remain.
	if math.Abs(s.AverageResponseTime-5) > 1e-9 {
		t.Errorf("AverageResponseTime = %v, want 5", s.AverageResponseTime)
	}
	if math.Abs(s.AverageTokensPerSecond-50) > 1e-9 {
		t.Errorf("AverageTokensPerSecond = %v, want 50", s.AverageTokensPerSecond)
	}
}

func TestSystemInfo(t *testing.T) {
	tests := []struct {
		name      string
		info      models.SystemInfo
		wantModel string
		wantEnv   string
	}{
		{
			name:      "Chat variant",
			info:      models.SystemInfo{CurrentModel: "ai/smollm2:1.7B-Q8_0", Device: "cpu"},
			wantModel: "smollm2:1.7B-Q8_0",
			wantEnv:   "LOCAL",
		},
		{
			name:      "Code assistant variant with GPU",
			info:      models.SystemInfo{ModelName: "bigcode/starcoder2-15b", GPUEnabled: true},
			wantModel: "starcoder2-15b",
			wantEnv:   "CLOUD",
		},
		{
			name:      "Offload device and display name",
			info:      models.SystemInfo{CurrentModel: "x/y", ModelDisplay: "Qwen 7B", Device: "docker-offload"},
			wantModel: "Qwen 7B",
			wantEnv:   "CLOUD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.Model(); got != tt.wantModel {
				t.Errorf("Model() = %q, want %q", got, tt.wantModel)
			}
			if got := tt.info.Environment(); got != tt.wantEnv {
				t.Errorf("Environment() = %q, want %q", got, tt.wantEnv)
			}
		})
	}
}

func TestRenderMarkdown(t *testing.T) {
	html, err := models.RenderMarkdown("**bold** <script>alert(1)</script>")
	if err != nil {
		t.Fatalf("RenderMarkdown() error = %v", err)
	}
	if !strings.Contains(html, "<strong>bold</strong>") {
		t.Errorf("RenderMarkdown() = %q, want bold text", html)
	}
	if strings.Contains(html, "<script>") {
		t.Errorf("RenderMarkdown() = %q, raw HTML should not pass through", html)
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{code: "def fibonacci(n):", want: "python"},
		{code: "const sum = (a, b) => a + b", want: "javascript"},
		{code: "interface Props { name: string }", want: "typescript"},
		{code: "SELECT 1", want: "javascript"},
	}

	for _, tt := range tests {
		if got := models.DetectLanguage(tt.code); got != tt.want {
			t.Errorf("DetectLanguage(%q) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestRenderCode(t *testing.T) {
	html, err := models.RenderCode("def add(a, b):\n    return a + b")
	if err != nil {
		t.Fatalf("RenderCode() error = %v", err)
	}
	if !strings.Contains(html, "<pre") {
		t.Errorf("RenderCode() = %q, want a code block", html)
	}
}
