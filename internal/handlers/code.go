package handlers

import (
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/models"
)

const codeTemperature = 0.7

type codeResultData struct {
	Mode     models.CodeMode
	Code     template.HTML
	Response models.CodeResponse
	Metric   models.PerformanceMetric
	Error    string
}

// HandleCode completes code (mode=complete, needs "code") or generates code from a description
// (mode=generate, needs "prompt"). The token budget follows the size of the served model. The
// result is rendered as the code_result partial, errors included, and its timing is recorded as a
// metric.
func (m Main) HandleCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	assistant, ok := m.llm.(CodeAssistant)
	if !ok {
		http.Error(w, "The configured model service can't complete code", http.StatusNotImplemented)
		return
	}

	mode := models.CodeMode(r.FormValue("mode"))
	req := models.CodeRequest{
		Code:   r.FormValue("code"),
		Prompt: strings.TrimSpace(r.FormValue("prompt")),
	}
	switch mode {
	case models.CodeModeComplete:
		if strings.TrimSpace(req.Code) == "" {
			http.Error(w, "Code is required", http.StatusBadRequest)
			return
		}
	case models.CodeModeGenerate:
		if req.Prompt == "" {
			http.Error(w, "Prompt is required", http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, "Unknown mode", http.StatusBadRequest)
		return
	}

	info := m.info.get()
	req.MaxTokens = 100
	if info.Size() == models.ModelSizeLarge {
		req.MaxTokens = 500
	}
	temperature := codeTemperature
	req.Temperature = &temperature

	start := time.Now()
	res, err := assistant.Code(r.Context(), mode, req)
	data := codeResultData{Mode: mode}
	if err != nil {
		m.logger.Error("Code request failed",
			slog.String("mode", string(mode)),
			slog.String(errLoggerKey, err.Error()))
		data.Error = requestErrorMessage(err)
		m.renderCodeResult(w, data)
		return
	}

	if res.ResponseTime <= 0 {
		res.ResponseTime = time.Since(start).Seconds()
	}
	if res.ModelInfo.Model() == "" {
		res.ModelInfo = info
	}
	data.Response = res
	data.Metric = models.NewPerformanceMetric(res.ResponseTime, res.TokensGenerated, res.ModelInfo)
	m.recordMetric(data.Metric)

	code, err := models.RenderCode(res.Completion)
	if err != nil {
		m.logger.Error("Failed to render code", slog.String(errLoggerKey, err.Error()))
		code = "<pre>" + template.HTMLEscapeString(res.Completion) + "</pre>"
	}
	data.Code = template.HTML(code)

	m.renderCodeResult(w, data)
}

func (m Main) renderCodeResult(w http.ResponseWriter, data codeResultData) {
	if err := m.templates.ExecuteTemplate(w, "code_result", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
