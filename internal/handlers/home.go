package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/models"
	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/stream"
)

const connectErrorMessage = "Unable to connect to the API. Please ensure the backend is running."

type homePageData struct {
	Chats         []chat
	CurrentChatID string
	Messages      []message

	SystemInfo    systemInfoData
	Metrics       metricsData
	CodeAvailable bool
}

type systemInfoData struct {
	Info  models.SystemInfo
	Error string
}

type metricsData struct {
	models.MetricsSummary
	Newest *models.PerformanceMetric
}

var templateFuncs = template.FuncMap{
	"fixed": func(precision int, v float64) string {
		return fmt.Sprintf("%.*f", precision, v)
	},
	"clock": func(t time.Time) string {
		return t.Format("15:04")
	},
	"upper": strings.ToUpper,
}

// HandleHome renders the main page: the chat list, the messages of the "chat_id" chat if given,
// the model service status and the recent metrics. System info is fetched once per page load.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	ctx := r.Context()
	chats, err := m.store.Chats(ctx)
	if err != nil {
		m.httpError(w, "Failed to get chats", err)
		return
	}

	data := homePageData{
		SystemInfo: m.fetchSystemInfo(ctx),
		Metrics:    m.metricsData(),
	}
	_, data.CodeAvailable = m.llm.(CodeAssistant)

	chatID := r.URL.Query().Get("chat_id")
	for _, c := range chats {
		if c.ID == chatID {
			data.CurrentChatID = chatID
		}
		data.Chats = append(data.Chats, chat{ID: c.ID, Title: c.Title, Active: c.ID == chatID})
	}

	if data.CurrentChatID != "" {
		conv, err := m.conversations.load(ctx, m.store, chatID)
		if err != nil {
			m.httpError(w, "Failed to load conversation", err)
			return
		}
		for _, msg := range conv.Messages() {
			data.Messages = append(data.Messages, m.messageView(msg))
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSystemInfo fetches the model service status again and renders the status partial.
func (m Main) HandleSystemInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "system_info", m.fetchSystemInfo(r.Context())); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) fetchSystemInfo(ctx context.Context) systemInfoData {
	ctx, cancel := context.WithTimeout(ctx, m.infoTimeout)
	defer cancel()

	info, err := m.llm.SystemInfo(ctx)
	if err != nil {
		m.logger.Warn("Failed to fetch system info", slog.String(errLoggerKey, err.Error()))
		return systemInfoData{Error: requestErrorMessage(err)}
	}
	m.info.set(info)
	return systemInfoData{Info: info, Error: info.Error}
}

// requestErrorMessage is the text shown for a failed request outside of a chat stream: the
// service's own message when it sent one, the status code otherwise.
func requestErrorMessage(err error) string {
	var (
		httpErr  *stream.HTTPError
		modelErr *stream.ModelError
	)
	switch {
	case errors.As(err, &httpErr) && httpErr.Body != "":
		return httpErr.Body
	case errors.As(err, &httpErr):
		return fmt.Sprintf("HTTP %d", httpErr.StatusCode)
	case errors.As(err, &modelErr):
		return modelErr.Message
	default:
		return connectErrorMessage
	}
}
