package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/models"
	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/stream"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type chat struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
}

type chatboxData struct {
	CurrentChatID string
	Messages      []message
}

// HandleChats accepts a user message through the "message" form field and starts generating the
// assistant's answer in the background. Without a "chat_id" a new chat is created. The answer is
// streamed to the browser over SSE on the topic of the assistant message.
//
// For a new chat the whole chatbox is rendered, otherwise only the two new messages. A chat that
// is still generating answers with 409 Conflict.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	content := strings.TrimSpace(r.FormValue("message"))
	if content == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message cannot be empty", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	chatID := r.FormValue("chat_id")
	isNewChat := chatID == ""
	if isNewChat {
		var err error
		chatID, err = m.newChat(ctx, content)
		if err != nil {
			m.logger.Error("Failed to create new chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	} else if err := m.chatExists(ctx, chatID); err != nil {
		m.httpError(w, "Failed to find chat", err)
		return
	}

	conv, err := m.conversations.load(ctx, m.store, chatID)
	if err != nil {
		m.httpError(w, "Failed to load conversation", err)
		return
	}

	user, assistant, err := conv.Submit(content)
	if err != nil {
		m.httpError(w, "Failed to submit message", err)
		return
	}

	for _, msg := range []models.ChatMessage{user, assistant} {
		if err := m.store.AddMessage(ctx, chatID, msg); err != nil {
			// The generation never starts, so the placeholder must not block the conversation.
			_, _ = conv.Fail(assistant.ID, "Error: failed to save message")
			m.httpError(w, "Failed to add message", err)
			return
		}
	}

	history := slices.DeleteFunc(conv.Messages(), func(msg models.ChatMessage) bool {
		return msg.ID == assistant.ID
	})
	genCtx, cancel := m.conversations.start(chatID, assistant.ID)
	go m.generate(genCtx, cancel, conv, assistant, history)

	if isNewChat {
		data := chatboxData{CurrentChatID: chatID}
		for _, msg := range conv.Messages() {
			data.Messages = append(data.Messages, m.messageView(msg))
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if err := m.templates.ExecuteTemplate(w, "user_message", m.messageView(user)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "ai_message", m.messageView(assistant)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleCancelChat aborts the running generation of the "chat_id" chat. The partial answer is kept.
func (m Main) HandleCancelChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if !m.conversations.cancel(chatID) {
		http.Error(w, "No response is being generated", http.StatusNotFound)
		return
	}

	m.logger.Info("Generation cancelled", slog.String("chatID", chatID))
	w.WriteHeader(http.StatusNoContent)
}

// HandleClearChat removes every message of the "chat_id" chat and renders the empty chatbox.
func (m Main) HandleClearChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	chatID := r.FormValue("chat_id")
	if err := m.chatExists(ctx, chatID); err != nil {
		m.httpError(w, "Failed to find chat", err)
		return
	}

	conv, err := m.conversations.load(ctx, m.store, chatID)
	if err != nil {
		m.httpError(w, "Failed to load conversation", err)
		return
	}
	if err := conv.Clear(); err != nil {
		m.httpError(w, "Failed to clear conversation", err)
		return
	}
	if err := m.store.ClearMessages(ctx, chatID); err != nil {
		m.httpError(w, "Failed to clear messages", err)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "chatbox", chatboxData{CurrentChatID: chatID}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// generate fills the assistant message with the model's answer. It is the only writer of that
// message while it streams.
func (m Main) generate(
	ctx context.Context,
	cancel context.CancelFunc,
	conv *models.Conversation,
	assistant models.ChatMessage,
	history []models.ChatMessage,
) {
	defer m.conversations.done(conv.ID(), assistant.ID)
	defer cancel()
	defer m.publishClose(assistant.ID)

	start := time.Now()
	deltas := 0

	asm := stream.NewAssembler(stream.Handlers{
		OnDelta: func(text string) {
			deltas++
			msg, err := conv.SetContent(assistant.ID, text)
			if err != nil {
				m.logger.Error("Failed to update message",
					slog.String("messageID", assistant.ID),
					slog.String(errLoggerKey, err.Error()))
				return
			}
			m.publishMessage(msg)
		},
		OnDone: func() {
			m.finalize(conv, assistant.ID, func() (models.ChatMessage, error) {
				return conv.Finish(assistant.ID)
			})
			m.recordMetric(models.NewPerformanceMetric(time.Since(start).Seconds(), deltas, m.info.get()))
		},
		OnError: func(display string) {
			m.finalize(conv, assistant.ID, func() (models.ChatMessage, error) {
				return conv.Fail(assistant.ID, display)
			})
		},
	}, stream.WithLogger(m.logger))

	err := asm.Apply(ctx, m.llm.Chat(ctx, history))

	switch asm.State() {
	case stream.StateCancelled:
		// The partial answer stays as the final content.
		m.finalize(conv, assistant.ID, func() (models.ChatMessage, error) {
			return conv.Finish(assistant.ID)
		})
		m.logger.Debug("Generation stopped", slog.String("messageID", assistant.ID))
	case stream.StateFailed:
		m.logger.Warn("Generation failed",
			slog.String("messageID", assistant.ID),
			slog.String(errLoggerKey, err.Error()))
	default:
		m.logger.Debug("Generation completed",
			slog.String("messageID", assistant.ID),
			slog.Int("deltas", deltas),
			slog.Duration("elapsed", time.Since(start)))
	}
}

// finalize ends streaming of a message with end, then persists and publishes the result.
func (m Main) finalize(conv *models.Conversation, messageID string, end func() (models.ChatMessage, error)) {
	msg, err := end()
	if err != nil {
		m.logger.Error("Failed to finalize message",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	if err := m.store.UpdateMessage(context.Background(), conv.ID(), msg); err != nil {
		m.logger.Error("Failed to store message",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
	}
	m.publishMessage(msg)
}

func (m Main) publishMessage(msg models.ChatMessage) {
	content, err := models.RenderMarkdown(msg.Content)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: messagesSSEType}
	e.AppendData(content)
	if err := m.sseSrv.Publish(&e, messageIDTopic(msg.ID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishClose(messageID string) {
	e := sse.Message{Type: closeMessageSSEType}
	e.AppendData(messageID)
	_ = m.sseSrv.Publish(&e, messageIDTopic(messageID))
}

func (m Main) newChat(ctx context.Context, firstMessage string) (string, error) {
	c := models.Chat{
		ID:        uuid.New().String(),
		Title:     models.TitleFromMessage(firstMessage),
		CreatedAt: time.Now(),
	}
	if err := m.store.AddChat(ctx, c); err != nil {
		return "", fmt.Errorf("failed to add chat: %w", err)
	}

	divs, err := m.chatDivs(ctx, c.ID)
	if err != nil {
		return "", fmt.Errorf("failed to create chat divs: %w", err)
	}

	e := sse.Message{Type: chatsSSEType}
	e.AppendData(divs)
	if err := m.sseSrv.Publish(&e, chatsSSETopic); err != nil {
		return "", fmt.Errorf("failed to publish chats: %w", err)
	}

	return c.ID, nil
}

func (m Main) chatExists(ctx context.Context, chatID string) error {
	chats, err := m.store.Chats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chats: %w", err)
	}
	if !slices.ContainsFunc(chats, func(c models.Chat) bool { return c.ID == chatID }) {
		return fmt.Errorf("chat %q: %w", chatID, models.ErrNotFound)
	}
	return nil
}

func (m Main) chatDivs(ctx context.Context, activeID string) (string, error) {
	chats, err := m.store.Chats(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get chats: %w", err)
	}

	var sb strings.Builder
	for _, ch := range chats {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}

func (m Main) messageView(msg models.ChatMessage) message {
	state := "ended"
	if msg.Streaming {
		state = "loading"
	}

	content, err := models.RenderMarkdown(msg.Content)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		content = template.HTMLEscapeString(msg.Content)
	}

	return message{
		ID: msg.ID,
		// Rendered by goldmark, which drops raw HTML from the source.
		Content:        template.HTML(content),
		Role:           string(msg.Role),
		Timestamp:      msg.CreatedAt,
		StreamingState: state,
	}
}

// httpError logs err and answers with the status matching its kind.
func (m Main) httpError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrGenerationInProgress):
		status = http.StatusConflict
	}

	m.logger.Error(msg, slog.String(errLoggerKey, err.Error()), slog.Int("status", status))
	http.Error(w, err.Error(), status)
}
