package handlers

import (
	"context"
	"fmt"
	"html/template"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	codeassistant "github.com/ajeetraina/smart-code-assistant-docker-offload"
	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/logger"
	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/models"
	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/stream"
	"github.com/tmaxmax/go-sse"
)

// LLM is a model service. Chat yields the events of one response to the conversation; the sequence
// ends after a Done or Error event, or with a non-nil error.
type LLM interface {
	Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[stream.Event, error]
	SystemInfo(ctx context.Context) (models.SystemInfo, error)
	Health(ctx context.Context) error
}

// CodeAssistant is implemented by model services that answer code completion and generation
// requests.
type CodeAssistant interface {
	Code(ctx context.Context, mode models.CodeMode, req models.CodeRequest) (models.CodeResponse, error)
}

// Store persists chats and their messages. Messages are returned in creation order, chats newest
// first. Missing chats or messages are reported with models.ErrNotFound.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) error

	Messages(ctx context.Context, chatID string) ([]models.ChatMessage, error)
	AddMessage(ctx context.Context, chatID string, message models.ChatMessage) error
	UpdateMessage(ctx context.Context, chatID string, message models.ChatMessage) error
	ClearMessages(ctx context.Context, chatID string) error
}

// Main serves the web interface. It owns the SSE server the browser listens on, the live
// conversations and their running generations, and the metrics of recent generations.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	llm   LLM
	store Store

	conversations *conversations
	info          *systemInfoCache
	metrics       *models.MetricsHistory

	infoTimeout time.Duration

	logger *slog.Logger
}

// Option configures a Main.
type Option func(*Main)

// WithInfoTimeout bounds the system info and health requests made while serving a page.
func WithInfoTimeout(d time.Duration) Option {
	return func(m *Main) {
		m.infoTimeout = d
	}
}

const (
	chatsSSETopic = "chats"

	errLoggerKey = "err"
)

// SSE event types for real-time updates.
var (
	chatsSSEType        = sse.Type("chats")
	messagesSSEType     = sse.Type("messages")
	closeMessageSSEType = sse.Type("closeMessage")
	metricsSSEType      = sse.Type("metrics")
)

// NewMain parses the embedded templates and creates the SSE server. A nil logger discards output.
func NewMain(llm LLM, store Store, l *slog.Logger, opts ...Option) (Main, error) {
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(
		codeassistant.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	if l == nil {
		l = logger.Nop()
	}

	m := Main{
		sseSrv: &sse.Server{
			Provider: &sse.Joe{Replayer: newMessageReplayer()},
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				// A client following one assistant message also gets its updates, starting with
				// the ones published before it subscribed.
				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				// Send the headers now so the client sees the stream open before the first event.
				if err := s.Flush(); err != nil {
					return sse.Subscription{}, false
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates:     tmpl,
		llm:           llm,
		store:         store,
		conversations: newConversations(),
		info:          &systemInfoCache{},
		metrics:       &models.MetricsHistory{},
		infoTimeout:   5 * time.Second,
		logger:        l.With(slog.String("module", "main")),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m, nil
}

func messageIDTopic(messageID string) string {
	return messageTopicPrefix + messageID
}

// HandleSSE serves the event stream the browser subscribes to.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown cancels every running generation, tells connected clients to close and waits up to 5
// seconds for the SSE connections to end.
func (m Main) Shutdown(ctx context.Context) error {
	m.conversations.cancelAll()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// The SSE format requires data on every event.
	e.AppendData("bye")

	// Shutting down anyway.
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// Wait blocks until every running generation has finished.
func (m Main) Wait() {
	m.conversations.wg.Wait()
}

// conversations holds the live conversation of every chat touched since start and the cancel func
// of its running generation.
type conversations struct {
	mu      sync.Mutex
	byChat  map[string]*models.Conversation
	running map[string]generation
	wg      sync.WaitGroup
}

type generation struct {
	messageID string
	cancel    context.CancelFunc
}

func newConversations() *conversations {
	return &conversations{
		byChat:  make(map[string]*models.Conversation),
		running: make(map[string]generation),
	}
}

// load returns the live conversation of chatID, reading it from the store on first use.
func (c *conversations) load(ctx context.Context, store Store, chatID string) (*models.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conv, ok := c.byChat[chatID]; ok {
		return conv, nil
	}

	msgs, err := store.Messages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	conv := models.NewConversation(chatID, msgs)
	c.byChat[chatID] = conv
	return conv, nil
}

// start registers the generation filling messageID in chatID and returns its context.
func (c *conversations) start(chatID, messageID string) (context.Context, context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	c.running[chatID] = generation{messageID: messageID, cancel: cancel}
	c.wg.Add(1)
	return ctx, cancel
}

// done unregisters a generation. A newer generation of the same chat is left alone.
func (c *conversations) done(chatID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.running[chatID]; ok && g.messageID == messageID {
		delete(c.running, chatID)
	}
	c.wg.Done()
}

// cancel aborts the generation of chatID and reports whether one was running.
func (c *conversations) cancel(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.running[chatID]
	if ok {
		g.cancel()
	}
	return ok
}

func (c *conversations) cancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, g := range c.running {
		g.cancel()
	}
}

// systemInfoCache keeps the last system info fetched from the model service, used to label metrics
// and size code requests between page loads.
type systemInfoCache struct {
	mu   sync.RWMutex
	info models.SystemInfo
}

func (s *systemInfoCache) get() models.SystemInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

func (s *systemInfoCache) set(info models.SystemInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
}
