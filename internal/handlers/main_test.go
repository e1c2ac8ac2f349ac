package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/handlers"
	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/models"
	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/stream"
)

type mockLLM struct {
	responses []string
	err       error
	info      models.SystemInfo
	infoErr   error
	healthErr error

	// block makes Chat yield its responses and then wait for cancellation.
	block bool
}

type mockCodeLLM struct {
	mockLLM

	mu      sync.Mutex
	lastReq models.CodeRequest
	res     models.CodeResponse
	codeErr error
}

type mockStore struct {
	mu       sync.Mutex
	chats    []models.Chat
	messages map[string][]models.ChatMessage
	err      error
}

func newMain(t *testing.T, llm handlers.LLM, store handlers.Store) handlers.Main {
	t.Helper()

	m, err := handlers.NewMain(llm, store, nil)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
		m.Wait()
	})
	return m
}

func postForm(handler http.HandlerFunc, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestNewMain(t *testing.T) {
	main, err := handlers.NewMain(&mockLLM{}, newMockStore(), nil)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHome(t *testing.T) {
	store := newMockStore()
	store.chats = []models.Chat{{ID: "1", Title: "Test Chat"}}
	store.messages["1"] = []models.ChatMessage{{ID: "1", Role: models.RoleUser, Content: "Hello"}}

	tests := []struct {
		name       string
		llm        handlers.LLM
		url        string
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "Home page without chat",
			llm:        &mockLLM{info: models.SystemInfo{CurrentModel: "ai/smollm2:1.7B-Q8_0"}},
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Test Chat", "smollm2:1.7B-Q8_0", "LOCAL"},
		},
		{
			name:       "Home page with chat",
			llm:        &mockLLM{},
			url:        "/?chat_id=1",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Hello"},
		},
		{
			name:       "Model service down",
			llm:        &mockLLM{infoErr: &stream.TransportError{Err: fmt.Errorf("connection refused")}},
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Unable to connect to the API"},
		},
		{
			name:       "Offloaded model with code panel",
			llm:        &mockCodeLLM{mockLLM: mockLLM{info: models.SystemInfo{ModelName: "ai/qwen2.5:7B", GPUEnabled: true}}},
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   []string{"CLOUD", "code-form"},
		},
		{
			name:       "Unknown path",
			llm:        &mockLLM{},
			url:        "/nope",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(t, tt.llm, store)

			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()
			main.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}
			for _, want := range tt.wantBody {
				if !strings.Contains(w.Body.String(), want) {
					t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), want)
				}
			}
		})
	}
}

func TestHandleChats(t *testing.T) {
	store := newMockStore()
	store.chats = []models.Chat{{ID: "1", Title: "Existing"}}
	main := newMain(t, &mockLLM{responses: []string{"AI response"}}, store)

	tests := []struct {
		name       string
		method     string
		message    string
		chatID     string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			message:    "   ",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "New chat",
			method:     http.MethodPost,
			message:    "Hello",
			wantStatus: http.StatusOK,
			wantBody:   `class="messages"`,
		},
		{
			name:       "Existing chat",
			method:     http.MethodPost,
			message:    "Hello again",
			chatID:     "1",
			wantStatus: http.StatusOK,
			wantBody:   `data-streaming-state="loading"`,
		},
		{
			name:       "Unknown chat",
			method:     http.MethodPost,
			message:    "Hello",
			chatID:     "missing",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := url.Values{"message": {tt.message}, "chat_id": {tt.chatID}}
			req := httptest.NewRequest(tt.method, "/chats", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			main.HandleChats(w, req)
			main.Wait()

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleChats() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}

	if got := len(store.storedChats()); got != 2 {
		t.Errorf("chats = %d, want 2", got)
	}
}

func TestGeneration(t *testing.T) {
	tests := []struct {
		name        string
		llm         *mockLLM
		wantContent string
		wantMetrics int
	}{
		{
			name:        "Deltas are assembled",
			llm:         &mockLLM{responses: []string{"Hello", " world"}},
			wantContent: "Hello world",
			wantMetrics: 1,
		},
		{
			name:        "HTTP failure",
			llm:         &mockLLM{err: &stream.HTTPError{StatusCode: http.StatusServiceUnavailable}},
			wantContent: "Error: unable to reach the model service (HTTP 503)",
		},
		{
			name:        "Model error after partial output",
			llm:         &mockLLM{responses: []string{"Hel"}, err: &stream.ModelError{Message: "boom"}},
			wantContent: "Error: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			store.chats = []models.Chat{{ID: "1"}}
			main := newMain(t, tt.llm, store)

			w := postForm(main.HandleChats, "/chats", url.Values{"message": {"Hi"}, "chat_id": {"1"}})
			if w.Code != http.StatusOK {
				t.Fatalf("HandleChats() status = %v, body = %s", w.Code, w.Body.String())
			}
			main.Wait()

			msgs := store.storedMessages("1")
			if len(msgs) != 2 {
				t.Fatalf("messages = %+v, want user and assistant", msgs)
			}
			assistant := msgs[1]
			if assistant.Content != tt.wantContent || assistant.Streaming {
				t.Errorf("assistant = %+v, want final content %q", assistant, tt.wantContent)
			}

			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.Header.Set("Accept", "application/json")
			mw := httptest.NewRecorder()
			main.HandleMetrics(mw, req)

			var summary models.MetricsSummary
			if err := json.Unmarshal(mw.Body.Bytes(), &summary); err != nil {
				t.Fatalf("metrics response is not JSON: %v", err)
			}
			if len(summary.Metrics) != tt.wantMetrics {
				t.Errorf("metrics = %+v, want %d", summary.Metrics, tt.wantMetrics)
			}
		})
	}
}

func TestCancelAndConflict(t *testing.T) {
	store := newMockStore()
	store.chats = []models.Chat{{ID: "1"}}
	main := newMain(t, &mockLLM{responses: []string{"partial"}, block: true}, store)

	form := url.Values{"message": {"Hi"}, "chat_id": {"1"}}
	if w := postForm(main.HandleChats, "/chats", form); w.Code != http.StatusOK {
		t.Fatalf("first HandleChats() status = %v", w.Code)
	}
	if w := postForm(main.HandleChats, "/chats", form); w.Code != http.StatusConflict {
		t.Errorf("second HandleChats() status = %v, want 409", w.Code)
	}
	if w := postForm(main.HandleClearChat, "/chats/clear", url.Values{"chat_id": {"1"}}); w.Code != http.StatusConflict {
		t.Errorf("HandleClearChat() while streaming status = %v, want 409", w.Code)
	}

	if w := postForm(main.HandleCancelChat, "/chats/cancel", url.Values{"chat_id": {"1"}}); w.Code != http.StatusNoContent {
		t.Fatalf("HandleCancelChat() status = %v, want 204", w.Code)
	}
	main.Wait()

	msgs := store.storedMessages("1")
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	// The delta may or may not have landed before the cancellation.
	if c := msgs[1].Content; msgs[1].Streaming || (c != "" && c != "partial") {
		t.Errorf("assistant = %+v, want finalized partial content", msgs[1])
	}

	if w := postForm(main.HandleCancelChat, "/chats/cancel", url.Values{"chat_id": {"1"}}); w.Code != http.StatusNotFound {
		t.Errorf("HandleCancelChat() without generation status = %v, want 404", w.Code)
	}
	if w := postForm(main.HandleChats, "/chats", form); w.Code != http.StatusOK {
		t.Errorf("HandleChats() after cancel status = %v, want 200", w.Code)
	}
}

func TestHandleClearChat(t *testing.T) {
	store := newMockStore()
	store.chats = []models.Chat{{ID: "1"}}
	store.messages["1"] = []models.ChatMessage{
		{ID: "u", Role: models.RoleUser, Content: "Hi"},
		{ID: "a", Role: models.RoleAssistant, Content: "Hello"},
	}
	main := newMain(t, &mockLLM{}, store)

	w := postForm(main.HandleClearChat, "/chats/clear", url.Values{"chat_id": {"1"}})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleClearChat() status = %v", w.Code)
	}
	if strings.Contains(w.Body.String(), "Hello") {
		t.Errorf("HandleClearChat() body = %v, want empty chatbox", w.Body.String())
	}
	if msgs := store.storedMessages("1"); len(msgs) != 0 {
		t.Errorf("messages after clear = %+v", msgs)
	}

	if w := postForm(main.HandleClearChat, "/chats/clear", url.Values{"chat_id": {"nope"}}); w.Code != http.StatusNotFound {
		t.Errorf("HandleClearChat() unknown chat status = %v, want 404", w.Code)
	}
}

func TestHandleCode(t *testing.T) {
	okResponse := models.CodeResponse{
		Completion:      "def add(a, b):\n    return a + b",
		ResponseTime:    2,
		TokensGenerated: 10,
		ModelInfo:       models.SystemInfo{CurrentModel: "ai/smollm2"},
	}

	tests := []struct {
		name          string
		llm           handlers.LLM
		form          url.Values
		wantStatus    int
		wantBody      string
		wantMaxTokens int
	}{
		{
			name:       "No code assistant",
			llm:        &mockLLM{},
			form:       url.Values{"mode": {"complete"}, "code": {"x"}},
			wantStatus: http.StatusNotImplemented,
		},
		{
			name:       "Complete without code",
			llm:        &mockCodeLLM{res: okResponse},
			form:       url.Values{"mode": {"complete"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Generate without prompt",
			llm:        &mockCodeLLM{res: okResponse},
			form:       url.Values{"mode": {"generate"}, "code": {"x"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Unknown mode",
			llm:        &mockCodeLLM{res: okResponse},
			form:       url.Values{"mode": {"refactor"}, "code": {"x"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:          "Small model completion",
			llm:           &mockCodeLLM{res: okResponse},
			form:          url.Values{"mode": {"complete"}, "code": {"def add(a, b):"}},
			wantStatus:    http.StatusOK,
			wantBody:      "5.0 tokens/s",
			wantMaxTokens: 100,
		},
		{
			name: "Large model generation",
			llm: &mockCodeLLM{
				mockLLM: mockLLM{info: models.SystemInfo{ModelSize: models.ModelSizeLarge}},
				res:     okResponse,
			},
			form:          url.Values{"mode": {"generate"}, "prompt": {"add two numbers"}},
			wantStatus:    http.StatusOK,
			wantBody:      "smollm2",
			wantMaxTokens: 500,
		},
		{
			name:       "Backend error detail",
			llm:        &mockCodeLLM{codeErr: &stream.HTTPError{StatusCode: http.StatusBadRequest, Body: "Code cannot be empty"}},
			form:       url.Values{"mode": {"complete"}, "code": {"x"}},
			wantStatus: http.StatusOK,
			wantBody:   "Code cannot be empty",
		},
		{
			name:       "Backend unreachable",
			llm:        &mockCodeLLM{codeErr: &stream.TransportError{Err: fmt.Errorf("dial tcp: refused")}},
			form:       url.Values{"mode": {"complete"}, "code": {"x"}},
			wantStatus: http.StatusOK,
			wantBody:   "Unable to connect to the API. Please ensure the backend is running.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(t, tt.llm, newMockStore())

			// Loading the page caches the model size used for the token budget.
			main.HandleHome(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

			w := postForm(main.HandleCode, "/code", tt.form)
			if w.Code != tt.wantStatus {
				t.Fatalf("HandleCode() status = %v, want %v, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleCode() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}

			if tt.wantMaxTokens == 0 {
				return
			}
			code := tt.llm.(*mockCodeLLM)
			req := code.request()
			if req.MaxTokens != tt.wantMaxTokens {
				t.Errorf("MaxTokens = %d, want %d", req.MaxTokens, tt.wantMaxTokens)
			}
			if req.Temperature == nil || *req.Temperature != 0.7 {
				t.Errorf("Temperature = %v, want 0.7", req.Temperature)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		llm        *mockLLM
		wantStatus int
		wantState  string
	}{
		{name: "Healthy", llm: &mockLLM{}, wantStatus: http.StatusOK, wantState: "healthy"},
		{
			name:       "Model service down",
			llm:        &mockLLM{healthErr: &stream.HTTPError{StatusCode: http.StatusBadGateway}},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(t, tt.llm, newMockStore())

			w := httptest.NewRecorder()
			main.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHealth() status = %v, want %v", w.Code, tt.wantStatus)
			}
			var res struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
				t.Fatalf("HandleHealth() body is not JSON: %v", err)
			}
			if res.Status != tt.wantState {
				t.Errorf("status = %q, want %q", res.Status, tt.wantState)
			}
		})
	}
}

func TestPartials(t *testing.T) {
	main := newMain(t, &mockLLM{info: models.SystemInfo{CurrentModel: "ai/qwen2.5:7B", Device: "docker-offload"}}, newMockStore())

	tests := []struct {
		name       string
		handler    http.HandlerFunc
		method     string
		wantStatus int
		wantBody   string
	}{
		{name: "System info", handler: main.HandleSystemInfo, method: http.MethodGet, wantStatus: http.StatusOK, wantBody: "CLOUD"},
		{name: "System info wrong method", handler: main.HandleSystemInfo, method: http.MethodPost, wantStatus: http.StatusMethodNotAllowed},
		{name: "Metrics without requests", handler: main.HandleMetrics, method: http.MethodGet, wantStatus: http.StatusOK, wantBody: "No requests yet."},
		{name: "Metrics wrong method", handler: main.HandleMetrics, method: http.MethodPost, wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(tt.method, "/", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func (m *mockLLM) Chat(ctx context.Context, _ []models.ChatMessage) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		for _, resp := range m.responses {
			if !yield(stream.Delta(resp), nil) {
				return
			}
		}
		if m.block {
			<-ctx.Done()
			return
		}
		if m.err != nil {
			yield(stream.Event{}, m.err)
			return
		}
		yield(stream.Done(), nil)
	}
}

func (m *mockLLM) SystemInfo(context.Context) (models.SystemInfo, error) {
	return m.info, m.infoErr
}

func (m *mockLLM) Health(context.Context) error {
	return m.healthErr
}

func (m *mockCodeLLM) Code(_ context.Context, _ models.CodeMode, req models.CodeRequest) (models.CodeResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastReq = req
	return m.res, m.codeErr
}

func (m *mockCodeLLM) request() models.CodeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReq
}

func newMockStore() *mockStore {
	return &mockStore{messages: make(map[string][]models.ChatMessage)}
}

// storedChats returns the stored chats without going through the Store interface.
func (m *mockStore) storedChats() []models.Chat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.chats)
}

// storedMessages returns the stored messages of a chat without going through the Store interface.
func (m *mockStore) storedMessages(chatID string) []models.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.messages[chatID])
}

func (m *mockStore) Chats(_ context.Context) ([]models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.chats), nil
}

func (m *mockStore) AddChat(_ context.Context, chat models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.chats = append(m.chats, chat)
	return nil
}

func (m *mockStore) Messages(_ context.Context, chatID string) ([]models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.messages[chatID]), nil
}

func (m *mockStore) AddMessage(_ context.Context, chatID string, msg models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages[chatID] = append(m.messages[chatID], msg)
	return nil
}

func (m *mockStore) UpdateMessage(_ context.Context, chatID string, msg models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[chatID]
	idx := slices.IndexFunc(msgs, func(x models.ChatMessage) bool { return x.ID == msg.ID })
	if idx == -1 {
		return models.ErrNotFound
	}
	msgs[idx] = msg
	return m.err
}

func (m *mockStore) ClearMessages(_ context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[chatID] = nil
	return m.err
}
