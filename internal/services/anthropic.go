package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/models"
	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/stream"
	"github.com/tmaxmax/go-sse"
)

// Anthropic streams chat completions from the Anthropic messages API.
type Anthropic struct {
	baseURL      string
	apiKey       string
	model        string
	systemPrompt string
	maxTokens    int

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
	anthropicVersion     = "2023-06-01"
)

// NewAnthropic creates a client for the messages API at baseURL, or the public endpoint if
// baseURL is empty.
func NewAnthropic(baseURL, apiKey, model, systemPrompt string, maxTokens int, logger *slog.Logger) Anthropic {
	if baseURL == "" {
		baseURL = anthropicAPIEndpoint
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	if maxTokens <= 0 {
		maxTokens = 1000
	}

	return Anthropic{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// Chat streams the answer to the conversation. The event stream is read with go-sse, since the
// messages API names its events.
func (a Anthropic) Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		msgs := make([]anthropicMessage, 0, len(messages))
		for _, msg := range messages {
			if msg.Content == "" {
				continue
			}
			msgs = append(msgs, anthropicMessage{Role: string(msg.Role), Content: msg.Content})
		}

		body, err := json.Marshal(anthropicChatRequest{
			Model:     a.model,
			Messages:  msgs,
			System:    a.systemPrompt,
			MaxTokens: a.maxTokens,
			Stream:    true,
		})
		if err != nil {
			yield(stream.Event{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := a.newRequest(ctx, http.MethodPost, "/messages", bytes.NewReader(body))
		if err != nil {
			yield(stream.Event{}, fmt.Errorf("error creating request: %w", err))
			return
		}

		resp, err := a.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(stream.Event{}, &stream.TransportError{Err: err})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield(stream.Event{}, anthropicHTTPError(resp))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(stream.Event{}, &stream.TransportError{Err: err})
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(stream.Event{}, &stream.ProtocolError{Line: ev.Data, Err: err})
					return
				}
				yield(stream.Failure(e.Error.Message), nil)
				return
			case "message_stop":
				yield(stream.Done(), nil)
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					a.logger.Warn("Skipping malformed delta", slog.String("data", ev.Data))
					continue
				}
				if res.Delta.Text == "" {
					continue
				}
				if !yield(stream.Delta(res.Delta.Text), nil) {
					return
				}
			}
		}
	}
}

// SystemInfo describes the configured model. The messages API runs remotely, so no GPU state is
// reported.
func (a Anthropic) SystemInfo(context.Context) (models.SystemInfo, error) {
	return models.SystemInfo{
		CurrentModel: a.model,
		ModelSize:    models.ModelSizeLarge,
		Device:       "remote",
		MaxTokens:    a.maxTokens,
		Status:       "connected",
	}, nil
}

// Health checks that the API accepts the key by listing models.
func (a Anthropic) Health(ctx context.Context) error {
	req, err := a.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return &stream.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return anthropicHTTPError(resp)
	}
	return nil
}

func (a Anthropic) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

func anthropicHTTPError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := string(b)
	var e anthropicError
	if err := json.Unmarshal(b, &e); err == nil && e.Error.Message != "" {
		msg = e.Error.Message
	}
	return &stream.HTTPError{StatusCode: resp.StatusCode, Body: msg}
}
