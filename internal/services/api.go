package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/models"
	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/stream"
	"github.com/go-resty/resty/v2"
)

// API talks to the code assistant backend over its HTTP contract: POST /api/chat for chat,
// POST /complete and /generate for the code assistant, GET /api/model-info (or /info) for system
// information and GET /health for liveness.
type API struct {
	client       *resty.Client
	streamClient *resty.Client
	params       APIParameters

	logger *slog.Logger
}

// APIParameters configures an API client. Zero values fall back to the defaults of the backend
// contract.
type APIParameters struct {
	// ChatPath is the chat endpoint, /api/chat by default.
	ChatPath string
	// InfoPaths are tried in order until one answers with a 2xx status.
	InfoPaths []string
	// Stream requests a streamed chat response. When false the backend answers with a single JSON
	// object.
	Stream bool
	// Timeout bounds every non-streaming call. Streaming calls are bounded only by their context.
	Timeout time.Duration
	// MaxMalformedLines is passed to the stream decoder, see stream.WithMalformedLimit.
	MaxMalformedLines int
}

type apiChatRequest struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream"`
}

type apiChatResponse struct {
	Response   string `json:"response"`
	Completion string `json:"completion"`
}

type apiErrorResponse struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

var (
	defaultChatPath  = "/api/chat"
	defaultInfoPaths = []string{"/api/model-info", "/info"}
)

// NewAPI creates a client for the backend at baseURL.
func NewAPI(baseURL string, params APIParameters, logger *slog.Logger) API {
	if params.ChatPath == "" {
		params.ChatPath = defaultChatPath
	}
	if len(params.InfoPaths) == 0 {
		params.InfoPaths = defaultInfoPaths
	}

	newClient := func() *resty.Client {
		return resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "smart-code-assistant/1.0")
	}

	client := newClient()
	if params.Timeout > 0 {
		client.SetTimeout(params.Timeout)
	}

	return API{
		client:       client,
		streamClient: newClient(),
		params:       params,
		logger:       logger.With(slog.String("module", "api")),
	}
}

// Chat sends the latest user message to the backend and yields the events of its response. The
// backend keeps no history, so earlier messages are not sent.
func (a API) Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		message, ok := lastUserMessage(messages)
		if !ok {
			yield(stream.Event{}, errors.New("no user message to send"))
			return
		}

		if !a.params.Stream {
			text, err := a.chatOnce(ctx, message)
			if err != nil {
				yield(stream.Event{}, err)
				return
			}
			if yield(stream.Delta(text), nil) {
				yield(stream.Done(), nil)
			}
			return
		}

		resp, err := a.streamClient.R().
			SetContext(ctx).
			SetHeader("Accept", "text/event-stream").
			SetBody(apiChatRequest{Message: message, Stream: true}).
			SetDoNotParseResponse(true).
			Post(a.params.ChatPath)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(stream.Event{}, &stream.TransportError{Err: err})
			return
		}
		body := resp.RawBody()
		defer body.Close()

		if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
			b, _ := io.ReadAll(io.LimitReader(body, 4096))
			yield(stream.Event{}, &stream.HTTPError{StatusCode: resp.StatusCode(), Body: string(b)})
			return
		}

		a.logger.Debug("Streaming chat response", slog.String("path", a.params.ChatPath))

		for ev, err := range stream.Read(body,
			stream.WithLogger(a.logger),
			stream.WithMalformedLimit(a.params.MaxMalformedLines),
		) {
			if !yield(ev, err) {
				return
			}
		}
	}
}

func (a API) chatOnce(ctx context.Context, message string) (string, error) {
	var res apiChatResponse
	resp, err := a.request(ctx).
		SetBody(apiChatRequest{Message: message, Stream: false}).
		SetResult(&res).
		Post(a.params.ChatPath)
	if err != nil {
		return "", &stream.TransportError{Err: err}
	}
	if resp.IsError() {
		return "", httpError(resp)
	}
	if res.Response != "" {
		return res.Response, nil
	}
	return res.Completion, nil
}

// SystemInfo fetches the model service information from the first info path that answers.
func (a API) SystemInfo(ctx context.Context) (models.SystemInfo, error) {
	var lastErr error
	for _, path := range a.params.InfoPaths {
		var info models.SystemInfo
		resp, err := a.request(ctx).
			SetResult(&info).
			Get(path)
		if err != nil {
			return models.SystemInfo{}, fmt.Errorf("error fetching system info: %w", &stream.TransportError{Err: err})
		}
		if resp.IsError() {
			lastErr = httpError(resp)
			a.logger.Debug("System info path unavailable",
				slog.String("path", path),
				slog.Int("status", resp.StatusCode()))
			continue
		}
		if info.Error != "" {
			a.logger.Warn("Model service reported an error", slog.String("error", info.Error))
		}
		return info, nil
	}
	return models.SystemInfo{}, fmt.Errorf("error fetching system info: %w", lastErr)
}

// Health checks GET /health. Only the status code is considered.
func (a API) Health(ctx context.Context) error {
	resp, err := a.request(ctx).Get("/health")
	if err != nil {
		return &stream.TransportError{Err: err}
	}
	if resp.IsError() {
		return httpError(resp)
	}
	return nil
}

// Code sends a completion or generation request to /complete or /generate.
func (a API) Code(ctx context.Context, mode models.CodeMode, req models.CodeRequest) (models.CodeResponse, error) {
	path := "/complete"
	if mode == models.CodeModeGenerate {
		path = "/generate"
	}

	var res models.CodeResponse
	resp, err := a.request(ctx).
		SetBody(req).
		SetResult(&res).
		Post(path)
	if err != nil {
		return models.CodeResponse{}, &stream.TransportError{Err: err}
	}
	if resp.IsError() {
		return models.CodeResponse{}, httpError(resp)
	}
	return res, nil
}

func (a API) request(ctx context.Context) *resty.Request {
	return a.client.R().SetContext(ctx)
}

func httpError(resp *resty.Response) error {
	body := resp.String()
	var e apiErrorResponse
	if err := json.Unmarshal(resp.Body(), &e); err == nil {
		switch {
		case e.Detail != "":
			body = e.Detail
		case e.Message != "":
			body = e.Message
		}
	}
	if body == "" {
		body = http.StatusText(resp.StatusCode())
	}
	return &stream.HTTPError{StatusCode: resp.StatusCode(), Body: body}
}
