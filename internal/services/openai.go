package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/models"
	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/stream"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI talks to an OpenAI-compatible chat completion API, such as the llama.cpp engine of Docker
// Model Runner.
type OpenAI struct {
	model        string
	systemPrompt string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a client for the OpenAI-compatible API at baseURL. An empty baseURL targets
// api.openai.com.
func NewOpenAI(baseURL, apiKey, model, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func (o OpenAI) messages(messages []models.ChatMessage) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	msgs = append(msgs, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleSystem,
		Content: o.systemPrompt,
	})
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return msgs
}

// Chat streams a chat completion for the conversation.
func (o OpenAI) Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		req := o.chatRequest(o.messages(messages), true)

		o.logger.Debug("Chat request",
			slog.String("model", req.Model),
			slog.Int("messages", len(req.Messages)))

		st, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(stream.Event{}, openAIError(err))
			return
		}
		defer st.Close()

		for {
			response, err := st.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					yield(stream.Done(), nil)
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				var apiErr *goopenai.APIError
				if errors.As(err, &apiErr) {
					yield(stream.Failure(apiErr.Message), nil)
					return
				}
				yield(stream.Event{}, &stream.TransportError{Err: err})
				return
			}

			if len(response.Choices) == 0 {
				continue
			}
			if text := response.Choices[0].Delta.Content; text != "" {
				if !yield(stream.Delta(text), nil) {
					return
				}
			}
		}
	}
}

// SystemInfo lists the models served by the API. The configured model and device describe the
// current model.
func (o OpenAI) SystemInfo(ctx context.Context) (models.SystemInfo, error) {
	list, err := o.client.ListModels(ctx)
	if err != nil {
		return models.SystemInfo{}, fmt.Errorf("error listing models: %w", openAIError(err))
	}

	info := o.params.systemInfo(o.model)
	for _, m := range list.Models {
		info.AvailableModels = append(info.AvailableModels, models.AvailableModel{ID: m.ID, OwnedBy: m.OwnedBy})
	}
	return info, nil
}

// Health reports whether the model list can be fetched.
func (o OpenAI) Health(ctx context.Context) error {
	if _, err := o.client.ListModels(ctx); err != nil {
		return openAIError(err)
	}
	return nil
}

// Code answers a completion or generation request with a single non-streaming chat completion.
func (o OpenAI) Code(ctx context.Context, mode models.CodeMode, req models.CodeRequest) (models.CodeResponse, error) {
	creq := o.chatRequest([]goopenai.ChatCompletionMessage{
		{Role: goopenai.ChatMessageRoleSystem, Content: o.systemPrompt},
		{Role: goopenai.ChatMessageRoleUser, Content: codePrompt(mode, req)},
	}, false)
	if req.MaxTokens > 0 {
		creq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		creq.Temperature = float32(*req.Temperature)
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return models.CodeResponse{}, openAIError(err)
	}
	if len(resp.Choices) == 0 {
		return models.CodeResponse{}, &stream.ModelError{Message: "no choices returned"}
	}

	return models.CodeResponse{
		Completion:      resp.Choices[0].Message.Content,
		ModelInfo:       o.params.systemInfo(o.model),
		ResponseTime:    time.Since(start).Seconds(),
		TokensGenerated: resp.Usage.CompletionTokens,
	}, nil
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage, stream bool) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:     o.model,
		Messages:  messages,
		Stream:    stream,
		MaxTokens: o.params.MaxTokens,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}

	return req
}

// openAIError maps go-openai errors onto the stream error taxonomy.
func openAIError(err error) error {
	var (
		apiErr *goopenai.APIError
		reqErr *goopenai.RequestError
	)
	switch {
	case errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0:
		return &stream.HTTPError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	case errors.As(err, &reqErr):
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &stream.HTTPError{StatusCode: reqErr.HTTPStatusCode, Body: body}
	default:
		return &stream.TransportError{Err: err}
	}
}
