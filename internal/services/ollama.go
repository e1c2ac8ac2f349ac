package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/models"
	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/stream"
	"github.com/ollama/ollama/api"
)

// Ollama talks to an Ollama server. It streams chat completions, answers code requests with the
// generate endpoint and derives the GPU state from the running models.
type Ollama struct {
	model        string
	systemPrompt string

	params LLMParameters

	client *api.Client

	logger *slog.Logger
}

var errStopped = errors.New("stopped by consumer")

// NewOllama creates a client for the Ollama server at host. It fails if host is not a valid URL.
func NewOllama(host, model, systemPrompt string, params LLMParameters, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	return Ollama{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

// Chat streams the model's answer to the conversation.
func (o Ollama) Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		msgs := make([]api.Message, 0, len(messages)+1)
		msgs = append(msgs, api.Message{Role: "system", Content: o.systemPrompt})
		for _, msg := range messages {
			if msg.Content == "" {
				continue
			}
			msgs = append(msgs, api.Message{Role: string(msg.Role), Content: msg.Content})
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
			Options:  o.options(),
		}

		done := false
		err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if res.Message.Content != "" {
				if !yield(stream.Delta(res.Message.Content), nil) {
					return errStopped
				}
			}
			if res.Done {
				done = true
				if !yield(stream.Done(), nil) {
					return errStopped
				}
			}
			return nil
		})
		switch {
		case err == nil:
			if !done {
				yield(stream.Done(), nil)
			}
		case errors.Is(err, errStopped), errors.Is(err, context.Canceled):
		default:
			if ev, ok := ollamaFailure(err); ok {
				yield(ev, nil)
				return
			}
			yield(stream.Event{}, ollamaError(err))
		}
	}
}

// SystemInfo combines the installed models with the running ones. A running model using VRAM
// counts as GPU enabled.
func (o Ollama) SystemInfo(ctx context.Context) (models.SystemInfo, error) {
	list, err := o.client.List(ctx)
	if err != nil {
		return models.SystemInfo{}, fmt.Errorf("error listing models: %w", ollamaError(err))
	}

	info := o.params.systemInfo(o.model)
	for _, m := range list.Models {
		info.AvailableModels = append(info.AvailableModels, models.AvailableModel{ID: m.Name})
	}

	running, err := o.client.ListRunning(ctx)
	if err != nil {
		o.logger.Warn("Failed to list running models", slog.String("err", err.Error()))
		return info, nil
	}
	idx := slices.IndexFunc(running.Models, func(m api.ProcessModelResponse) bool {
		return m.Name == o.model || m.Model == o.model
	})
	if idx != -1 && running.Models[idx].SizeVRAM > 0 {
		info.GPUEnabled = true
		info.GPUAvailable = true
		if info.Device == "" {
			info.Device = "gpu"
		}
	}
	return info, nil
}

// Health pings the Ollama server.
func (o Ollama) Health(ctx context.Context) error {
	if err := o.client.Heartbeat(ctx); err != nil {
		return ollamaError(err)
	}
	return nil
}

// Code answers a completion or generation request with a single non-streaming generate call.
func (o Ollama) Code(ctx context.Context, mode models.CodeMode, req models.CodeRequest) (models.CodeResponse, error) {
	options := o.options()
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}

	f := false
	greq := api.GenerateRequest{
		Model:   o.model,
		Prompt:  codePrompt(mode, req),
		System:  o.systemPrompt,
		Stream:  &f,
		Options: options,
	}

	var (
		sb     strings.Builder
		tokens int
	)
	start := time.Now()
	if err := o.client.Generate(ctx, &greq, func(res api.GenerateResponse) error {
		sb.WriteString(res.Response)
		tokens += res.EvalCount
		return nil
	}); err != nil {
		if ev, ok := ollamaFailure(err); ok {
			return models.CodeResponse{}, &stream.ModelError{Message: ev.Text}
		}
		return models.CodeResponse{}, ollamaError(err)
	}

	return models.CodeResponse{
		Completion:      sb.String(),
		ModelInfo:       o.params.systemInfo(o.model),
		ResponseTime:    time.Since(start).Seconds(),
		TokensGenerated: tokens,
	}, nil
}

func (o Ollama) options() map[string]any {
	options := make(map[string]any)
	if o.params.Temperature != nil {
		options["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		options["top_p"] = *o.params.TopP
	}
	if o.params.MaxTokens > 0 {
		options["num_predict"] = o.params.MaxTokens
	}
	if o.params.Stop != nil {
		options["stop"] = o.params.Stop
	}
	if o.params.Seed != nil {
		options["seed"] = *o.params.Seed
	}
	return options
}

// ollamaFailure reports errors the server sent inside a stream. The client surfaces those as plain
// errors, unlike network failures and status errors.
func ollamaFailure(err error) (stream.Event, bool) {
	var (
		statusErr api.StatusError
		netErr    net.Error
		urlErr    *url.Error
	)
	if errors.As(err, &statusErr) || errors.As(err, &netErr) || errors.As(err, &urlErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return stream.Event{}, false
	}
	return stream.Failure(err.Error()), true
}

func ollamaError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return &stream.HTTPError{StatusCode: statusErr.StatusCode, Body: statusErr.ErrorMessage}
	}
	return &stream.TransportError{Err: err}
}
