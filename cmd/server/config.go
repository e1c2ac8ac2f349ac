package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/handlers"
	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/services"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort       = "3000"
	defaultAPIURL     = "http://localhost:8000"
	defaultLLMURL     = "http://localhost:12434/engines/llama.cpp/v1/"
	defaultLLMModel   = "ai/smollm2:1.7B-Q8_0"
	defaultAPIKey     = "dockermodelrunner"
	defaultOllamaHost = "http://localhost:11434"
	defaultMaxTokens  = 1000
	defaultTimeout    = 30 * time.Second
)

type llmConfig interface {
	llm(opts llmOptions) (handlers.LLM, error)
}

type llmOptions struct {
	systemPrompt      string
	maxMalformedLines int
	logger            *slog.Logger
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port         string       `yaml:"port"`
	SystemPrompt string       `yaml:"systemPrompt"`
	StorePath    string       `yaml:"storePath"`
	LogFormat    string       `yaml:"logFormat"`
	Stream       streamConfig `yaml:"stream"`
	LLM          llmConfig    `yaml:"llm"`
}

type streamConfig struct {
	// MaxMalformedLines fails a stream after that many consecutive undecodable lines. Zero keeps
	// skipping them.
	MaxMalformedLines int `yaml:"maxMalformedLines"`
}

type apiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	URL           string        `yaml:"url"`
	ChatPath      string        `yaml:"chatPath"`
	InfoPaths     []string      `yaml:"infoPaths"`
	Stream        *bool         `yaml:"stream"`
	Timeout       time.Duration `yaml:"timeout"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	URL           string `yaml:"url"`
	APIKey        string `yaml:"apiKey"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	URL           string `yaml:"url"`
	APIKey        string `yaml:"apiKey"`
	MaxTokens     int    `yaml:"maxTokens"`
}

func defaultConfig() config {
	return config{
		Port:         defaultPort,
		SystemPrompt: services.DefaultSystemPrompt,
		LLM:          &apiConfig{BaseLLMConfig: BaseLLMConfig{Provider: "api"}},
	}
}

// loadConfig reads the config file at path. A missing file is only an error when required is set;
// otherwise the defaults are returned.
func loadConfig(path string, required bool) (config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return cfg, nil
		}
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string         `yaml:"port"`
		SystemPrompt string         `yaml:"systemPrompt"`
		StorePath    string         `yaml:"storePath"`
		LogFormat    string         `yaml:"logFormat"`
		Stream       streamConfig   `yaml:"stream"`
		LLM          map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.Port != "" {
		c.Port = rawConfig.Port
	}
	if rawConfig.SystemPrompt != "" {
		c.SystemPrompt = rawConfig.SystemPrompt
	}
	c.StorePath = rawConfig.StorePath
	c.LogFormat = rawConfig.LogFormat
	c.Stream = rawConfig.Stream

	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, _ := rawConfig.LLM["provider"].(string)
	if llmProvider == "" {
		llmProvider = "api"
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "api":
		llm = &apiConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm
	return nil
}

func (a apiConfig) llm(opts llmOptions) (handlers.LLM, error) {
	url := a.URL
	if url == "" {
		url = envOr("API_URL", defaultAPIURL)
	}
	timeout := a.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	stream := true
	if a.Stream != nil {
		stream = *a.Stream
	}

	return services.NewAPI(url, services.APIParameters{
		ChatPath:          a.ChatPath,
		InfoPaths:         a.InfoPaths,
		Stream:            stream,
		Timeout:           timeout,
		MaxMalformedLines: opts.maxMalformedLines,
	}, opts.logger), nil
}

func (o openAIConfig) llm(opts llmOptions) (handlers.LLM, error) {
	url := o.URL
	if url == "" {
		url = envOr("LLM_URL", defaultLLMURL)
	}
	model := o.Model
	if model == "" {
		model = envOr("LLM_MODEL", defaultLLMModel)
	}
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = envOr("API_KEY", defaultAPIKey)
	}

	params := o.Parameters
	if params.MaxTokens == 0 {
		params.MaxTokens = defaultMaxTokens
	}
	return services.NewOpenAI(url, apiKey, model, opts.systemPrompt, params, opts.logger), nil
}

func (o ollamaConfig) llm(opts llmOptions) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = envOr("OLLAMA_HOST", defaultOllamaHost)
	}
	ollama, err := services.NewOllama(host, o.Model, opts.systemPrompt, o.Parameters, opts.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	return ollama, nil
}

func (a anthropicConfig) llm(opts llmOptions) (handlers.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey or ANTHROPIC_API_KEY is required")
	}
	maxTokens := a.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	return services.NewAnthropic(a.URL, apiKey, a.Model, opts.systemPrompt, maxTokens, opts.logger), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
