package models

import "strings"

// ModelSize is the size class of the model served by the model service.
type ModelSize string

const (
	// ModelSizeSmall is a model suited for local CPU inference.
	ModelSizeSmall ModelSize = "small"
	// ModelSizeLarge is a model that needs GPU offload.
	ModelSizeLarge ModelSize = "large"
)

// AvailableModel is an entry of the model service's model list.
type AvailableModel struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// SystemInfo describes the model service and the model it serves. It accepts both the chat
// variant (GET /api/model-info) and the code-assistant variant (GET /info) of the payload.
type SystemInfo struct {
	CurrentModel    string           `json:"current_model,omitempty"`
	ModelName       string           `json:"model_name,omitempty"`
	ModelDisplay    string           `json:"model_display,omitempty"`
	ModelSize       ModelSize        `json:"model_size,omitempty"`
	Status          string           `json:"status,omitempty"`
	Device          string           `json:"device,omitempty"`
	GPUEnabled      bool             `json:"gpu_enabled"`
	GPUAvailable    bool             `json:"gpu_available"`
	GPUName         string           `json:"gpu_name,omitempty"`
	MaxTokens       int              `json:"max_tokens,omitempty"`
	AvailableModels []AvailableModel `json:"available_models,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// Model returns a display name for the model: the explicit display name if any, otherwise the last
// path segment of the model identifier.
func (s SystemInfo) Model() string {
	if s.ModelDisplay != "" {
		return s.ModelDisplay
	}
	name := s.CurrentModel
	if name == "" {
		name = s.ModelName
	}
	if i := strings.LastIndexByte(name, '/'); i >= 0 && i < len(name)-1 {
		return name[i+1:]
	}
	return name
}

// IsOffload reports whether the model runs offloaded to a GPU environment.
func (s SystemInfo) IsOffload() bool {
	return strings.Contains(s.Device, "offload") || s.GPUEnabled
}

// Environment returns "CLOUD" for offloaded models and "LOCAL" otherwise.
func (s SystemInfo) Environment() string {
	if s.IsOffload() {
		return "CLOUD"
	}
	return "LOCAL"
}

// Size returns the model size class, defaulting to small when the service does not report one.
func (s SystemInfo) Size() ModelSize {
	if s.ModelSize == "" {
		return ModelSizeSmall
	}
	return s.ModelSize
}

// CodeMode selects between completing existing code and generating code from a prompt.
type CodeMode string

const (
	// CodeModeComplete completes the given code.
	CodeModeComplete CodeMode = "complete"
	// CodeModeGenerate generates code from a natural language prompt.
	CodeModeGenerate CodeMode = "generate"
)

// CodeRequest is the body of a code completion or generation request.
type CodeRequest struct {
	Code        string   `json:"code"`
	Prompt      string   `json:"prompt,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// CodeResponse is the answer to a CodeRequest. ResponseTime is in seconds.
type CodeResponse struct {
	Completion      string     `json:"completion"`
	ModelInfo       SystemInfo `json:"model_info"`
	ResponseTime    float64    `json:"response_time"`
	TokensGenerated int        `json:"tokens_generated"`
}
