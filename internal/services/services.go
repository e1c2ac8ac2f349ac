// Package services holds the model-service clients and the conversation stores used by the
// handlers.
package services

import (
	"fmt"
	"strings"

	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/models"
)

// DefaultSystemPrompt is sent with every chat when no other prompt is configured.
const DefaultSystemPrompt = "You are a helpful coding assistant. Provide clear, concise answers to programming questions."

// LLMParameters are the generation parameters shared by the OpenAI-compatible and Ollama clients.
// Nil pointers leave the value to the model service.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	MaxTokens   int      `yaml:"maxTokens"`
	Stop        []string `yaml:"stop"`
	Seed        *int     `yaml:"seed"`

	// ModelSize and Device describe the served model for system info, since these services don't
	// report them.
	ModelSize models.ModelSize `yaml:"modelSize"`
	Device    string           `yaml:"device"`
}

func (p LLMParameters) systemInfo(model string) models.SystemInfo {
	return models.SystemInfo{
		CurrentModel: model,
		ModelSize:    p.ModelSize,
		Device:       p.Device,
		GPUEnabled:   strings.Contains(p.Device, "gpu") || strings.Contains(p.Device, "offload"),
		MaxTokens:    p.MaxTokens,
		Status:       "connected",
	}
}

// codePrompt turns a code request into a single user prompt for chat-style models.
func codePrompt(mode models.CodeMode, req models.CodeRequest) string {
	if mode == models.CodeModeGenerate {
		if req.Code == "" {
			return fmt.Sprintf("Write code for the following task. Reply with code only.\n\n%s", req.Prompt)
		}
		return fmt.Sprintf("%s\n\nUse this code as context. Reply with code only.\n\n%s", req.Prompt, req.Code)
	}
	return fmt.Sprintf("Complete the following code. Reply with the continuation only.\n\n%s", req.Code)
}

func lastUserMessage(messages []models.ChatMessage) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Content, true
		}
	}
	return "", false
}
