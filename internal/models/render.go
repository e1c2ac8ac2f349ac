package models

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(
			highlighting.WithStyle("monokai"),
		),
	),
)

// RenderMarkdown renders message content to HTML. Raw HTML in the content is not passed through.
func RenderMarkdown(content string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}

// DetectLanguage guesses the language of a generated code snippet from a few telltale tokens,
// defaulting to javascript.
func DetectLanguage(code string) string {
	switch {
	case strings.Contains(code, "def ") || strings.Contains(code, "import ") || strings.Contains(code, "print("):
		return "python"
	case strings.Contains(code, "function ") || strings.Contains(code, "const ") || strings.Contains(code, "=>"):
		return "javascript"
	case strings.Contains(code, "interface ") || strings.Contains(code, ": string") || strings.Contains(code, "React.FC"):
		return "typescript"
	default:
		return "javascript"
	}
}

// RenderCode renders a code snippet as a highlighted block. Content that already contains a fenced
// block is rendered as regular markdown.
func RenderCode(code string) (string, error) {
	if strings.Contains(code, "```") {
		return RenderMarkdown(code)
	}
	return RenderMarkdown(fmt.Sprintf("```%s\n%s\n```\n", DetectLanguage(code), code))
}
