package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Chat represents a conversation container in the chat sidebar. It provides basic identification and
// labeling for organizing message threads.
type Chat struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// ChatMessage is an individual entry within a conversation: its identifier, the participant's role,
// the text content and its creation time. Content only changes while Streaming is true; once the
// message leaves the streaming state it is final.
type ChatMessage struct {
	ID        string
	Role      Role
	Content   string
	CreatedAt time.Time
	Streaming bool
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a user message. User messages are final as soon as they are created.
	RoleUser Role = "user"
	// RoleAssistant represents a model response, streamed into place after the request is dispatched.
	RoleAssistant Role = "assistant"
)

const titleMaxRunes = 40

// TitleFromMessage derives a chat title from the first user message: the first line, trimmed and
// cut to a fixed number of runes.
func TitleFromMessage(message string) string {
	title := strings.TrimSpace(message)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if utf8.RuneCountInString(title) <= titleMaxRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:titleMaxRunes])) + "…"
}
