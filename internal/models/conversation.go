package models

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrGenerationInProgress is returned when a conversation already has a streaming message.
	ErrGenerationInProgress = errors.New("a response is still being generated")
	// ErrMessageFinalized is returned when a message that is no longer streaming is mutated.
	ErrMessageFinalized = errors.New("message is no longer streaming")
	// ErrNotFound is returned when a message does not exist in the conversation.
	ErrNotFound = errors.New("not found")
)

// Conversation is the ordered message list of one chat. It is append-only, except for the content
// of the latest assistant message while it streams, and holds at most one streaming message at a
// time. A Conversation is safe for concurrent use.
type Conversation struct {
	mu       sync.Mutex
	id       string
	messages []ChatMessage
}

// NewConversation returns a Conversation for chat id holding the given messages. Messages loaded
// from a store that are still marked as streaming belong to a generation that no longer runs, so
// they are finalized with whatever content they have.
func NewConversation(id string, messages []ChatMessage) *Conversation {
	msgs := slices.Clone(messages)
	for i := range msgs {
		msgs[i].Streaming = false
	}
	return &Conversation{id: id, messages: msgs}
}

// ID returns the chat ID of the conversation.
func (c *Conversation) ID() string {
	return c.id
}

// Submit appends a final user message with the given content and a streaming, empty assistant
// message. It fails with ErrGenerationInProgress while another message is streaming.
func (c *Conversation) Submit(content string) (ChatMessage, ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.streamingIndex(); ok {
		return ChatMessage{}, ChatMessage{}, ErrGenerationInProgress
	}

	now := time.Now()
	user := ChatMessage{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: now,
	}
	assistant := ChatMessage{
		ID:        uuid.New().String(),
		Role:      RoleAssistant,
		CreatedAt: now.Add(time.Nanosecond),
		Streaming: true,
	}
	c.messages = append(c.messages, user, assistant)

	return user, assistant, nil
}

// SetContent replaces the content of the streaming message id.
func (c *Conversation) SetContent(id, content string) (ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, err := c.streamingMessage(id)
	if err != nil {
		return ChatMessage{}, err
	}
	c.messages[i].Content = content
	return c.messages[i], nil
}

// Finish ends streaming of message id, keeping its current content.
func (c *Conversation) Finish(id string) (ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, err := c.streamingMessage(id)
	if err != nil {
		return ChatMessage{}, err
	}
	c.messages[i].Streaming = false
	return c.messages[i], nil
}

// Fail ends streaming of message id, replacing its content with message.
func (c *Conversation) Fail(id, message string) (ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, err := c.streamingMessage(id)
	if err != nil {
		return ChatMessage{}, err
	}
	c.messages[i].Content = message
	c.messages[i].Streaming = false
	return c.messages[i], nil
}

// Streaming returns the message that is currently streaming, if any.
func (c *Conversation) Streaming() (ChatMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.streamingIndex()
	if !ok {
		return ChatMessage{}, false
	}
	return c.messages[i], true
}

// Messages returns a copy of the messages in order.
func (c *Conversation) Messages() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.messages)
}

// Clear removes every message. It fails with ErrGenerationInProgress while a message is streaming.
func (c *Conversation) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.streamingIndex(); ok {
		return ErrGenerationInProgress
	}
	c.messages = nil
	return nil
}

func (c *Conversation) streamingIndex() (int, bool) {
	// Only the latest assistant message can be streaming.
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Streaming {
			return i, true
		}
	}
	return -1, false
}

func (c *Conversation) streamingMessage(id string) (int, error) {
	i := slices.IndexFunc(c.messages, func(m ChatMessage) bool { return m.ID == id })
	if i == -1 {
		return -1, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if !c.messages[i].Streaming {
		return -1, fmt.Errorf("message %s: %w", id, ErrMessageFinalized)
	}
	return i, nil
}
