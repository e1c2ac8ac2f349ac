package services

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/models"
)

// Memory implements the Store interface in process memory. Nothing survives a restart.
type Memory struct {
	mu       sync.RWMutex
	chats    []models.Chat
	messages map[string][]models.ChatMessage
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string][]models.ChatMessage),
	}
}

// Chats returns all chats, newest first.
func (m *Memory) Chats(context.Context) ([]models.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chats := slices.Clone(m.chats)
	sortChats(chats)
	return chats, nil
}

// AddChat stores a new chat.
func (m *Memory) AddChat(_ context.Context, chat models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.chats = append(m.chats, chat)
	if _, ok := m.messages[chat.ID]; !ok {
		m.messages[chat.ID] = nil
	}
	return nil
}

// Messages returns the messages of a chat in creation order.
func (m *Memory) Messages(_ context.Context, chatID string) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := slices.Clone(m.messages[chatID])
	sortMessages(msgs)
	return msgs, nil
}

// AddMessage appends a message to a chat.
func (m *Memory) AddMessage(_ context.Context, chatID string, message models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[chatID]; !ok {
		return fmt.Errorf("chat %s: %w", chatID, models.ErrNotFound)
	}
	m.messages[chatID] = append(m.messages[chatID], message)
	return nil
}

// UpdateMessage replaces an existing message.
func (m *Memory) UpdateMessage(_ context.Context, chatID string, message models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[chatID]
	idx := slices.IndexFunc(msgs, func(msg models.ChatMessage) bool { return msg.ID == message.ID })
	if idx == -1 {
		return fmt.Errorf("message %s: %w", message.ID, models.ErrNotFound)
	}
	msgs[idx] = message
	return nil
}

// ClearMessages removes every message of a chat.
func (m *Memory) ClearMessages(_ context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[chatID]; !ok {
		return fmt.Errorf("chat %s: %w", chatID, models.ErrNotFound)
	}
	m.messages[chatID] = nil
	return nil
}
