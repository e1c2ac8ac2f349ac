package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/ajeetraina/smart-code-assistant-docker-offload/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the Store interface using a BoltDB backend, so chats and their messages survive
// a restart. Chats live in one bucket, and each chat's messages in a bucket of their own keyed by
// message ID.
type BoltDB struct {
	db *bolt.DB
}

var chatsBucket = []byte("chats")

// NewBoltDB opens or creates the database at path and initializes the chats bucket. The file is
// created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create chats bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

// Chats retrieves all stored chats, newest first.
func (b BoltDB) Chats(context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			chats = append(chats, chat)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortChats(chats)
	return chats, nil
}

// AddChat stores a new chat and creates its message bucket.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(messageBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}
		return tx.Bucket(chatsBucket).Put([]byte(chat.ID), v)
	})
}

// Messages retrieves the messages of a chat in creation order. An unknown chat has no messages.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			var message models.ChatMessage
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortMessages(messages)
	return messages, nil
}

// AddMessage stores a new message in the chat's message bucket.
func (b BoltDB) AddMessage(_ context.Context, chatID string, message models.ChatMessage) error {
	return b.putMessage(chatID, message, false)
}

// UpdateMessage replaces an existing message. It returns ErrNotFound if the message doesn't exist.
func (b BoltDB) UpdateMessage(_ context.Context, chatID string, message models.ChatMessage) error {
	return b.putMessage(chatID, message, true)
}

// ClearMessages removes every message of a chat, keeping the chat itself.
func (b BoltDB) ClearMessages(_ context.Context, chatID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		name := messageBucketName(chatID)
		if tx.Bucket(name) == nil {
			return fmt.Errorf("chat %s: %w", chatID, models.ErrNotFound)
		}
		if err := tx.DeleteBucket(name); err != nil {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		_, err := tx.CreateBucket(name)
		return err
	})
}

func (b BoltDB) putMessage(chatID string, message models.ChatMessage, mustExist bool) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return fmt.Errorf("chat %s: %w", chatID, models.ErrNotFound)
		}
		if mustExist && bucket.Get([]byte(message.ID)) == nil {
			return fmt.Errorf("message %s: %w", message.ID, models.ErrNotFound)
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bucket.Put([]byte(message.ID), v)
	})
}

func sortChats(chats []models.Chat) {
	slices.SortStableFunc(chats, func(a, b models.Chat) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}

func sortMessages(messages []models.ChatMessage) {
	slices.SortStableFunc(messages, func(a, b models.ChatMessage) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
