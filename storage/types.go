package storage

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// ConversationRow is the SQLite representation of a cached conversation.
type ConversationRow struct {
	ConversationID  string
	CounterpartID   string
	CounterpartName string
	LastMessageID   string
	LastMessageText string
	LastMessageAt   int64
	UnreadCount     int
}

// MessageRow is the SQLite representation of a cached confirmed message.
type MessageRow struct {
	MessageID      string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	CreatedAt      int64
	IsRead         bool
	ReadBy         []string
}

func joinReadBy(readers []string) string {
	return strings.Join(readers, ",")
}

func splitReadBy(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
