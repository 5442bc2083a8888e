package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Conversation statuses.
const (
	StatusActive = "active"
	StatusDone   = "done"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Conversation struct {
	ID        string    `json:"id"`
	Intent    string    `json:"intent"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// FirstUserText is filled by ListConversations.
	FirstUserText string `json:"first_user_text,omitempty"`
	// Messages is filled by GetConversation.
	Messages []Message `json:"messages,omitempty"`
}

type Message struct {
	ID             int64     `json:"-"`
	ConversationID string    `json:"-"`
	Role           string    `json:"role"`
	PayloadType    string    `json:"payload_type"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
