package message

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Image is an attachment stored in blob storage and referenced by a message.
type Image struct {
	Key          string `json:"key"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	ContentType  string `json:"content_type"`
}

// Message is one immutable entry of a conversation's log.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	Image          *Image    `json:"image,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Cursor is a position in the log. Messages are totally ordered by
// (CreatedAt, ID).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Cursor returns the position of m.
func (m *Message) Cursor() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Before reports whether c sorts before o.
func (c Cursor) Before(o Cursor) bool {
	if c.CreatedAt.Equal(o.CreatedAt) {
		return c.ID < o.ID
	}
	return c.CreatedAt.Before(o.CreatedAt)
}

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrEmptyMessage    = errors.New("message has neither body nor image")
)

// NewID returns a time-ordered message id, so that ids break ties between
// messages sharing a timestamp in creation order.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Store defines message log persistence operations. All list operations
// return messages in ascending (CreatedAt, ID) order.
type Store interface {
	Create(ctx context.Context, msg *Message) error
	// Get returns the message only if it belongs to conversationID.
	Get(ctx context.Context, conversationID, id string) (*Message, error)
	// ListAfter returns up to limit messages strictly after the cursor.
	ListAfter(ctx context.Context, conversationID string, after Cursor, limit int) ([]Message, error)
	// ListBefore returns the newest limit messages strictly before the cursor.
	ListBefore(ctx context.Context, conversationID string, before Cursor, limit int) ([]Message, error)
	// ListLatest returns the newest limit messages.
	ListLatest(ctx context.Context, conversationID string, limit int) ([]Message, error)
	Count(ctx context.Context, conversationID string) (int, error)
}
