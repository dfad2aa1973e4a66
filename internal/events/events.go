// Package events publishes domain events for services outside the
// messaging core, such as push notification senders.
package events

import (
	"context"
	"time"
)

// TypeMessageSent is the event type emitted after a message is stored.
const TypeMessageSent = "message.sent"

// MessageSent describes a stored message. Recipients are the conversation
// members other than the sender.
type MessageSent struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	RecipientIDs   []string  `json:"recipient_ids"`
	Preview        string    `json:"preview"`
	HasImage       bool      `json:"has_image"`
	CreatedAt      time.Time `json:"created_at"`
}

// Publisher delivers events. Publishing is best effort: the message log is
// authoritative and clients still see messages by polling.
type Publisher interface {
	PublishMessageSent(ctx context.Context, ev MessageSent) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) PublishMessageSent(context.Context, MessageSent) error { return nil }
func (Nop) Close() error                                          { return nil }
