package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/nexus-im/courier/store/message"
)

// PollInput asks for the messages a member has not seen yet.
type PollInput struct {
	ConversationID string
	CallerID       string
	// SinceID is the id of the last message the client holds. Empty
	// means the client holds nothing.
	SinceID  string
	Location *time.Location
}

// Poll returns the messages strictly after SinceID in conversation order.
// Without SinceID it returns the newest page. An unknown or malformed
// SinceID yields an empty list rather than an error so that a client with
// a stale cursor keeps polling.
func (s *Service) Poll(ctx context.Context, in PollInput) ([]MessageView, error) {
	if err := s.authorize(ctx, in.ConversationID, in.CallerID); err != nil {
		return nil, err
	}

	var (
		msgs []message.Message
		err  error
	)
	if in.SinceID == "" {
		msgs, err = s.messages.ListLatest(ctx, in.ConversationID, s.pollLimit)
	} else {
		cursor, ok, cerr := s.cursor(ctx, in.ConversationID, in.SinceID)
		if cerr != nil {
			return nil, cerr
		}
		if !ok {
			return []MessageView{}, nil
		}
		msgs, err = s.messages.ListAfter(ctx, in.ConversationID, cursor, s.pollLimit)
	}
	if err != nil {
		return nil, err
	}
	return s.messageViews(ctx, msgs, in.CallerID, s.location(in.Location)), nil
}

// HistoryInput asks for the page of messages preceding BeforeID.
type HistoryInput struct {
	ConversationID string
	CallerID       string
	// BeforeID is the oldest message the client holds. Empty returns the
	// newest page.
	BeforeID string
	Location *time.Location
}

// History returns up to HistoryPageSize messages strictly before BeforeID,
// oldest first.
func (s *Service) History(ctx context.Context, in HistoryInput) ([]MessageView, error) {
	if err := s.authorize(ctx, in.ConversationID, in.CallerID); err != nil {
		return nil, err
	}

	var (
		msgs []message.Message
		err  error
	)
	if in.BeforeID == "" {
		msgs, err = s.messages.ListLatest(ctx, in.ConversationID, HistoryPageSize)
	} else {
		cursor, ok, cerr := s.cursor(ctx, in.ConversationID, in.BeforeID)
		if cerr != nil {
			return nil, cerr
		}
		if !ok {
			return []MessageView{}, nil
		}
		msgs, err = s.messages.ListBefore(ctx, in.ConversationID, cursor, HistoryPageSize)
	}
	if err != nil {
		return nil, err
	}
	return s.messageViews(ctx, msgs, in.CallerID, s.location(in.Location)), nil
}

// cursor resolves a message id within a conversation to its position.
// ok is false when the id names no message of that conversation.
func (s *Service) cursor(ctx context.Context, conversationID, id string) (message.Cursor, bool, error) {
	if !validID(id) {
		return message.Cursor{}, false, nil
	}
	m, err := s.messages.Get(ctx, conversationID, id)
	if err != nil {
		if errors.Is(err, message.ErrMessageNotFound) {
			return message.Cursor{}, false, nil
		}
		return message.Cursor{}, false, err
	}
	return m.Cursor(), true, nil
}
